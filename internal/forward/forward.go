// Package forward は解決済みのバックエンドサービスへリクエストを転送し、
// レスポンスをクライアントへ中継するエンジンを提供する。
package forward

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/fibergw/internal/metrics"
	"github.com/nao1215/fibergw/internal/service"
)

// ErrUpstreamUnavailable はバックエンドに到達できない、または
// タイムアウトしたことを示す。自動リトライは行わない。
var ErrUpstreamUnavailable = errors.New("バックエンドサービスに到達できません")

// defaultTimeout はバックエンド呼び出しのタイムアウト。
// クライアント切断との連動は行わないため、このタイムアウトが
// バックエンド呼び出し時間の上限となる。
const defaultTimeout = 30 * time.Second

// Forwarder は受信リクエストをバックエンドサービスへ転送する。
type Forwarder struct {
	// client は転送に使用するHTTPクライアント。
	client *http.Client
}

// New は新しいForwarderを生成する。clientがnilの場合は
// デフォルトタイムアウト付きのクライアントを使用する。
func New(client *http.Client) *Forwarder {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Forwarder{client: client}
}

// Relay は受信リクエストをサービスへ転送し、レスポンスを中継する。
//
// 転送リクエストはメソッド（大文字化）・パス・クエリパラメータ・
// ヘッダー（Content-Lengthを除く）・ボディを受信リクエストから引き継ぐ。
// レスポンスはステータスコードとヘッダーをそのまま中継するが、
// Content-TypeとContent-Lengthは実際に書き込むボディから再計算する。
// 中継はステータス・ヘッダーをコミットした後にボディを書き込む順で行う。
func (f *Forwarder) Relay(c *gin.Context, svc service.Service) error {
	req, err := f.buildOutbound(c.Request, svc)
	if err != nil {
		return err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		metrics.UpstreamErrors.Inc()
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.UpstreamErrors.Inc()
		return fmt.Errorf("%w: レスポンスの読み取りに失敗: %v", ErrUpstreamUnavailable, err)
	}

	// Content-Type / Content-Length は中継層が実際のボディから設定し直すため
	// バックエンドの値はコピーしない
	for key, values := range resp.Header {
		if strings.EqualFold(key, "Content-Type") || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for _, v := range values {
			c.Writer.Header().Add(key, v)
		}
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}

	metrics.RequestsForwarded.WithLabelValues(svc.Name).Inc()
	c.Data(resp.StatusCode, contentType, body)
	return nil
}

// buildOutbound は受信リクエストからバックエンド向けのリクエストを構築する。
func (f *Forwarder) buildOutbound(inbound *http.Request, svc service.Service) (*http.Request, error) {
	scheme := "http"
	if inbound.TLS != nil {
		scheme = "https"
	}

	outboundURL := url.URL{
		Scheme:   scheme,
		Host:     svc.Addr(),
		Path:     inbound.URL.Path,
		RawQuery: inbound.URL.Query().Encode(),
	}

	body, err := io.ReadAll(inbound.Body)
	if err != nil {
		return nil, fmt.Errorf("リクエストボディの読み取りに失敗: %w", err)
	}

	req, err := http.NewRequestWithContext(inbound.Context(),
		strings.ToUpper(inbound.Method), outboundURL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("転送リクエストの作成に失敗: %w", err)
	}

	// Content-Lengthはトランスポート層が再計算するためコピーしない
	for key, values := range inbound.Header {
		if strings.EqualFold(key, "Content-Length") {
			continue
		}
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	return req, nil
}
