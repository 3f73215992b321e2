package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// defaultTimeout はレプリカ間通信のデフォルトタイムアウト。
// 無効化のファンアウトが遅いレプリカに長時間引きずられないよう短めに設定する。
const defaultTimeout = 10 * time.Second

// Client はレプリカ間通信用の軽量HTTPクライアント。
// キャッシュ無効化のファンアウトなど、フリート内部の呼び出しに使用する。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
}

// New は新しいレプリカ間通信用HTTPクライアントを生成する。
// timeoutが0以下の場合はデフォルト値を使用する。
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Patch は指定URLにボディなしのPATCHリクエストを送信する。
// 2xx以外のステータスコードはエラーとして返す。
func (c *Client) Patch(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, nil)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("HTTPエラー: status=%d, body=%s", resp.StatusCode, string(respBody))
	}
	return nil
}
