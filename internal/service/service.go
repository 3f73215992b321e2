package service

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Service は転送先となるバックエンドサービス。
// 登録後は不変。ホストとポートは登録時に一度だけ解決され、
// リクエストごとの再解決は行わない。
type Service struct {
	// Name はサービス名。
	Name string
	// Host はサービスのホストアドレス。
	Host string
	// Port はサービスのリッスンポート。
	Port int
	// Selector はこのサービスへのルーティング判定ルール。
	Selector Selector
}

// New は新しいServiceを生成する。
func New(name, host string, port int, selector Selector) Service {
	return Service{Name: name, Host: host, Port: port, Selector: selector}
}

// FromEnv は環境変数からホストとポートを解決してServiceを生成する。
// Kubernetesのサービスディスカバリ規約に従い、
// ${NAME}_SERVICE_HOST と ${NAME}_SERVICE_PORT を参照する。
func FromEnv(name string, selector Selector) (Service, error) {
	key := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))

	host := os.Getenv(key + "_SERVICE_HOST")
	if host == "" {
		return Service{}, fmt.Errorf("サービス %q のホストが設定されていません（%s_SERVICE_HOST）", name, key)
	}

	portValue := os.Getenv(key + "_SERVICE_PORT")
	if portValue == "" {
		portValue = "80"
	}
	port, err := strconv.Atoi(portValue)
	if err != nil {
		return Service{}, fmt.Errorf("サービス %q のポートが不正です: %w", name, err)
	}

	return New(name, host, port, selector), nil
}

// Addr はサービスの "host:port" 形式のアドレスを返す。
func (s Service) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// String はログ出力用の表現を返す。
func (s Service) String() string {
	return fmt.Sprintf("Service(name=%s, host=%s, port=%d)", s.Name, s.Host, s.Port)
}
