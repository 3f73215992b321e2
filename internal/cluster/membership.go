// Package cluster はゲートウェイのフリート（同一エントリポイント配下で
// 並行稼働するレプリカ群）のメンバーシップ解決を提供する。
package cluster

import (
	"context"
	"os"
	"strings"
)

// Membership は自レプリカを除く兄弟レプリカのアドレス一覧を解決する。
type Membership interface {
	// Siblings は自レプリカを除いた兄弟レプリカの "host:port" 一覧を返す。
	Siblings(ctx context.Context) ([]string, error)
}

// StaticMembership は固定のレプリカ一覧を使用するMembershipの実装。
// ディスカバリ基盤のない環境やテストで使用する。
type StaticMembership struct {
	// self は自レプリカのアドレス。
	self string
	// replicas はフリート全体のレプリカアドレス一覧。
	replicas []string
}

// インターフェース実装の静的検証。
var _ Membership = (*StaticMembership)(nil)

// NewStaticMembership は新しいStaticMembershipを生成する。
func NewStaticMembership(self string, replicas []string) *StaticMembership {
	return &StaticMembership{self: self, replicas: replicas}
}

// StaticFromEnv は環境変数から固定メンバーシップを構築する。
// GATEWAY_REPLICAS にカンマ区切りの "host:port" 一覧、
// GATEWAY_SELF_ADDR（未設定時は POD_IP）に自レプリカのアドレスを指定する。
func StaticFromEnv() *StaticMembership {
	self := os.Getenv("GATEWAY_SELF_ADDR")
	if self == "" {
		self = os.Getenv("POD_IP")
	}

	var replicas []string
	for _, addr := range strings.Split(os.Getenv("GATEWAY_REPLICAS"), ",") {
		addr = strings.TrimSpace(addr)
		if addr != "" {
			replicas = append(replicas, addr)
		}
	}
	return NewStaticMembership(self, replicas)
}

// Siblings は自レプリカを除いたレプリカアドレス一覧を返す。
func (m *StaticMembership) Siblings(_ context.Context) ([]string, error) {
	siblings := make([]string, 0, len(m.replicas))
	for _, addr := range m.replicas {
		if addr != m.self {
			siblings = append(siblings, addr)
		}
	}
	return siblings, nil
}
