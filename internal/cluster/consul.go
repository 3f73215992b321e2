package cluster

import (
	"context"
	"fmt"

	consulapi "github.com/hashicorp/consul/api"
)

// ConsulMembership はConsulのサービスカタログからフリートの
// レプリカ一覧を解決するMembershipの実装。
type ConsulMembership struct {
	// client はConsul APIクライアント。
	client *consulapi.Client
	// serviceName はConsulに登録されたゲートウェイのサービス名。
	serviceName string
	// self は自レプリカのアドレス。
	self string
}

// インターフェース実装の静的検証。
var _ Membership = (*ConsulMembership)(nil)

// NewConsulMembership は新しいConsulMembershipを生成する。
// addrにはConsulエージェントのアドレス（例: "consul:8500"）を指定する。
func NewConsulMembership(addr, serviceName, self string) (*ConsulMembership, error) {
	cfg := consulapi.DefaultConfig()
	cfg.Address = addr

	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("Consulクライアントの生成に失敗: %w", err)
	}

	return &ConsulMembership{
		client:      client,
		serviceName: serviceName,
		self:        self,
	}, nil
}

// Siblings はヘルスチェックを通過したレプリカのうち、
// 自レプリカを除いたアドレス一覧を返す。
func (m *ConsulMembership) Siblings(ctx context.Context) ([]string, error) {
	opts := (&consulapi.QueryOptions{}).WithContext(ctx)
	entries, _, err := m.client.Health().Service(m.serviceName, "", true, opts)
	if err != nil {
		return nil, fmt.Errorf("Consulからのレプリカ一覧取得に失敗: %w", err)
	}

	siblings := make([]string, 0, len(entries))
	for _, e := range entries {
		host := e.Service.Address
		if host == "" {
			host = e.Node.Address
		}
		addr := fmt.Sprintf("%s:%d", host, e.Service.Port)
		if addr == m.self {
			continue
		}
		siblings = append(siblings, addr)
	}
	return siblings, nil
}
