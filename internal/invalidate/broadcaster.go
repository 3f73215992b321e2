// Package invalidate はIDキャッシュの無効化をフリート全体へ
// ベストエフォートで配信するブロードキャスタを提供する。
package invalidate

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/nao1215/fibergw/internal/cluster"
	"github.com/nao1215/fibergw/internal/metrics"
	"github.com/nao1215/fibergw/pkg/httpclient"
)

// Broadcaster はキャッシュ無効化を兄弟レプリカへファンアウトする。
// 配信はベストエフォート: 到達できないレプリカは自身のTTL失効まで
// 古いエントリを保持し続けるが、それを理由に元のリクエストを
// 失敗させることはない。
type Broadcaster struct {
	// membership は兄弟レプリカのアドレス解決に使用する。
	membership cluster.Membership
	// client はレプリカ間通信用のHTTPクライアント。
	client *httpclient.Client
}

// NewBroadcaster は新しいBroadcasterを生成する。
func NewBroadcaster(membership cluster.Membership, client *httpclient.Client) *Broadcaster {
	return &Broadcaster{membership: membership, client: client}
}

// Broadcast は全兄弟レプリカへ無効化のPATCHを並行送信し、
// 全送信の完了を待ってから戻る。個々の配信失敗はログに記録するのみで、
// 呼び出し元へは伝播させない。レプリカ間の受信順序も保証しない。
func (b *Broadcaster) Broadcast(ctx context.Context, userID uuid.UUID) {
	siblings, err := b.membership.Siblings(ctx)
	if err != nil {
		log.Printf("兄弟レプリカの解決に失敗: %v", err)
		metrics.InvalidationFailures.Inc()
		return
	}

	var wg sync.WaitGroup
	for _, addr := range siblings {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()

			url := fmt.Sprintf("http://%s/api/cache/remove/%s", addr, userID)
			if err := b.client.Patch(ctx, url); err != nil {
				log.Printf("無効化の配信に失敗: addr=%s, user_id=%s, error=%v", addr, userID, err)
				metrics.InvalidationFailures.Inc()
			}
		}(addr)
	}
	wg.Wait()
}
