package identity

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/nao1215/fibergw/internal/metrics"
)

// defaultTTL はキャッシュエントリのデフォルト有効期間。
// アクセスのたびに有効期限が延長される（スライディングTTL）。
const defaultTTL = 5 * time.Minute

// Broadcaster は他レプリカへのキャッシュ無効化通知の抽象。
type Broadcaster interface {
	// Broadcast は指定ユーザーIDの無効化を全レプリカに通知する。
	// 配信はベストエフォートであり、個々の失敗は呼び出し元に伝播しない。
	Broadcast(ctx context.Context, userID uuid.UUID)
}

// entry はキャッシュの1エントリ。userがnilの場合は
// 「存在しない」結果の記録（ネガティブキャッシュ）を表す。
type entry struct {
	user      *User
	expiresAt time.Time
}

// Cache はレプリカローカルなユーザーIDキャッシュ。
// ミス時はStoreから読み込み、存在しない結果も含めてキャッシュする。
// レプリカをまたぐ読み取りは存在せず、無効化のみが伝播される。
type Cache struct {
	// store はミス時の読み込み先となる永続ストア。
	store Store
	// broadcaster は無効化の通知先。nilの場合はローカル動作のみ。
	broadcaster Broadcaster
	// ttl はエントリの有効期間。
	ttl time.Duration

	// mu はentriesへの並行アクセスを保護する。
	mu sync.RWMutex
	// entries はユーザーIDからキャッシュエントリへのマップ。
	entries map[uuid.UUID]*entry
	// group は同一キーへの同時ミスをストア1回の読み込みに集約する。
	group singleflight.Group
}

// NewCache は新しいCacheを生成する。ttlが0以下の場合は5分を使用する。
func NewCache(store Store, broadcaster Broadcaster, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{
		store:       store,
		broadcaster: broadcaster,
		ttl:         ttl,
		entries:     make(map[uuid.UUID]*entry),
	}
}

// Get は指定IDのユーザーを返す。存在しない場合は (nil, nil) を返す。
// キャッシュヒット時は有効期限を延長する。ミス時はストアから読み込み、
// 結果（存在しない結果を含む）をキャッシュする。
func (c *Cache) Get(ctx context.Context, id uuid.UUID) (*User, error) {
	if user, ok := c.lookup(id); ok {
		metrics.CacheHits.Inc()
		return user, nil
	}
	metrics.CacheMisses.Inc()

	v, err, _ := c.group.Do(id.String(), func() (any, error) {
		// 同時ミスの後続呼び出しは先行の読み込み結果を再利用する
		if user, ok := c.lookup(id); ok {
			return user, nil
		}

		user, err := c.store.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		c.put(id, user)
		return user, nil
	})
	if err != nil {
		return nil, err
	}

	user, _ := v.(*User)
	return user, nil
}

// Evict はローカルのキャッシュエントリのみを破棄する。
// 他レプリカからの無効化通知を受信した際に使用する。
func (c *Cache) Evict(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Invalidate はローカルエントリを破棄した上で、全レプリカへ無効化を通知する。
// ローカルにエントリが存在しない場合でも通知は必ず行う。
// キャッシュしている可能性のある他レプリカにも届ける必要があるため。
func (c *Cache) Invalidate(ctx context.Context, id uuid.UUID) {
	c.Evict(id)

	if c.broadcaster != nil {
		c.broadcaster.Broadcast(ctx, id)
	}
}

// lookup は有効なキャッシュエントリを検索し、ヒット時は有効期限を延長する。
// 戻り値のboolはヒットの有無を表す（ネガティブキャッシュのヒットもtrue）。
func (c *Cache) lookup(id uuid.UUID) (*User, bool) {
	c.mu.RLock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.RUnlock()
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.mu.RUnlock()
		c.Evict(id)
		return nil, false
	}
	user := e.user
	c.mu.RUnlock()

	// スライディングTTL: アクセスされたエントリの有効期限を延長する
	c.mu.Lock()
	if e, ok := c.entries[id]; ok {
		e.expiresAt = time.Now().Add(c.ttl)
	}
	c.mu.Unlock()

	return user, true
}

// put はストアの読み込み結果をキャッシュに保存する。
func (c *Cache) put(id uuid.UUID, user *User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = &entry{user: user, expiresAt: time.Now().Add(c.ttl)}
}
