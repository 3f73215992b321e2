package service

import (
	"errors"
	"sync"
)

// ErrRouteNotFound はパスにマッチするサービスが存在しないことを示す。
var ErrRouteNotFound = errors.New("パスにマッチするサービスが見つかりません")

// ErrAmbiguousRoute は複数のサービスが同一パスにマッチしたことを示す。
// 正しく設定されたデプロイでは到達しない、設定不備のエラー。
var ErrAmbiguousRoute = errors.New("複数のサービスが同一パスにマッチしました")

// Registry は登録された全サービスを保持するインメモリのルーティングテーブル。
// 起動時に登録された後は実質読み取り専用だが、動的登録が追加されても
// Resolveが部分更新された集合を観測しないようRWMutexで保護する。
type Registry struct {
	// mu はservicesへの並行アクセスを保護する。
	mu sync.RWMutex
	// services は登録済みサービスの一覧。
	services []Service
}

// NewRegistry は空のRegistryを生成する。
func NewRegistry() *Registry {
	return &Registry{}
}

// Register はサービスをルーティングテーブルに追加する。
// 名前の重複チェックは行わない。一意性はResolve時に判定される。
func (r *Registry) Register(s Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services = append(r.services, s)
}

// Resolve はリクエストパスにマッチするサービスを1つ解決する。
// マッチが0件の場合はErrRouteNotFound、2件以上の場合はErrAmbiguousRouteを返す。
// 全サービスの線形走査だが、サービス数はクラスタ単位で小さいため許容する。
func (r *Registry) Resolve(path string) (Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		matched Service
		count   int
	)
	for _, s := range r.services {
		if s.Selector.Matches(path) {
			matched = s
			count++
		}
	}

	switch {
	case count == 0:
		return Service{}, ErrRouteNotFound
	case count > 1:
		return Service{}, ErrAmbiguousRoute
	default:
		return matched, nil
	}
}

// Len は登録済みサービス数を返す。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}
