package gateway

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/nao1215/fibergw/internal/auth"
	"github.com/nao1215/fibergw/internal/cluster"
	"github.com/nao1215/fibergw/internal/forward"
	"github.com/nao1215/fibergw/internal/identity"
	"github.com/nao1215/fibergw/internal/invalidate"
	"github.com/nao1215/fibergw/internal/service"
	"github.com/nao1215/fibergw/pkg/httpclient"
	"github.com/nao1215/fibergw/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testJWTSecret = "test-secret-key"

// newTestServer はインメモリのユーザーストアと固定レプリカ一覧で
// テスト用のゲートウェイサーバーを構築する。
func newTestServer(t *testing.T, replicas []string) *Server {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("データベース接続に失敗: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store, err := identity.NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("ユーザーストアの初期化に失敗: %v", err)
	}

	membership := cluster.NewStaticMembership("", replicas)
	broadcaster := invalidate.NewBroadcaster(membership, httpclient.New(0))
	cache := identity.NewCache(store, broadcaster, 0)
	issuer := auth.NewIssuer(testJWTSecret)

	router := gin.New()
	router.Use(middleware.Recovery())

	s := &Server{
		router:    router,
		port:      "8080",
		db:        db,
		store:     store,
		cache:     cache,
		issuer:    issuer,
		gate:      auth.NewGate(issuer, cache),
		registry:  service.NewRegistry(),
		forwarder: forward.New(nil),
	}
	s.setupRoutes()
	return s
}

// seedUser はテスト用ユーザーをストアへ登録する。
func seedUser(t *testing.T, store identity.Store, name, password string) uuid.UUID {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("パスワードハッシュ生成に失敗: %v", err)
	}

	id := uuid.New()
	user := identity.User{ID: id, Name: name, PasswordHash: string(hash)}
	if err := store.Insert(t.Context(), user); err != nil {
		t.Fatalf("ユーザー登録に失敗: %v", err)
	}
	return id
}

// mintToken はテスト用のトークンを発行する。
func mintToken(t *testing.T, userID uuid.UUID) string {
	t.Helper()

	token, err := auth.NewIssuer(testJWTSecret).Mint(userID.String())
	if err != nil {
		t.Fatalf("トークン発行に失敗: %v", err)
	}
	return token
}

// serviceFor はhttptestサーバーをバックエンドサービスとして登録するための
// Service値を構築する。
func serviceFor(t *testing.T, ts *httptest.Server, name string, sel service.Selector) service.Service {
	t.Helper()

	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("URLのパースに失敗: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("ポートのパースに失敗: %v", err)
	}
	return service.New(name, u.Hostname(), port, sel)
}

// TestHandleLogin はログインエンドポイントを検証する。
func TestHandleLogin(t *testing.T) {
	t.Run("正しい認証情報でトークンが発行されること", func(t *testing.T) {
		s := newTestServer(t, nil)
		userID := seedUser(t, s.store, "alice", "password123")

		body := `{"name": "alice", "password": "password123"}`
		req := httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}

		var resp loginResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if !resp.Success {
			t.Error("success = false, want true")
		}

		gotID, err := auth.NewIssuer(testJWTSecret).Verify(resp.Token)
		if err != nil {
			t.Fatalf("発行されたトークンの検証に失敗: %v", err)
		}
		if gotID != userID.String() {
			t.Errorf("トークンのユーザーID = %q, want %q", gotID, userID.String())
		}
	})

	t.Run("未知のユーザー名の場合404が返ること", func(t *testing.T) {
		s := newTestServer(t, nil)

		body := `{"name": "nobody", "password": "password123"}`
		req := httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusNotFound)
		}
	})

	t.Run("パスワードが一致しない場合403が返ること", func(t *testing.T) {
		s := newTestServer(t, nil)
		seedUser(t, s.store, "alice", "password123")

		body := `{"name": "alice", "password": "wrong-password"}`
		req := httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusForbidden)
		}
	})

	t.Run("不正なリクエストボディの場合400が返ること", func(t *testing.T) {
		s := newTestServer(t, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewBufferString("{invalid"))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

// TestHandleCacheEvict はキャッシュ破棄エンドポイントを検証する。
func TestHandleCacheEvict(t *testing.T) {
	t.Run("ローカルのキャッシュエントリが破棄されること", func(t *testing.T) {
		s := newTestServer(t, nil)

		reqURL := fmt.Sprintf("/api/cache/remove/%s", uuid.New())
		req := httptest.NewRequest(http.MethodPatch, reqURL, nil)
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("破棄が他のレプリカへ再配信されないこと", func(t *testing.T) {
		var mu sync.Mutex
		received := 0
		sibling := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			mu.Lock()
			received++
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		}))
		defer sibling.Close()

		u, err := url.Parse(sibling.URL)
		if err != nil {
			t.Fatalf("URLのパースに失敗: %v", err)
		}
		s := newTestServer(t, []string{u.Host})

		reqURL := fmt.Sprintf("/api/cache/remove/%s", uuid.New())
		req := httptest.NewRequest(http.MethodPatch, reqURL, nil)
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		mu.Lock()
		defer mu.Unlock()
		if received != 0 {
			t.Errorf("レプリカへの配信回数 = %d, want 0", received)
		}
	})

	t.Run("不正なUUIDの場合400が返ること", func(t *testing.T) {
		s := newTestServer(t, nil)

		req := httptest.NewRequest(http.MethodPatch, "/api/cache/remove/not-a-uuid", nil)
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

// TestHandleUserAdd はユーザー作成エンドポイントを検証する。
func TestHandleUserAdd(t *testing.T) {
	t.Run("認証済みのリクエストでユーザーが作成されること", func(t *testing.T) {
		s := newTestServer(t, nil)
		adminID := seedUser(t, s.store, "admin", "admin-pass")

		body := `{"name": "bob", "password": "bob-pass"}`
		req := httptest.NewRequest(http.MethodPost, "/api/user", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+mintToken(t, adminID))
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード = %d, want %d (body=%s)", w.Code, http.StatusCreated, w.Body.String())
		}

		var resp map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		id, err := uuid.Parse(resp["id"])
		if err != nil {
			t.Fatalf("採番されたユーザーIDのパースに失敗: %v", err)
		}

		user, err := s.store.FindByID(t.Context(), id)
		if err != nil {
			t.Fatalf("ユーザー検索に失敗: %v", err)
		}
		if user == nil {
			t.Fatal("作成したユーザーがストアに存在しない")
		}
		if user.Name != "bob" {
			t.Errorf("name = %q, want %q", user.Name, "bob")
		}
		if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("bob-pass")) != nil {
			t.Error("保存されたパスワードハッシュが平文と一致しない")
		}
	})

	t.Run("トークンがない場合401が返ること", func(t *testing.T) {
		s := newTestServer(t, nil)

		body := `{"name": "bob", "password": "bob-pass"}`
		req := httptest.NewRequest(http.MethodPost, "/api/user", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("名前またはパスワードが空の場合400が返ること", func(t *testing.T) {
		s := newTestServer(t, nil)
		adminID := seedUser(t, s.store, "admin", "admin-pass")

		body := `{"name": "", "password": "bob-pass"}`
		req := httptest.NewRequest(http.MethodPost, "/api/user", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+mintToken(t, adminID))
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

// TestHandleUserDelete はユーザー削除エンドポイントを検証する。
func TestHandleUserDelete(t *testing.T) {
	t.Run("ユーザーが削除され全レプリカへ無効化が配信されること", func(t *testing.T) {
		var mu sync.Mutex
		var paths []string
		sibling := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			paths = append(paths, r.Method+" "+r.URL.Path)
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		}))
		defer sibling.Close()

		u, err := url.Parse(sibling.URL)
		if err != nil {
			t.Fatalf("URLのパースに失敗: %v", err)
		}
		s := newTestServer(t, []string{u.Host})
		adminID := seedUser(t, s.store, "admin", "admin-pass")
		victimID := seedUser(t, s.store, "victim", "victim-pass")

		body := fmt.Sprintf(`{"id": %q}`, victimID)
		req := httptest.NewRequest(http.MethodDelete, "/api/user", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+mintToken(t, adminID))
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d (body=%s)", w.Code, http.StatusOK, w.Body.String())
		}

		user, err := s.store.FindByID(t.Context(), victimID)
		if err != nil {
			t.Fatalf("ユーザー検索に失敗: %v", err)
		}
		if user != nil {
			t.Error("削除したユーザーがストアに残っている")
		}

		want := fmt.Sprintf("PATCH /api/cache/remove/%s", victimID)
		mu.Lock()
		defer mu.Unlock()
		if len(paths) != 1 || paths[0] != want {
			t.Errorf("レプリカへの配信 = %v, want [%s]", paths, want)
		}
	})

	t.Run("IDが空の場合400が返ること", func(t *testing.T) {
		s := newTestServer(t, nil)
		adminID := seedUser(t, s.store, "admin", "admin-pass")

		req := httptest.NewRequest(http.MethodDelete, "/api/user", bytes.NewBufferString(`{}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+mintToken(t, adminID))
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

// TestHandleForward は転送エンドポイントを検証する。
func TestHandleForward(t *testing.T) {
	t.Run("認証済みリクエストがバックエンドへ転送されること", func(t *testing.T) {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, "shop response: %s", r.URL.Path)
		}))
		defer backend.Close()

		s := newTestServer(t, nil)
		s.registry.Register(serviceFor(t, backend, "shop",
			service.NewSelector("/shop", service.StartsWith)))
		userID := seedUser(t, s.store, "alice", "password123")

		req := httptest.NewRequest(http.MethodGet, "/shop/items", nil)
		req.Header.Set("Authorization", "Bearer "+mintToken(t, userID))
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d (body=%s)", w.Code, http.StatusOK, w.Body.String())
		}
		if got, want := w.Body.String(), "shop response: /shop/items"; got != want {
			t.Errorf("ボディ = %q, want %q", got, want)
		}
	})

	t.Run("トークンがない場合は転送前に401が返ること", func(t *testing.T) {
		backendHit := false
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			backendHit = true
			w.WriteHeader(http.StatusOK)
		}))
		defer backend.Close()

		s := newTestServer(t, nil)
		s.registry.Register(serviceFor(t, backend, "shop",
			service.NewSelector("/shop", service.StartsWith)))

		req := httptest.NewRequest(http.MethodGet, "/shop/items", nil)
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
		if backendHit {
			t.Error("認証前にバックエンドへリクエストが到達している")
		}
	})

	t.Run("マッチするサービスがない場合404が返ること", func(t *testing.T) {
		s := newTestServer(t, nil)
		userID := seedUser(t, s.store, "alice", "password123")

		req := httptest.NewRequest(http.MethodGet, "/unknown/path", nil)
		req.Header.Set("Authorization", "Bearer "+mintToken(t, userID))
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusNotFound)
		}
	})

	t.Run("バックエンドに到達できない場合502が返ること", func(t *testing.T) {
		s := newTestServer(t, nil)
		s.registry.Register(service.New("down", "127.0.0.1", 1,
			service.NewSelector("/down", service.StartsWith)))
		userID := seedUser(t, s.store, "alice", "password123")

		req := httptest.NewRequest(http.MethodGet, "/down/anything", nil)
		req.Header.Set("Authorization", "Bearer "+mintToken(t, userID))
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusBadGateway {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadGateway)
		}
	})
}

// TestHealthCheck はヘルスチェックエンドポイントを検証する。
func TestHealthCheck(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
	}
}

// TestRegisterServicesFromEnv はルーティングテーブルの構築を検証する。
func TestRegisterServicesFromEnv(t *testing.T) {
	t.Run("環境変数からルートが登録されること", func(t *testing.T) {
		t.Setenv("GATEWAY_ROUTES", "shop:starts_with:/shop, warehouse:contains:stock")
		t.Setenv("SHOP_SERVICE_HOST", "shop.svc")
		t.Setenv("SHOP_SERVICE_PORT", "8081")
		t.Setenv("WAREHOUSE_SERVICE_HOST", "warehouse.svc")
		t.Setenv("WAREHOUSE_SERVICE_PORT", "8082")

		registry := service.NewRegistry()
		if err := registerServicesFromEnv(registry); err != nil {
			t.Fatalf("ルート登録に失敗: %v", err)
		}
		if registry.Len() != 2 {
			t.Fatalf("登録サービス数 = %d, want 2", registry.Len())
		}

		svc, err := registry.Resolve("/shop/items")
		if err != nil {
			t.Fatalf("ルート解決に失敗: %v", err)
		}
		if svc.Name != "shop" {
			t.Errorf("サービス名 = %q, want %q", svc.Name, "shop")
		}
	})

	t.Run("未設定の場合はエラーにならないこと", func(t *testing.T) {
		t.Setenv("GATEWAY_ROUTES", "")

		registry := service.NewRegistry()
		if err := registerServicesFromEnv(registry); err != nil {
			t.Fatalf("ルート登録に失敗: %v", err)
		}
		if registry.Len() != 0 {
			t.Errorf("登録サービス数 = %d, want 0", registry.Len())
		}
	})

	t.Run("不正なルート定義の場合エラーが返ること", func(t *testing.T) {
		t.Setenv("GATEWAY_ROUTES", "shop-only-name")

		if err := registerServicesFromEnv(service.NewRegistry()); err == nil {
			t.Error("エラーが返ることを期待した")
		}
	})

	t.Run("ホストが未解決の場合エラーが返ること", func(t *testing.T) {
		t.Setenv("GATEWAY_ROUTES", "ghost:starts_with:/ghost")
		t.Setenv("GHOST_SERVICE_HOST", "")

		if err := registerServicesFromEnv(service.NewRegistry()); err == nil {
			t.Error("エラーが返ることを期待した")
		}
	})
}
