package gateway

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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

// Server はエッジゲートウェイのHTTPサーバー。
// 全ての依存は起動時に一度だけ構築され、明示的に注入される。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// db はSQLiteデータベース接続。
	db *sql.DB
	// store はユーザーレコードの永続ストア。
	store identity.Store
	// cache はレプリカローカルなIDキャッシュ。
	cache *identity.Cache
	// issuer はIDトークンの発行と検証を行う。
	issuer *auth.Issuer
	// gate は保護されたルートの認証ゲート。
	gate *auth.Gate
	// registry はバックエンドサービスのルーティングテーブル。
	registry *service.Registry
	// forwarder はバックエンドへのリクエスト転送エンジン。
	forwarder *forward.Forwarder
}

// NewServer は新しいゲートウェイサーバーを生成する。
func NewServer(port string) (*Server, error) {
	dbPath := getEnvOr("USERDB_PATH", "/data/gateway.db?_journal_mode=WAL&_busy_timeout=5000")
	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	store, err := identity.NewSQLiteStore(sqlDB)
	if err != nil {
		return nil, fmt.Errorf("ユーザーストアの初期化に失敗: %w", err)
	}

	secret := os.Getenv("SECRET_JWT")
	if secret == "" {
		log.Print("SECRET_JWTが未設定のため開発用の秘密鍵を使用します")
		secret = "dev-secret-key"
	}

	membership, err := membershipFromEnv()
	if err != nil {
		return nil, err
	}
	broadcaster := invalidate.NewBroadcaster(membership, httpclient.New(0))

	cache := identity.NewCache(store, broadcaster, 0)
	issuer := auth.NewIssuer(secret)

	registry := service.NewRegistry()
	if err := registerServicesFromEnv(registry); err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.CORS())

	s := &Server{
		router:    router,
		port:      port,
		db:        sqlDB,
		store:     store,
		cache:     cache,
		issuer:    issuer,
		gate:      auth.NewGate(issuer, cache),
		registry:  registry,
		forwarder: forward.New(nil),
	}
	s.setupRoutes()

	return s, nil
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		// 認証不要のエンドポイント
		api.POST("/login", s.handleLogin())
		// フリート内部からの無効化通知（クラスタ外には公開しない前提）
		api.PATCH("/cache/remove/:uuid", s.handleCacheEvict())

		// 認証必須のユーザー管理エンドポイント
		protected := api.Group("", s.gate.Middleware())
		{
			protected.POST("/user", s.handleUserAdd())
			protected.DELETE("/user", s.handleUserDelete())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	})

	// Prometheusメトリクス
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 上記以外の全パスは認証の上でバックエンドサービスへ転送する
	s.router.NoRoute(s.gate.Middleware(), s.handleForward())
}

// loginRequest はログインリクエストのボディ。
type loginRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

// loginResponse はログインレスポンスのボディ。
type loginResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
}

// handleLogin は認証情報を検証してトークンを発行するハンドラを返す。
// 名前が未知の場合は404、パスワード不一致の場合は403を返す。
// どちらの場合もボディはステータスコード以上の情報を漏らさない。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
			return
		}

		// 名前検索はIDキャッシュを経由しない
		user, err := s.store.FindByName(c.Request.Context(), req.Name)
		if err != nil {
			log.Printf("ユーザー検索エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "内部サーバーエラーが発生しました"})
			return
		}
		if user == nil {
			c.JSON(http.StatusNotFound, loginResponse{Success: false})
			return
		}

		if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
			c.JSON(http.StatusForbidden, loginResponse{Success: false})
			return
		}

		token, err := s.issuer.Mint(user.ID.String())
		if err != nil {
			log.Printf("トークン発行エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "内部サーバーエラーが発生しました"})
			return
		}
		c.JSON(http.StatusOK, loginResponse{Success: true, Token: token})
	}
}

// handleCacheEvict は他レプリカからの無効化通知を処理するハンドラを返す。
// ローカルのエントリのみを破棄する。ここで再ブロードキャストすると
// 無効化がフリート内を巡回し続けるため、破棄はローカルに閉じる。
func (s *Server) handleCacheEvict() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("uuid"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ユーザーIDが不正です"})
			return
		}

		s.cache.Evict(id)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// userRequest はユーザー作成・削除リクエストのボディ。
type userRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

// handleUserAdd はユーザーを作成するハンドラを返す。
// IDが指定されない場合は新規に採番する。既存IDの上書きがあり得るため、
// 保存後はフリート全体のキャッシュを無効化する。
func (s *Server) handleUserAdd() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req userRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" || req.Password == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
			return
		}

		id := uuid.New()
		if req.ID != "" {
			parsed, err := uuid.Parse(req.ID)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "ユーザーIDが不正です"})
				return
			}
			id = parsed
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			log.Printf("パスワードハッシュ生成エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "内部サーバーエラーが発生しました"})
			return
		}

		user := identity.User{ID: id, Name: req.Name, PasswordHash: string(hash)}
		if err := s.store.Insert(c.Request.Context(), user); err != nil {
			log.Printf("ユーザー作成エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "内部サーバーエラーが発生しました"})
			return
		}

		s.cache.Invalidate(c.Request.Context(), id)
		c.JSON(http.StatusCreated, gin.H{"id": id.String()})
	}
}

// handleUserDelete はユーザーを削除するハンドラを返す。
// 削除後はフリート全体のキャッシュを無効化する。
// 無効化の配信失敗は削除自体を失敗させない。
func (s *Server) handleUserDelete() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req userRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.ID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
			return
		}

		id, err := uuid.Parse(req.ID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ユーザーIDが不正です"})
			return
		}

		if err := s.store.Delete(c.Request.Context(), id); err != nil {
			log.Printf("ユーザー削除エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "内部サーバーエラーが発生しました"})
			return
		}

		s.cache.Invalidate(c.Request.Context(), id)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// handleForward はルーティングテーブルで解決したバックエンドへ
// リクエストを転送するハンドラを返す。
func (s *Server) handleForward() gin.HandlerFunc {
	return func(c *gin.Context) {
		svc, err := s.registry.Resolve(c.Request.URL.Path)
		if err != nil {
			switch {
			case errors.Is(err, service.ErrRouteNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "パスにマッチするサービスがありません"})
			case errors.Is(err, service.ErrAmbiguousRoute):
				// 設定不備。クライアント起因ではないため500として扱う
				log.Printf("ルーティング設定の不備: path=%s, error=%v", c.Request.URL.Path, err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "内部サーバーエラーが発生しました"})
			default:
				log.Printf("ルーティング解決エラー: path=%s, error=%v", c.Request.URL.Path, err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "内部サーバーエラーが発生しました"})
			}
			return
		}

		if err := s.forwarder.Relay(c, svc); err != nil {
			if errors.Is(err, forward.ErrUpstreamUnavailable) {
				log.Printf("転送エラー: service=%s, error=%v", svc.Name, err)
				c.JSON(http.StatusBadGateway, gin.H{"error": "バックエンドとの通信に失敗しました"})
				return
			}
			log.Printf("転送の内部エラー: service=%s, error=%v", svc.Name, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "内部サーバーエラーが発生しました"})
		}
	}
}

// membershipFromEnv は環境変数からフリートのメンバーシップ解決方式を選択する。
// CONSUL_ADDRが設定されている場合はConsul、それ以外は固定一覧を使用する。
func membershipFromEnv() (cluster.Membership, error) {
	consulAddr := os.Getenv("CONSUL_ADDR")
	if consulAddr == "" {
		return cluster.StaticFromEnv(), nil
	}

	self := getEnvOr("GATEWAY_SELF_ADDR", os.Getenv("POD_IP"))
	serviceName := getEnvOr("GATEWAY_SERVICE_NAME", "fiber-gateway")
	membership, err := cluster.NewConsulMembership(consulAddr, serviceName, self)
	if err != nil {
		return nil, fmt.Errorf("メンバーシップの初期化に失敗: %w", err)
	}
	return membership, nil
}

// registerServicesFromEnv は環境変数からルーティングテーブルを構築する。
// GATEWAY_ROUTESにカンマ区切りで "名前:モード:パターン" を指定し、
// 各サービスのホストとポートは ${NAME}_SERVICE_HOST / ${NAME}_SERVICE_PORT
// から解決する。
func registerServicesFromEnv(registry *service.Registry) error {
	routes := os.Getenv("GATEWAY_ROUTES")
	if routes == "" {
		log.Print("GATEWAY_ROUTESが未設定のため転送先サービスはありません")
		return nil
	}

	for _, entry := range strings.Split(routes, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			return fmt.Errorf("ルート定義が不正です: %q", entry)
		}

		mode, err := service.ParseMatchMode(parts[1])
		if err != nil {
			return fmt.Errorf("ルート定義 %q のパースに失敗: %w", entry, err)
		}

		svc, err := service.FromEnv(parts[0], service.NewSelector(parts[2], mode))
		if err != nil {
			return fmt.Errorf("ルート定義 %q の解決に失敗: %w", entry, err)
		}

		registry.Register(svc)
		log.Printf("サービスを登録しました: %s", svc)
	}
	return nil
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
