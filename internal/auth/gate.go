package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/nao1215/fibergw/internal/identity"
)

// ErrUnauthorized はトークンが無効、またはトークンの持ち主が
// 既に存在しないことを示す。
var ErrUnauthorized = errors.New("認証に失敗しました")

// contextKeyPrincipal はGinコンテキストに認証済みIDを格納するキー。
const contextKeyPrincipal = "principal"

// Principal は認証済みリクエストに付与される識別情報。
type Principal struct {
	// UserID は認証済みユーザーの一意識別子。
	UserID uuid.UUID
	// Name は認証済みユーザーの名前。
	Name string
}

// Gate はトークン検証とIDキャッシュ参照を束ねる認証ゲート。
type Gate struct {
	// issuer はトークンの検証に使用する。
	issuer *Issuer
	// cache はトークンの持ち主の存在確認に使用する。
	cache *identity.Cache
}

// NewGate は新しいGateを生成する。
func NewGate(issuer *Issuer, cache *identity.Cache) *Gate {
	return &Gate{issuer: issuer, cache: cache}
}

// Authenticate はトークンを検証し、認証済みのPrincipalを返す。
// 署名が有効でも持ち主のユーザーが削除されている場合は拒否する。
// 削除済みアカウントのトークンを有効として扱ってはならないため。
func (g *Gate) Authenticate(ctx context.Context, token string) (*Principal, error) {
	rawID, err := g.issuer.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	userID, err := uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("%w: user_idクレームが不正です", ErrUnauthorized)
	}

	user, err := g.cache.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("%w: ユーザーが存在しません", ErrUnauthorized)
	}

	return &Principal{UserID: user.ID, Name: user.Name}, nil
}

// Middleware はBearerトークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストにPrincipalを設定する。
func (g *Gate) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorizationヘッダーが必要です",
			})
			return
		}

		token, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer トークン形式が不正です",
			})
			return
		}

		principal, err := g.Authenticate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "トークンが無効です",
				})
			} else {
				// ストア障害など認証判定ができない場合は500を返す
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "内部サーバーエラーが発生しました",
				})
			}
			return
		}

		c.Set(contextKeyPrincipal, principal)
		c.Next()
	}
}

// PrincipalFrom はGinコンテキストから認証済みPrincipalを取得する。
// Gate.Middlewareが事前に適用されている必要がある。
func PrincipalFrom(c *gin.Context) (*Principal, bool) {
	v, ok := c.Get(contextKeyPrincipal)
	if !ok {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}
