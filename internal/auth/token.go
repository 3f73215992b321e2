package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// トークン検証の失敗理由を区別するためのエラー。
var (
	// ErrSignatureInvalid は署名が一致しないことを示す。
	ErrSignatureInvalid = errors.New("トークンの署名が不正です")
	// ErrIssuerMismatch は発行者が一致しないことを示す。
	ErrIssuerMismatch = errors.New("トークンの発行者が一致しません")
	// ErrTokenExpired はトークンの有効期限が切れていることを示す。
	ErrTokenExpired = errors.New("トークンの有効期限が切れています")
	// ErrTokenInvalid は上記以外の理由でトークンが無効であることを示す。
	ErrTokenInvalid = errors.New("トークンが無効です")
)

const (
	// tokenIssuer は発行するトークンのissuerクレーム。
	tokenIssuer = "Fiber-Gateway"
	// tokenSubject は発行するトークンのsubjectクレーム。
	tokenSubject = "Authentication"
	// tokenTTL はトークンの有効期間。
	tokenTTL = time.Hour
	// tokenLeeway は有効期限判定に許容するクロックスキュー。
	tokenLeeway = 5 * time.Second
)

// Claims はトークンのクレーム（ペイロード）を表す。
type Claims struct {
	jwt.RegisteredClaims
	// UserID はトークン所有者のユーザーID。
	UserID string `json:"user_id"`
}

// Issuer は署名付きIDトークンの発行と検証を行う。
// トークンは永続化せず、検証時の署名・発行者・有効期限のみで有効性を判定する。
type Issuer struct {
	// secret はHMAC署名用の秘密鍵。
	secret []byte
}

// NewIssuer は新しいIssuerを生成する。
func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret)}
}

// Mint は指定ユーザーIDに対して有効期間1時間のトークンを発行する。
func (i *Issuer) Mint(userID string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tokenSubject,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
		UserID: userID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("トークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// Verify はトークンを検証し、user_idクレームを返す。
// 署名不一致・発行者不一致・期限切れはそれぞれ区別されたエラーとして返す。
// 有効期限の判定には5秒のクロックスキューを許容する。
func (i *Issuer) Verify(tokenString string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(_ *jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithLeeway(tokenLeeway),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		case errors.Is(err, jwt.ErrTokenExpired):
			return "", fmt.Errorf("%w: %v", ErrTokenExpired, err)
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			return "", fmt.Errorf("%w: %v", ErrIssuerMismatch, err)
		default:
			return "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
		}
	}
	if !token.Valid || claims.UserID == "" {
		return "", ErrTokenInvalid
	}
	return claims.UserID, nil
}
