package identity

import (
	"context"

	"github.com/google/uuid"
)

// User はゲートウェイが認証に使用するユーザーレコード。
type User struct {
	// ID はユーザーの一意識別子。
	ID uuid.UUID `json:"id"`
	// Name はログインに使用するユーザー名。
	Name string `json:"name"`
	// PasswordHash はbcryptでハッシュ化されたパスワード。
	PasswordHash string `json:"-"`
}

// Store はユーザーレコードの永続ストアの抽象。
// レコードが存在しない場合、FindByID / FindByName は (nil, nil) を返す。
// エラーはストア自体の障害のみを表す。
type Store interface {
	// FindByID はIDでユーザーを検索する。
	FindByID(ctx context.Context, id uuid.UUID) (*User, error)
	// FindByName はユーザー名でユーザーを検索する。
	FindByName(ctx context.Context, name string) (*User, error)
	// Insert はユーザーを保存する。同一IDのレコードは上書きされる。
	Insert(ctx context.Context, user User) error
	// Delete は指定IDのユーザーを削除する。存在しない場合も成功とする。
	Delete(ctx context.Context, id uuid.UUID) error
}
