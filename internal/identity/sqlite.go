package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// スキーマ定義。ユーザーストアが保証するテーブルはこれのみ。
const schema = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    password_hash TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_users_name
    ON users(name);
`

// SQLiteStore はSQLiteを使用したStoreの実装。
type SQLiteStore struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
}

// インターフェース実装の静的検証。
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore はスキーマを適用した上で新しいSQLiteStoreを生成する。
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// FindByID はIDでユーザーを検索する。存在しない場合は (nil, nil) を返す。
func (s *SQLiteStore) FindByID(ctx context.Context, id uuid.UUID) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, name, password_hash FROM users WHERE id = ?", id.String())
	return scanUser(row)
}

// FindByName はユーザー名でユーザーを検索する。存在しない場合は (nil, nil) を返す。
// 同名ユーザーが複数存在する場合は最初の1件を返す。
func (s *SQLiteStore) FindByName(ctx context.Context, name string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, name, password_hash FROM users WHERE name = ? LIMIT 1", name)
	return scanUser(row)
}

// Insert はユーザーを保存する。同一IDのレコードは上書きされる。
func (s *SQLiteStore) Insert(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO users (id, name, password_hash) VALUES (?, ?, ?)",
		user.ID.String(), user.Name, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("ユーザーの保存に失敗: %w", err)
	}
	return nil
}

// Delete は指定IDのユーザーを削除する。存在しない場合も成功とする。
func (s *SQLiteStore) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id.String()); err != nil {
		return fmt.Errorf("ユーザーの削除に失敗: %w", err)
	}
	return nil
}

// scanUser は1行の検索結果をUserに変換する。
func scanUser(row *sql.Row) (*User, error) {
	var (
		rawID        string
		name         string
		passwordHash string
	)
	if err := row.Scan(&rawID, &name, &passwordHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ユーザーの読み取りに失敗: %w", err)
	}

	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーIDのパースに失敗: %w", err)
	}
	return &User{ID: id, Name: name, PasswordHash: passwordHash}, nil
}
