package service

import (
	"fmt"
	"strings"
)

// MatchMode はセレクタのパターン照合方式を表す。
type MatchMode int

const (
	// StartsWith はリクエストパスがパターンで始まる場合にマッチする。
	StartsWith MatchMode = iota
	// EndsWith はリクエストパスがパターンで終わる場合にマッチする。
	EndsWith
	// Contains はリクエストパスがパターンを含む場合にマッチする。
	Contains
)

// ParseMatchMode は設定値の文字列をMatchModeに変換する。
// 有効な値は "starts_with" / "ends_with" / "contains"。
func ParseMatchMode(s string) (MatchMode, error) {
	switch s {
	case "starts_with":
		return StartsWith, nil
	case "ends_with":
		return EndsWith, nil
	case "contains":
		return Contains, nil
	default:
		return 0, fmt.Errorf("未知のマッチモード: %q", s)
	}
}

// String はMatchModeの設定値表現を返す。
func (m MatchMode) String() string {
	switch m {
	case StartsWith:
		return "starts_with"
	case EndsWith:
		return "ends_with"
	case Contains:
		return "contains"
	default:
		return "unknown"
	}
}

// Selector はリクエストパスがバックエンドサービスに属するかを判定するルール。
// 生成後は不変。照合は大文字小文字を区別し、パスの正規化は行わない。
type Selector struct {
	// pattern は照合対象のパターン文字列。
	pattern string
	// mode はパターンの照合方式。
	mode MatchMode
}

// NewSelector は新しいSelectorを生成する。
func NewSelector(pattern string, mode MatchMode) Selector {
	return Selector{pattern: pattern, mode: mode}
}

// Matches はリクエストパスがこのセレクタにマッチするかを返す。
// パスは登録されたパターンと生の文字列として比較される。
// 末尾スラッシュの除去などの正規化は呼び出し側の責任。
func (s Selector) Matches(path string) bool {
	switch s.mode {
	case StartsWith:
		return strings.HasPrefix(path, s.pattern)
	case EndsWith:
		return strings.HasSuffix(path, s.pattern)
	case Contains:
		return strings.Contains(path, s.pattern)
	default:
		return false
	}
}
