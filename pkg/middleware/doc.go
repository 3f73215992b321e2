// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// パニックリカバリとCORS設定など、ハンドラに依存しない
// 横断的なミドルウェアを含む。
package middleware
