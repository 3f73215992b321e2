// Package service はセレクタベースのルーティングテーブルを提供する。
//
// バックエンドサービスをパターン照合ルール（Selector）とともに登録し、
// リクエストパスから転送先サービスを一意に解決する。
package service
