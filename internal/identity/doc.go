// Package identity はユーザーレコードの永続ストアと
// レプリカローカルなIDキャッシュを提供する。
//
// キャッシュはミス時にストアへフォールバックし、スライディングTTLで
// 失効する。ユーザーレコードの変更時はローカルエントリを破棄した上で、
// 全レプリカへの無効化ブロードキャストを必ず起動する。
package identity
