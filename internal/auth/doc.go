// Package auth は署名付きIDトークンの発行・検証と、
// IDキャッシュ参照を組み合わせた認証ゲートを提供する。
package auth
