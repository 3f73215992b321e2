// Package gateway はエッジゲートウェイサービスの内部実装を提供する。
//
// 受信リクエストの認証、セレクタベースのルーティング、バックエンドへの
// 透過的な転送、およびフリート全体のIDキャッシュ無効化を担当する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package gateway
