// Package httpclient はフリート内のレプリカ間通信用の
// 軽量HTTPクライアントを提供する。
package httpclient
