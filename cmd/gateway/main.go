// エッジゲートウェイサービスのエントリポイント。
// 受信リクエストの認証、ルーティング、バックエンドへの転送、
// およびフリート全体のIDキャッシュ無効化を担当する。
package main

import (
	"log"
	"os"

	"github.com/nao1215/fibergw/internal/gateway"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server, err := gateway.NewServer(port)
	if err != nil {
		log.Fatalf("ゲートウェイサーバーの初期化に失敗: %v", err)
	}

	log.Printf("ゲートウェイサービスを起動します: :%s", port)
	if err := server.Run(); err != nil {
		log.Fatalf("ゲートウェイサービスの起動に失敗: %v", err)
	}
}
