package main

import (
	"context"
	"log"

	"hitomi/internal/app"
)

func main() {
	// 設定を読み込む（HITOMI_CONFIG と環境変数を参照する）
	cfg, err := app.Load(app.Options{})
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// サーバーを起動
	if err := app.Serve(context.Background(), cfg); err != nil {
		log.Fatalf("サーバーの起動に失敗しました: %v", err)
	}
}
