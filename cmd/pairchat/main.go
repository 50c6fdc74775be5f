// Command pairchat は1対1チャットのリレーサーバーを起動する。
//
// サブコマンド:
//
//	serve                    APIサーバーを起動する（デフォルト）
//	migrate                  データベースマイグレーションを適用する
//	healthcheck              /health に問い合わせる（コンテナ用）
//	useradd <name> <email>   ユーザーを登録してIDを出力する
//	token <user-id>          ユーザーの認証トークンを出力する
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/pairchat/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
