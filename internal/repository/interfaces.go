// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/pairchat/internal/model"
)

// UserRepository はユーザーディレクトリの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// List は全ユーザーを名前順で返す。
	List(ctx context.Context) ([]*model.User, error)

	// Create はユーザーを作成する。
	Create(ctx context.Context, user *model.User) error
}

// MessageRepository はメッセージアーカイブの永続化インターフェース。
type MessageRepository interface {
	// Append はメッセージを1件保存する。
	// エラーなしで返った時点で保存は完了しており、途中状態は残らない。
	Append(ctx context.Context, msg *model.Message) error

	// History はチャンネルの全メッセージを作成日時の昇順で返す。
	History(ctx context.Context, channelID string) ([]*model.Message, error)
}
