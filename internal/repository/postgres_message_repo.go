package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/pairchat/internal/model"
)

// PostgresMessageRepo はPostgreSQLを使用したメッセージアーカイブ。
type PostgresMessageRepo struct {
	db *sql.DB
}

// NewPostgresMessageRepo はPostgresMessageRepoを生成する。
func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

// Append はメッセージを1件保存する。
// seq列は挿入順に採番され、同一時刻のメッセージの順序を決める。
func (r *PostgresMessageRepo) Append(ctx context.Context, msg *model.Message) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO messages (id, channel_id, sender_id, receiver_id, text, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.ChannelID, msg.SenderID, msg.ReceiverID, msg.Text, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// History はチャンネルの全メッセージを作成日時の昇順で返す。
func (r *PostgresMessageRepo) History(ctx context.Context, channelID string) ([]*model.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, channel_id, sender_id, receiver_id, text, created_at
		 FROM messages
		 WHERE channel_id = $1
		 ORDER BY created_at ASC, seq ASC`,
		channelID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query message history: %w", err)
	}
	defer rows.Close()

	var messages []*model.Message
	for rows.Next() {
		msg := &model.Message{}
		if err := rows.Scan(
			&msg.ID, &msg.ChannelID, &msg.SenderID, &msg.ReceiverID, &msg.Text, &msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.CreatedAt = msg.CreatedAt.UTC()
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	return messages, nil
}

// compile-time interface check
var _ MessageRepository = (*PostgresMessageRepo)(nil)
