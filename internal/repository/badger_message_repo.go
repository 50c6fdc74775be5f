package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/hitoshi/pairchat/internal/model"
)

// BadgerMessageRepo はBadgerDBを使用したメッセージアーカイブ。
// 単一プロセスで動かす場合やPostgreSQLを用意できない環境向け。
type BadgerMessageRepo struct {
	db *badger.DB
}

// NewBadgerMessageRepo はBadgerMessageRepoを生成する。
func NewBadgerMessageRepo(db *badger.DB) *BadgerMessageRepo {
	return &BadgerMessageRepo{db: db}
}

// diskMessage はBadgerに保存するメッセージの表現。
type diskMessage struct {
	ID         string `json:"id"`
	ChannelID  string `json:"channel_id"`
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	Text       string `json:"text"`
	At         int64  `json:"at"`
}

// messagePrefix はチャンネルのメッセージキーの接頭辞を返す。
func messagePrefix(channelID string) []byte {
	return []byte("msg:" + channelID + ":")
}

// messageKey はメッセージのキーを返す。
// 形式は "msg:{channel_id}:{19桁ゼロ埋めUnixNano}:{id}"。
// ゼロ埋めにより辞書順が時刻順と一致し、同一ナノ秒の衝突はIDで区別する。
func messageKey(msg *model.Message) []byte {
	return fmt.Appendf(nil, "msg:%s:%019d:%s", msg.ChannelID, msg.CreatedAt.UnixNano(), msg.ID)
}

// Append はメッセージを1件保存する。
func (r *BadgerMessageRepo) Append(ctx context.Context, msg *model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(diskMessage{
		ID:         msg.ID,
		ChannelID:  msg.ChannelID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Text:       msg.Text,
		At:         msg.CreatedAt.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(msg), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}
	return nil
}

// History はチャンネルの全メッセージを作成日時の昇順で返す。
// キーの接頭辞スキャンのみで時刻順に取得できる。
func (r *BadgerMessageRepo) History(ctx context.Context, channelID string) ([]*model.Message, error) {
	var messages []*model.Message
	prefix := messagePrefix(channelID)

	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var dm diskMessage
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &dm)
			})
			if err != nil {
				return fmt.Errorf("failed to decode message %q: %w", it.Item().Key(), err)
			}
			messages = append(messages, &model.Message{
				ID:         dm.ID,
				ChannelID:  dm.ChannelID,
				SenderID:   dm.SenderID,
				ReceiverID: dm.ReceiverID,
				Text:       dm.Text,
				CreatedAt:  time.Unix(0, dm.At).UTC(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read message history: %w", err)
	}

	return messages, nil
}

// compile-time interface check
var _ MessageRepository = (*BadgerMessageRepo)(nil)
