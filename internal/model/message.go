package model

import "time"

// Message は2者間でやり取りされた1件のメッセージを表す。
// 一度生成されたら変更・削除されない。
type Message struct {
	ID         string
	ChannelID  string
	SenderID   string
	ReceiverID string
	Text       string
	CreatedAt  time.Time
}
