// Package model はドメインモデルを定義する。
package model

import "time"

// User はチャットを利用するユーザーを表す。
// IDがリレー全体で使われるアイデンティティとなる。
type User struct {
	ID        string
	Name      string
	Email     string
	CreatedAt time.Time
}

// Contact は連絡先一覧に表示するユーザーの公開情報。
type Contact struct {
	ID   string
	Name string
}
