// Package channel は2者間チャンネルIDの導出を提供する。
//
// チャンネルIDはペアの順序に依存せず、同じ2者からは常に同じIDが得られる。
// IDはSHA-256ダイジェストの16進表現であり、IDから参加者を逆算することはできない。
package channel

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/hitoshi/pairchat/internal/model"
)

// separator はソート済みの2つのIDを連結する区切り文字。
const separator = ":"

// Derive は2つのアイデンティティからチャンネルIDを導出する。
// 引数の順序は結果に影響しない。
// どちらかが空、または両者が同一の場合はINVALID_IDENTITYエラーを返す。
func Derive(a, b string) (string, error) {
	if a == "" || b == "" {
		return "", model.NewInvalidIdentityError("empty identity")
	}
	if a == b {
		return "", model.NewInvalidIdentityError("self channel is not allowed")
	}

	if b < a {
		a, b = b, a
	}

	sum := sha256.Sum256([]byte(a + separator + b))
	return hex.EncodeToString(sum[:]), nil
}
