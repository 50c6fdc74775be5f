// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// HTTPレスポンスとWebSocketのerrorフレームの両方で使用する。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, message, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidIdentity   = "INVALID_IDENTITY"
	ErrCodeMissingCredential = "MISSING_CREDENTIAL"
	ErrCodeInvalidCredential = "INVALID_CREDENTIAL"
	ErrCodeInvalidMessage    = "INVALID_MESSAGE"
	ErrCodePersistenceFailed = "PERSISTENCE_FAILED"
	ErrCodeNotJoined         = "NOT_JOINED"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeUserNotFound      = "USER_NOT_FOUND"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// CodeOf はエラーチェーンからAPIErrorのコードを取り出す。
// APIErrorを含まないエラーの場合は空文字列を返す。
func CodeOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// NewInvalidIdentityError は無効なアイデンティティエラーを生成する。
func NewInvalidIdentityError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidIdentity,
		Message:  fmt.Sprintf("無効なユーザーIDです: %s", reason),
		Category: "validation",
		Action:   "相手のユーザーIDを確認してください。",
	}
}

// NewMissingCredentialError は認証情報が提示されなかった場合のエラーを生成する。
func NewMissingCredentialError() *APIError {
	return &APIError{
		Code:     ErrCodeMissingCredential,
		Message:  "認証トークンがありません。",
		Category: "auth",
		Action:   "ログインしてトークンを取得してください。",
	}
}

// NewInvalidCredentialError は認証情報が検証できなかった場合のエラーを生成する。
func NewInvalidCredentialError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredential,
		Message:  fmt.Sprintf("認証トークンが無効です: %s", reason),
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewInvalidMessageError は送信できないメッセージのエラーを生成する。
func NewInvalidMessageError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidMessage,
		Message:  fmt.Sprintf("メッセージを送信できません: %s", reason),
		Category: "validation",
		Action:   "メッセージ本文を確認してください。",
	}
}

// NewPersistenceFailedError はメッセージの保存に失敗した場合のエラーを生成する。
// このエラーが返った場合、メッセージは誰にも配信されていない。
func NewPersistenceFailedError() *APIError {
	return &APIError{
		Code:     ErrCodePersistenceFailed,
		Message:  "メッセージの保存に失敗しました。",
		Category: "message",
		Action:   "しばらく待ってから再送信してください。",
	}
}

// NewNotJoinedError は参加していないチャンネルを参照した場合のエラーを生成する。
func NewNotJoinedError(channelID string) *APIError {
	return &APIError{
		Code:     ErrCodeNotJoined,
		Message:  fmt.Sprintf("チャンネルに参加していません: %s", channelID),
		Category: "message",
		Action:   "先にjoinを送信してください。",
	}
}

// NewRateLimitedError は送信レート超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "送信が多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再送信してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ユーザーIDを確認してください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
