// Package protocol はWebSocket上でやり取りするフレームの定義と変換を提供する。
//
// すべてのフレームは {"type": "...", "payload": {...}} 形式のJSONテキストメッセージである。
//
// クライアント → サーバー:
//   - auth    {token}          ハンドシェイクでトークンを渡せないクライアント用。最初のフレームのみ有効。
//   - join    {peerId}         相手とのチャンネルに参加する。
//   - message {peerId, text}   相手にメッセージを送信する。
//
// サーバー → クライアント:
//   - presence {identities}    オンラインユーザー一覧（変化のたびに全量を送る）。
//   - message  {id, channelId, senderId, receiverId, text, createdAt}
//   - error    {code, message}
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hitoshi/pairchat/internal/model"
)

// フレーム種別
const (
	TypeAuth     = "auth"
	TypeJoin     = "join"
	TypeMessage  = "message"
	TypePresence = "presence"
	TypeError    = "error"
)

var validate = validator.New()

// Envelope はワイヤ上の1フレームを表す。
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuthRequest はauthフレームのペイロード。
type AuthRequest struct {
	Token string `json:"token" validate:"required"`
}

// JoinRequest はjoinフレームのペイロード。
type JoinRequest struct {
	PeerID string `json:"peerId" validate:"required,max=128"`
}

// MessageRequest はクライアントから送られるmessageフレームのペイロード。
type MessageRequest struct {
	PeerID string `json:"peerId" validate:"required,max=128"`
	Text   string `json:"text" validate:"required"`
}

// Inbound はデコード済みのクライアントフレーム。
// Typeに対応するフィールドのみが設定される。
type Inbound struct {
	Type    string
	Auth    *AuthRequest
	Join    *JoinRequest
	Message *MessageRequest
}

// PresenceEvent はpresenceフレームのペイロード。
type PresenceEvent struct {
	Identities []string `json:"identities"`
}

// MessageEvent はサーバーから配信されるmessageフレームのペイロード。
type MessageEvent struct {
	ID         string    `json:"id"`
	ChannelID  string    `json:"channelId"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ErrorEvent はerrorフレームのペイロード。
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Frame はサーバーから送信するフレーム。
type Frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// NewPresenceFrame はオンラインユーザー一覧のフレームを生成する。
func NewPresenceFrame(identities []string) Frame {
	if identities == nil {
		identities = []string{}
	}
	return Frame{Type: TypePresence, Payload: PresenceEvent{Identities: identities}}
}

// NewMessageFrame は永続化済みメッセージの配信フレームを生成する。
func NewMessageFrame(m model.Message) Frame {
	return Frame{Type: TypeMessage, Payload: ToMessageEvent(m)}
}

// ToMessageEvent はメッセージをワイヤ表現に変換する。
// WebSocket配信と履歴APIで同じ形式を使う。
func ToMessageEvent(m model.Message) MessageEvent {
	return MessageEvent{
		ID:         m.ID,
		ChannelID:  m.ChannelID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Text:       m.Text,
		CreatedAt:  m.CreatedAt,
	}
}

// NewErrorFrame はエラーをerrorフレームに変換する。
// APIError以外のエラーは詳細を隠してINTERNAL_ERRORとして送る。
func NewErrorFrame(err error) Frame {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		apiErr = model.NewInternalError()
	}
	return Frame{Type: TypeError, Payload: ErrorEvent{Code: apiErr.Code, Message: apiErr.Message}}
}

// Encode はフレームをJSONにエンコードする。
func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Decode はクライアントから受信したJSONをデコードし、ペイロードを検証する。
// 形式不正・未知の種別・必須項目の欠落はINVALID_MESSAGEエラーとなる。
func Decode(data []byte) (*Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, model.NewInvalidMessageError("malformed frame")
	}

	in := &Inbound{Type: env.Type}
	var target any
	switch env.Type {
	case TypeAuth:
		in.Auth = &AuthRequest{}
		target = in.Auth
	case TypeJoin:
		in.Join = &JoinRequest{}
		target = in.Join
	case TypeMessage:
		in.Message = &MessageRequest{}
		target = in.Message
	default:
		return nil, model.NewInvalidMessageError(fmt.Sprintf("unknown frame type %q", env.Type))
	}

	if len(env.Payload) == 0 {
		return nil, model.NewInvalidMessageError("payload is required")
	}
	if err := json.Unmarshal(env.Payload, target); err != nil {
		return nil, model.NewInvalidMessageError("malformed payload")
	}
	if err := validate.Struct(target); err != nil {
		return nil, model.NewInvalidMessageError(validationReason(err))
	}

	return in, nil
}

// validationReason はvalidatorのエラーを短い説明に変換する。
func validationReason(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Sprintf("%s failed on %s", fe.Field(), fe.Tag())
	}
	return "invalid payload"
}
