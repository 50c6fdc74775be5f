// Package relay はメッセージの保存とチャンネル参加者への配信を提供する。
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hitoshi/pairchat/internal/channel"
	"github.com/hitoshi/pairchat/internal/metrics"
	"github.com/hitoshi/pairchat/internal/model"
	"github.com/hitoshi/pairchat/internal/protocol"
	"github.com/hitoshi/pairchat/internal/repository"
	"github.com/samber/lo"
)

// DefaultMaxLength はメッセージ本文の最大文字数（ルーン数）のデフォルト値。
const DefaultMaxLength = 4000

// Member はチャンネルに参加する接続。
type Member interface {
	// Deliver はフレームを送信キューに積む。ブロックしない。
	Deliver(f protocol.Frame) bool
}

// Config はRelayの設定。
type Config struct {
	MaxLength int // 本文の最大ルーン数
}

// room はチャンネルごとのメンバー集合と送信の直列化用ロック。
type room struct {
	members map[Member]struct{}
	refs    int        // 送信中の参照数。0かつメンバー0で削除される
	sendMu  sync.Mutex // 保存から配信までを1件ずつ行う
}

// Relay はメッセージを保存してからチャンネル参加者へ配信する。
type Relay struct {
	mu    sync.Mutex
	rooms map[string]*room

	archive   repository.MessageRepository
	metrics   metrics.MetricsCollector
	maxLength int

	now   func() time.Time
	newID func() string
}

// New はRelayを生成する。
func New(
	archive repository.MessageRepository,
	m metrics.MetricsCollector,
	cfg Config,
) *Relay {
	if m == nil {
		m = metrics.Nop{}
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = DefaultMaxLength
	}
	return &Relay{
		rooms:     make(map[string]*room),
		archive:   archive,
		metrics:   m,
		maxLength: cfg.MaxLength,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Join はmemberをチャンネルに参加させる。参加済みの場合は何もしない。
func (r *Relay) Join(m Member, channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[channelID]
	if !ok {
		rm = &room{members: make(map[Member]struct{})}
		r.rooms[channelID] = rm
	}
	rm.members[m] = struct{}{}
}

// Leave はmemberをチャンネルから外す。参加していない場合は何もしない。
func (r *Relay) Leave(m Member, channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[channelID]
	if !ok {
		return
	}
	delete(rm.members, m)
	r.gcLocked(channelID, rm)
}

// MemberCount はチャンネルの参加者数を返す。
func (r *Relay) MemberCount(channelID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rm, ok := r.rooms[channelID]; ok {
		return len(rm.members)
	}
	return 0
}

// Send はsenderからreceiverへのメッセージを保存し、チャンネル参加者へ配信する。
//
// 処理の流れ:
//  1. 前後の空白を除いた本文で空と長さを検証する（保存する本文は送信されたまま）
//  2. チャンネルIDを導出する
//  3. チャンネルの送信ロックを取り、メッセージを生成して保存する
//  4. 保存に成功した場合のみ、その時点の参加者全員（送信者自身を含む）へ配信する
//
// 保存に失敗した場合はPERSISTENCE_FAILEDを返し、誰にも配信しない。
// 相手が接続していなくても保存されていれば成功とする。
func (r *Relay) Send(ctx context.Context, senderID, receiverID, text string) (*model.Message, error) {
	// 1. 本文の検証
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, model.NewInvalidMessageError("empty text")
	}
	if utf8.RuneCountInString(trimmed) > r.maxLength {
		return nil, model.NewInvalidMessageError(fmt.Sprintf("text exceeds %d characters", r.maxLength))
	}

	// 2. チャンネルIDの導出
	channelID, err := channel.Derive(senderID, receiverID)
	if err != nil {
		return nil, err
	}

	// 3. 同一チャンネルの送信を直列化して保存
	rm := r.acquire(channelID)
	defer r.release(channelID, rm)

	rm.sendMu.Lock()
	defer rm.sendMu.Unlock()

	msg := &model.Message{
		ID:         r.newID(),
		ChannelID:  channelID,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Text:       text,
		// アーカイブ（PostgreSQL）の精度に揃え、配信時と履歴の時刻を一致させる
		CreatedAt: r.now().UTC().Truncate(time.Microsecond),
	}

	start := time.Now()
	err = r.archive.Append(ctx, msg)
	r.metrics.RecordPersistLatency(time.Since(start))
	if err != nil {
		r.metrics.RecordPersistFailure()
		slog.Error("failed to persist message",
			slog.String("channel_id", channelID),
			slog.String("user_id", senderID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewPersistenceFailedError()
	}

	// 4. 保存済みメッセージを参加者へ配信
	r.mu.Lock()
	members := lo.Keys(rm.members)
	r.mu.Unlock()

	frame := protocol.NewMessageFrame(*msg)
	for _, m := range members {
		if !m.Deliver(frame) {
			r.metrics.RecordDeliveryDropped()
		}
	}
	r.metrics.RecordMessageRelayed()

	slog.Debug("message relayed",
		slog.String("channel_id", channelID),
		slog.String("message_id", msg.ID),
		slog.Int("recipients", len(members)),
	)

	return msg, nil
}

// History はselfとpeerのチャンネルの履歴を作成日時の昇順で返す。
func (r *Relay) History(ctx context.Context, selfID, peerID string) ([]*model.Message, error) {
	channelID, err := channel.Derive(selfID, peerID)
	if err != nil {
		return nil, err
	}

	messages, err := r.archive.History(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return messages, nil
}

// acquire は送信中に部屋が削除されないよう参照を取る。
func (r *Relay) acquire(channelID string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[channelID]
	if !ok {
		rm = &room{members: make(map[Member]struct{})}
		r.rooms[channelID] = rm
	}
	rm.refs++
	return rm
}

func (r *Relay) release(channelID string, rm *room) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm.refs--
	r.gcLocked(channelID, rm)
}

// gcLocked は参加者も送信中の参照もない部屋を削除する。
func (r *Relay) gcLocked(channelID string, rm *room) {
	if len(rm.members) == 0 && rm.refs == 0 && r.rooms[channelID] == rm {
		delete(r.rooms, channelID)
	}
}
