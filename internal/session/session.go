// Package session は1本のWebSocket接続のライフサイクルを管理する。
//
// 接続ごとに読み取り・書き込みの2つのゴルーチンを持ち、
// 受信フレームは状態遷移表に従ってRunのループで1件ずつ処理する。
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hitoshi/pairchat/internal/channel"
	"github.com/hitoshi/pairchat/internal/metrics"
	"github.com/hitoshi/pairchat/internal/model"
	"github.com/hitoshi/pairchat/internal/presence"
	"github.com/hitoshi/pairchat/internal/protocol"
	"github.com/hitoshi/pairchat/internal/relay"
	"golang.org/x/time/rate"
)

// Verifier は認証トークンを検証してユーザーIDを返す。
type Verifier interface {
	Verify(token string) (string, error)
}

// Presence はセッションが利用するプレゼンス操作。
type Presence interface {
	Register(identity string, peer presence.Peer) presence.Peer
	Deregister(identity string, peer presence.Peer) bool
}

// Relay はセッションが利用するリレー操作。
type Relay interface {
	Join(m relay.Member, channelID string)
	Leave(m relay.Member, channelID string)
	Send(ctx context.Context, senderID, receiverID, text string) (*model.Message, error)
}

// Config はセッションの設定。
type Config struct {
	AuthTimeout  time.Duration // 認証フレームを待つ最大時間
	SendBuffer   int           // 送信キューの長さ
	PingInterval time.Duration
	MessageRate  float64 // 1秒あたりの送信許可数。0以下で無制限
	MessageBurst int
}

// Deps はセッションの依存コンポーネント。
type Deps struct {
	Verifier Verifier
	Presence Presence
	Relay    Relay
	Metrics  metrics.MetricsCollector
}

// Session は1接続分の状態機械。
type Session struct {
	deps    Deps
	cfg     Config
	conn    *Conn
	limiter *rate.Limiter

	state    State
	identity string
	channels map[string]struct{}

	inbound    chan []byte
	readerDone chan struct{}
}

// New はトランスポートに対するSessionを生成する。Runを呼ぶまで何も読み書きしない。
func New(t Transport, deps Deps, cfg Config) *Session {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}

	limit := rate.Inf
	if cfg.MessageRate > 0 {
		limit = rate.Limit(cfg.MessageRate)
	}
	burst := cfg.MessageBurst
	if burst <= 0 {
		burst = 1
	}

	return &Session{
		deps:       deps,
		cfg:        cfg,
		conn:       NewConn(t, cfg.SendBuffer, cfg.PingInterval),
		limiter:    rate.NewLimiter(limit, burst),
		state:      StateConnecting,
		channels:   make(map[string]struct{}),
		inbound:    make(chan []byte),
		readerDone: make(chan struct{}),
	}
}

// State は現在の状態を返す。Runと同じゴルーチンからのみ呼ぶこと。
func (s *Session) State() State {
	return s.state
}

// Identity は認証済みのユーザーIDを返す。未認証の場合は空文字列。
func (s *Session) Identity() string {
	return s.identity
}

// Run は接続が閉じるまでセッションを処理する。
// tokenが空の場合は最初のフレームとしてauthを待つ。
// 戻った時点でプレゼンス・チャンネル参加は解放され、通信路は閉じられている。
func (s *Session) Run(ctx context.Context, token string) {
	go s.readLoop()
	defer s.teardown()

	// 1. 認証
	identity, err := s.authenticate(ctx, token)
	if err != nil {
		s.reject(err)
		return
	}
	s.identity = identity
	s.fire(EventAuthOK)
	s.deps.Presence.Register(identity, s.conn)
	s.deps.Metrics.RecordConnection(metrics.ConnectionAccepted)
	slog.Info("session authenticated", slog.String("user_id", identity))

	// 2. フレーム処理ループ
	for {
		select {
		case data, ok := <-s.inbound:
			if !ok {
				return
			}
			s.handle(ctx, data)
		case <-s.conn.Done():
			return
		case <-ctx.Done():
			s.conn.CloseWith(websocket.CloseGoingAway, "server shutting down")
			return
		}
	}
}

// authenticate はハンドシェイクのトークン、なければ最初のauthフレームで認証する。
func (s *Session) authenticate(ctx context.Context, token string) (string, error) {
	if token != "" {
		return s.deps.Verifier.Verify(token)
	}

	timer := time.NewTimer(s.cfg.AuthTimeout)
	defer timer.Stop()

	select {
	case data, ok := <-s.inbound:
		if !ok {
			return "", model.NewMissingCredentialError()
		}
		in, err := protocol.Decode(data)
		if err != nil || in.Type != protocol.TypeAuth {
			return "", model.NewMissingCredentialError()
		}
		return s.deps.Verifier.Verify(in.Auth.Token)
	case <-timer.C:
		return "", model.NewInvalidCredentialError("authentication timed out")
	case <-ctx.Done():
		return "", model.NewInvalidCredentialError("connection closed before authentication")
	}
}

// reject は認証失敗を通知して接続を閉じる。プレゼンスには何も登録しない。
func (s *Session) reject(err error) {
	s.fire(EventAuthFail)
	s.deps.Metrics.RecordConnection(metrics.ConnectionRejected)
	slog.Warn("session rejected", slog.String("error", err.Error()))

	s.conn.Deliver(protocol.NewErrorFrame(err))
	s.conn.CloseWith(websocket.ClosePolicyViolation, model.CodeOf(err))
}

// handle は認証後の受信フレームを1件処理する。
// 失敗はerrorフレームとしてこの接続にのみ返す。
func (s *Session) handle(ctx context.Context, data []byte) {
	in, err := protocol.Decode(data)
	if err != nil {
		s.sendError(err)
		return
	}

	switch in.Type {
	case protocol.TypeJoin:
		channelID, err := channel.Derive(s.identity, in.Join.PeerID)
		if err != nil {
			s.sendError(err)
			return
		}
		s.join(channelID)
		s.fire(EventJoin)

	case protocol.TypeMessage:
		if !s.limiter.Allow() {
			s.sendError(model.NewRateLimitedError())
			return
		}
		channelID, err := channel.Derive(s.identity, in.Message.PeerID)
		if err != nil {
			s.sendError(err)
			return
		}
		// 送信者は明示的なjoinなしでもチャンネルに参加し、自分の送信を受け取る
		s.join(channelID)
		s.fire(EventSend)
		if _, err := s.deps.Relay.Send(ctx, s.identity, in.Message.PeerID, in.Message.Text); err != nil {
			s.sendError(err)
		}

	case protocol.TypeAuth:
		s.sendError(model.NewInvalidMessageError("already authenticated"))
	}
}

func (s *Session) join(channelID string) {
	if _, ok := s.channels[channelID]; ok {
		return
	}
	s.deps.Relay.Join(s.conn, channelID)
	s.channels[channelID] = struct{}{}
}

func (s *Session) sendError(err error) {
	if model.CodeOf(err) == "" {
		slog.Error("session error",
			slog.String("user_id", s.identity),
			slog.String("error", err.Error()),
		)
	}
	s.conn.Deliver(protocol.NewErrorFrame(err))
}

// fire は状態遷移を行う。遷移表にない遷移はログに残して状態を変えない。
func (s *Session) fire(ev Event) {
	to, err := next(s.state, ev)
	if err != nil {
		slog.Warn("unexpected session event",
			slog.String("user_id", s.identity),
			slog.String("error", err.Error()),
		)
		return
	}
	s.state = to
}

// readLoop は通信路からフレームを読み取り、inboundへ渡す。
// 読み取りエラー（切断・pongタイムアウトを含む）で接続を閉じて終了する。
func (s *Session) readLoop() {
	defer close(s.readerDone)
	defer close(s.inbound)

	for {
		data, err := s.conn.transport.ReadFrame()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("connection read error", slog.String("error", err.Error()))
			}
			s.conn.CloseWith(websocket.CloseAbnormalClosure, "")
			return
		}
		select {
		case s.inbound <- data:
		case <-s.conn.Done():
			return
		}
	}
}

// teardown はチャンネル参加とプレゼンスを解放し、通信路を閉じる。
// 正常終了・異常終了のどちらでも必ず実行される。
func (s *Session) teardown() {
	if s.state != StateClosed {
		s.fire(EventClose)
	}

	for channelID := range s.channels {
		s.deps.Relay.Leave(s.conn, channelID)
	}
	clear(s.channels)

	if s.identity != "" {
		if s.deps.Presence.Deregister(s.identity, s.conn) {
			slog.Info("session closed", slog.String("user_id", s.identity))
		}
	}

	s.conn.Close()
	s.conn.Wait()
	<-s.readerDone
}
