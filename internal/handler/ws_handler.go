package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/pairchat/internal/auth"
	"github.com/hitoshi/pairchat/internal/metrics"
	"github.com/hitoshi/pairchat/internal/model"
	"github.com/hitoshi/pairchat/internal/session"
)

const (
	wsReadBufferSize  = 1024
	wsWriteBufferSize = 1024
	// DefaultWSReadLimit は受信フレームの最大バイト数のデフォルト値。
	DefaultWSReadLimit = 64 * 1024
)

// WebSocketConfig はWebSocketハンドラーの設定。
type WebSocketConfig struct {
	AllowedOrigin string // 許可するOrigin。"*"で全て許可
	ReadLimit     int64  // 受信フレームの最大バイト数
	Session       session.Config
}

// WebSocketHandler はHTTP接続をWebSocketにアップグレードし、
// 接続ごとにsession.Sessionを実行する。
// アップグレード後の接続はhttp.Server.Shutdownの待機対象にならないため、
// 実行中のセッションは自前で数えてWaitで待つ。
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	deps     session.Deps
	cfg      WebSocketConfig

	mu       sync.Mutex
	draining bool
	active   sync.WaitGroup
}

// NewWebSocketHandler はWebSocketHandlerを生成する。
func NewWebSocketHandler(deps session.Deps, cfg WebSocketConfig) *WebSocketHandler {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultWSReadLimit
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsReadBufferSize,
			WriteBufferSize: wsWriteBufferSize,
			CheckOrigin:     originValidator(cfg.AllowedOrigin),
		},
		deps: deps,
		cfg:  cfg,
	}
}

// ServeHTTP はアップグレード後、接続が閉じるまでブロックする。
// 認証トークンはAuthorizationヘッダーかtokenクエリから取得し、
// 無効な場合はアップグレードせずに401を返す。
// どちらもなければセッションが最初のauthフレームを待つ。
// GET /ws
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)
	if token != "" {
		if _, err := h.deps.Verifier.Verify(token); err != nil {
			h.deps.Metrics.RecordConnection(metrics.ConnectionRejected)
			slog.Warn("websocket handshake rejected",
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("error", err.Error()),
			)
			handleServiceError(w, err)
			return
		}
	}

	if !h.track() {
		writeAPIErrorResponse(w, http.StatusServiceUnavailable, model.NewInternalError())
		return
	}
	defer h.active.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgradeがエラーレスポンスを書き込み済み
		slog.Debug("websocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	t := session.NewWebSocketTransport(conn, h.cfg.ReadLimit)
	session.New(t, h.deps, h.cfg.Session).Run(r.Context(), token)
}

// track は実行中のセッションとして登録する。Wait開始後はfalseを返す。
func (h *WebSocketHandler) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return false
	}
	h.active.Add(1)
	return true
}

// Wait は新しい接続の受け付けを止め、実行中のセッションがすべて終わるまで待つ。
// セッションの終了はリクエストのコンテキストのキャンセルで通知しておくこと。
// ctxが先に終わった場合はctx.Err()を返す。
func (h *WebSocketHandler) Wait(ctx context.Context) error {
	h.mu.Lock()
	h.draining = true
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// originValidator はアップグレード時のOrigin検証関数を返す。
// Originヘッダーのない非ブラウザクライアントは許可する。
func originValidator(allowed string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowed == "*" {
			return true
		}
		if strings.EqualFold(origin, allowed) {
			return true
		}
		slog.Warn("rejected websocket origin",
			slog.String("origin", origin),
		)
		return false
	}
}
