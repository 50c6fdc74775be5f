package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/pairchat/internal/auth"
	"github.com/hitoshi/pairchat/internal/middleware"
	"github.com/hitoshi/pairchat/internal/model"
	"github.com/hitoshi/pairchat/internal/presence"
	"github.com/hitoshi/pairchat/internal/protocol"
	"github.com/hitoshi/pairchat/internal/relay"
	"github.com/hitoshi/pairchat/internal/session"
)

// memArchive はメモリ上のメッセージアーカイブ。
type memArchive struct {
	mu       sync.Mutex
	messages []*model.Message
}

func (a *memArchive) Append(ctx context.Context, msg *model.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, msg)
	return nil
}

func (a *memArchive) History(ctx context.Context, channelID string) ([]*model.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*model.Message
	for _, m := range a.messages {
		if m.ChannelID == channelID {
			out = append(out, m)
		}
	}
	return out, nil
}

// wsServer はWebSocketとREST APIを持つテスト用サーバー。
type wsServer struct {
	*httptest.Server
	auth *auth.Authenticator
	ws   *WebSocketHandler
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	a := auth.NewAuthenticator(routerTestSecret, time.Hour)
	registry := presence.NewRegistry(nil)
	rl := relay.New(&memArchive{}, nil, relay.Config{})
	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(limiter.Stop)

	ws := NewWebSocketHandler(
		session.Deps{Verifier: a, Presence: registry, Relay: rl},
		WebSocketConfig{
			AllowedOrigin: "http://localhost:3000",
			Session:       session.Config{AuthTimeout: time.Second},
		},
	)

	srv := httptest.NewServer(NewRouter(&RouterDeps{
		Verifier:          a,
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       limiter,
		UserService:       &mockUserService{},
		HistoryService:    rl,
		WebSocket:         ws,
	}))
	t.Cleanup(srv.Close)
	return &wsServer{Server: srv, auth: a, ws: ws}
}

func (s *wsServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

// dial はユーザーとしてWebSocket接続する。接続はテスト終了時に閉じる。
func (s *wsServer) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", bearer(t, s.auth, userID))
	c, _, err := websocket.DefaultDialer.Dial(s.wsURL(), header)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

type wireFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// readFrame は次のフレームを読む。
func readFrame(t *testing.T, c *websocket.Conn) wireFrame {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f wireFrame
	if err := c.ReadJSON(&f); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return f
}

// readUntil は指定種別のフレームが来るまで読み進める。
func readUntil(t *testing.T, c *websocket.Conn, typ string, match func(json.RawMessage) bool) json.RawMessage {
	t.Helper()
	for {
		f := readFrame(t, c)
		if f.Type == typ && (match == nil || match(f.Payload)) {
			return f.Payload
		}
	}
}

func presenceContains(ids ...string) func(json.RawMessage) bool {
	return func(raw json.RawMessage) bool {
		var ev protocol.PresenceEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return false
		}
		for _, id := range ids {
			if !slices.Contains(ev.Identities, id) {
				return false
			}
		}
		return true
	}
}

// TestWebSocket_RelayAndHistory はWebSocket経由の送受信とREST経由の履歴取得を検証する。
func TestWebSocket_RelayAndHistory(t *testing.T) {
	s := newWSServer(t)

	alice := s.dial(t, "alice")
	readUntil(t, alice, protocol.TypePresence, presenceContains("alice"))
	bob := s.dial(t, "bob")
	readUntil(t, bob, protocol.TypePresence, presenceContains("alice", "bob"))
	readUntil(t, alice, protocol.TypePresence, presenceContains("alice", "bob"))

	// bobの送信でbobがチャンネルに参加する。エコーの受信を参加完了の合図とする
	if err := bob.WriteJSON(map[string]any{"type": "message", "payload": map[string]string{"peerId": "alice", "text": "hi"}}); err != nil {
		t.Fatalf("WriteJSON(message) error = %v", err)
	}
	readUntil(t, bob, protocol.TypeMessage, nil)

	if err := alice.WriteJSON(map[string]any{"type": "message", "payload": map[string]string{"peerId": "bob", "text": "hello"}}); err != nil {
		t.Fatalf("WriteJSON(message) error = %v", err)
	}

	for name, c := range map[string]*websocket.Conn{"alice": alice, "bob": bob} {
		var ev protocol.MessageEvent
		if err := json.Unmarshal(readUntil(t, c, protocol.TypeMessage, nil), &ev); err != nil {
			t.Fatalf("%s: unmarshal: %v", name, err)
		}
		if ev.SenderID != "alice" || ev.ReceiverID != "bob" || ev.Text != "hello" {
			t.Errorf("%s received %+v", name, ev)
		}
	}

	req, _ := http.NewRequest(http.MethodGet, s.URL+"/api/users/messages/alice", nil)
	req.Header.Set("Authorization", bearer(t, s.auth, "bob"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET history error = %v", err)
	}
	defer resp.Body.Close()

	var hist []protocol.MessageEvent
	if err := json.NewDecoder(resp.Body).Decode(&hist); err != nil {
		t.Fatalf("failed to decode history: %v", err)
	}
	if len(hist) != 2 || hist[0].Text != "hi" || hist[1].Text != "hello" {
		t.Errorf("history = %+v", hist)
	}
}

// TestWebSocket_InvalidHandshakeToken_Returns401 はハンドシェイクのトークンが無効な場合に
// アップグレードせず401を返すことを検証する。
func TestWebSocket_InvalidHandshakeToken_Returns401(t *testing.T) {
	s := newWSServer(t)

	tests := []struct {
		name   string
		url    string
		header http.Header
	}{
		{"クエリのトークン", s.wsURL() + "?token=garbage", nil},
		{"ヘッダーのトークン", s.wsURL(), http.Header{"Authorization": []string{"Bearer garbage"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, resp, err := websocket.DefaultDialer.Dial(tt.url, tt.header)
			if err == nil {
				c.Close()
				t.Fatal("expected handshake to fail")
			}
			if !errors.Is(err, websocket.ErrBadHandshake) {
				t.Errorf("Dial() error = %v, want %v", err, websocket.ErrBadHandshake)
			}
			if resp == nil || resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("response = %v, want 401", resp)
			}
			defer resp.Body.Close()

			var body middleware.ErrorResponseBody
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode body: %v", err)
			}
			if body.Code != model.ErrCodeInvalidCredential {
				t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInvalidCredential)
			}
		})
	}
}

// TestWebSocket_InvalidFirstFrameToken_ClosesWithPolicyViolation は最初のauthフレームの
// トークンが無効な場合にerrorフレームの後に1008で切断されることを検証する。
func TestWebSocket_InvalidFirstFrameToken_ClosesWithPolicyViolation(t *testing.T) {
	s := newWSServer(t)

	c, _, err := websocket.DefaultDialer.Dial(s.wsURL(), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	if err := c.WriteJSON(map[string]any{"type": "auth", "payload": map[string]string{"token": "garbage"}}); err != nil {
		t.Fatalf("WriteJSON(auth) error = %v", err)
	}

	f := readFrame(t, c)
	if f.Type != protocol.TypeError {
		t.Fatalf("frame type = %q, want %q", f.Type, protocol.TypeError)
	}
	var ev protocol.ErrorEvent
	if err := json.Unmarshal(f.Payload, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Code != model.ErrCodeInvalidCredential {
		t.Errorf("code = %q, want %q", ev.Code, model.ErrCodeInvalidCredential)
	}

	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = c.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("ReadMessage() error = %v, want close error", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation || closeErr.Text != model.ErrCodeInvalidCredential {
		t.Errorf("close = (%d, %q), want (%d, %q)", closeErr.Code, closeErr.Text, websocket.ClosePolicyViolation, model.ErrCodeInvalidCredential)
	}
}

// TestWebSocketHandler_Wait は実行中のセッションが終わるまでWaitが戻らず、
// 待機開始後の接続は受け付けないことを検証する。
func TestWebSocketHandler_Wait(t *testing.T) {
	s := newWSServer(t)

	c := s.dial(t, "erin")
	readUntil(t, c, protocol.TypePresence, presenceContains("erin"))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := s.ws.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() with open session = %v, want %v", err, context.DeadlineExceeded)
	}

	header := http.Header{}
	header.Set("Authorization", bearer(t, s.auth, "frank"))
	if late, resp, err := websocket.DefaultDialer.Dial(s.wsURL(), header); err == nil {
		late.Close()
		t.Error("expected new connection to be refused while draining")
	} else if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("response = %v, want 503", resp)
	}

	c.Close()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel2()
	if err := s.ws.Wait(ctx2); err != nil {
		t.Errorf("Wait() after close = %v, want nil", err)
	}
}

// TestWebSocket_FirstFrameAuth はヘッダーなしでも最初のauthフレームで認証できることを検証する。
func TestWebSocket_FirstFrameAuth(t *testing.T) {
	s := newWSServer(t)

	c, _, err := websocket.DefaultDialer.Dial(s.wsURL(), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	token, err := s.auth.Issue("carol")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if err := c.WriteJSON(map[string]any{"type": "auth", "payload": map[string]string{"token": token}}); err != nil {
		t.Fatalf("WriteJSON(auth) error = %v", err)
	}

	readUntil(t, c, protocol.TypePresence, presenceContains("carol"))
}

func TestWebSocket_OriginCheck(t *testing.T) {
	s := newWSServer(t)

	tests := []struct {
		name   string
		origin string
		ok     bool
	}{
		{"許可されたOrigin", "http://localhost:3000", true},
		{"Originなし", "", true},
		{"別のOrigin", "http://evil.example", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			header.Set("Authorization", bearer(t, s.auth, "dave"))
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}

			c, resp, err := websocket.DefaultDialer.Dial(s.wsURL(), header)
			if tt.ok {
				if err != nil {
					t.Fatalf("Dial() error = %v", err)
				}
				c.Close()
				return
			}
			if err == nil {
				c.Close()
				t.Fatal("expected handshake to fail")
			}
			if resp == nil || resp.StatusCode != http.StatusForbidden {
				t.Errorf("response = %v, want 403", resp)
			}
		})
	}
}

func TestOriginValidator_Wildcard(t *testing.T) {
	check := originValidator("*")
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "http://anything.example")
	if !check(req) {
		t.Error("wildcard should allow any origin")
	}
}
