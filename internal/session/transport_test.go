package session

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/pairchat/internal/protocol"
)

var errTransportClosed = errors.New("transport closed")

// fakeTransport はメモリ上のTransport。
// clientSendでサーバーへの受信フレームを注入し、outで送信フレームを観測する。
type fakeTransport struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}

	once        sync.Once
	mu          sync.Mutex
	closeCode   int
	closeReason string

	writeBlock chan struct{} // nilでなければWriteFrameがこれを待つ
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadFrame() ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeTransport) WriteFrame(data []byte) error {
	if f.writeBlock != nil {
		select {
		case <-f.writeBlock:
		case <-f.closed:
			return errTransportClosed
		}
	}
	select {
	case <-f.closed:
		return errTransportClosed
	case f.out <- data:
		return nil
	}
}

func (f *fakeTransport) Ping() error { return nil }

func (f *fakeTransport) Close(code int, reason string) error {
	f.once.Do(func() {
		f.mu.Lock()
		f.closeCode, f.closeReason = code, reason
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

// hangup はクライアント側からの切断を模擬する。
func (f *fakeTransport) hangup() {
	f.Close(1006, "")
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) closeInfo() (int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode, f.closeReason
}

// clientSend はクライアントからフレームを送る。
func (f *fakeTransport) clientSend(t *testing.T, typ string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	data, _ := json.Marshal(protocol.Envelope{Type: typ, Payload: raw})
	select {
	case f.in <- data:
	case <-f.closed:
		t.Fatalf("transport closed before %s could be sent", typ)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out sending %s", typ)
	}
}

// received はクライアントが受信したフレーム。
type received struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// next は指定種別のフレームが届くまで待ち、それ以外の種別は読み飛ばす。
func (f *fakeTransport) next(t *testing.T, typ string) received {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-f.out:
			var r received
			if err := json.Unmarshal(data, &r); err != nil {
				t.Fatalf("bad frame %s: %v", data, err)
			}
			if r.Type == typ {
				return r
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", typ)
		}
	}
}

// noFrame は一定時間内に指定種別のフレームが届かないことを確認する。
func (f *fakeTransport) noFrame(t *testing.T, typ string, within time.Duration) {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case data := <-f.out:
			var r received
			_ = json.Unmarshal(data, &r)
			if r.Type == typ {
				t.Fatalf("unexpected %s frame: %s", typ, data)
			}
		case <-deadline:
			return
		}
	}
}

func (r received) message(t *testing.T) protocol.MessageEvent {
	t.Helper()
	var ev protocol.MessageEvent
	if err := json.Unmarshal(r.Payload, &ev); err != nil {
		t.Fatalf("bad message payload: %v", err)
	}
	return ev
}

func (r received) presence(t *testing.T) []string {
	t.Helper()
	var ev protocol.PresenceEvent
	if err := json.Unmarshal(r.Payload, &ev); err != nil {
		t.Fatalf("bad presence payload: %v", err)
	}
	return ev.Identities
}

func (r received) errorCode(t *testing.T) string {
	t.Helper()
	var ev protocol.ErrorEvent
	if err := json.Unmarshal(r.Payload, &ev); err != nil {
		t.Fatalf("bad error payload: %v", err)
	}
	return ev.Code
}

func waitClosed(t *testing.T, f *fakeTransport) {
	t.Helper()
	select {
	case <-f.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("transport was not closed")
	}
}
