package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hitoshi/pairchat/internal/protocol"
)

// DefaultPingInterval はキープアライブのpingを送る間隔。
const DefaultPingInterval = 30 * time.Second

// Transport はフレーム単位の双方向通信路。
// ReadFrameは1つのゴルーチンから、WriteFrame・Ping・Closeは別の1つのゴルーチンから呼ばれる。
type Transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Ping() error
	// Close は終了理由を送ってから通信路を閉じる。
	Close(code int, reason string) error
}

// Conn は1接続分の送信キューと書き込みゴルーチンを持つ。
// presence.Peerとrelay.Memberを実装する。
type Conn struct {
	transport Transport
	send      chan protocol.Frame

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
	done        chan struct{}

	writerDone chan struct{}
}

// NewConn はConnを生成し、書き込みゴルーチンを起動する。
func NewConn(t Transport, sendBuffer int, pingInterval time.Duration) *Conn {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	c := &Conn{
		transport:  t,
		send:       make(chan protocol.Frame, sendBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go c.writeLoop(pingInterval)
	return c
}

// Deliver はフレームを送信キューに積む。ブロックしない。
// キューが満杯の場合は読み取りが追いつかない接続として閉じ、falseを返す。
func (c *Conn) Deliver(f protocol.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- f:
		return true
	default:
		slog.Warn("closing slow consumer", slog.Int("queued", len(c.send)))
		c.closeLocked(websocket.CloseTryAgainLater, "slow consumer")
		return false
	}
}

// Close は接続を閉じる。ブロックせず、複数回呼んでもよい。
func (c *Conn) Close() {
	c.CloseWith(websocket.CloseNormalClosure, "")
}

// CloseWith は終了コードと理由を指定して接続を閉じる。最初の呼び出しのみ有効。
// 閉じる前に積まれていたフレームは送信される。
func (c *Conn) CloseWith(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(code, reason)
}

func (c *Conn) closeLocked(code int, reason string) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.done)
}

// Done は接続が閉じられたときに閉じるチャネルを返す。
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Wait は書き込みゴルーチンが終了し、通信路が閉じられるまで待つ。
func (c *Conn) Wait() {
	<-c.writerDone
}

// writeLoop は送信キューのフレームとpingを書き込む。
// 接続が閉じられたら残りのフレームを書き出し、終了理由を送って通信路を閉じる。
func (c *Conn) writeLoop(pingInterval time.Duration) {
	defer close(c.writerDone)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case f := <-c.send:
			if err := c.write(f); err != nil {
				c.CloseWith(websocket.CloseAbnormalClosure, "")
				c.shutdown()
				return
			}
		case <-ticker.C:
			if err := c.transport.Ping(); err != nil {
				c.CloseWith(websocket.CloseAbnormalClosure, "")
				c.shutdown()
				return
			}
		case <-c.done:
			c.flush()
			c.shutdown()
			return
		}
	}
}

func (c *Conn) write(f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		slog.Error("failed to encode frame", slog.String("type", f.Type), slog.String("error", err.Error()))
		return nil
	}
	return c.transport.WriteFrame(data)
}

// flush は閉じる時点でキューに残っているフレームを書き出す。
func (c *Conn) flush() {
	for {
		select {
		case f := <-c.send:
			if err := c.write(f); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) shutdown() {
	c.mu.Lock()
	code, reason := c.closeCode, c.closeReason
	c.mu.Unlock()
	_ = c.transport.Close(code, reason)
}
