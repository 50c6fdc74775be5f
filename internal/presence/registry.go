// Package presence はプロセス内のオンラインユーザー管理を提供する。
package presence

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/hitoshi/pairchat/internal/metrics"
	"github.com/hitoshi/pairchat/internal/protocol"
	"github.com/samber/lo"
)

// Peer はプレゼンスに登録される接続。
type Peer interface {
	// Deliver はフレームを送信キューに積む。ブロックしない。
	// 積めなかった場合はfalseを返す。
	Deliver(f protocol.Frame) bool
	// Close は接続を閉じる。ブロックせず、複数回呼んでもよい。
	Close()
}

// Registry はユーザーIDから現在の接続への対応を保持する。
// 1ユーザーにつき登録される接続は常に1つまでで、変化のたびに
// 全登録接続へオンライン一覧をブロードキャストする。
type Registry struct {
	mu      sync.Mutex
	peers   map[string]Peer
	metrics metrics.MetricsCollector
}

// NewRegistry はRegistryを生成する。
func NewRegistry(m metrics.MetricsCollector) *Registry {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Registry{
		peers:   make(map[string]Peer),
		metrics: m,
	}
}

// Register はidentityの接続としてpeerを登録する。
// 既存の接続があった場合はそれを置き換えて閉じ、置き換えた接続を返す。
func (r *Registry) Register(identity string, peer Peer) Peer {
	r.mu.Lock()
	old := r.peers[identity]
	r.peers[identity] = peer
	r.broadcastLocked()
	r.mu.Unlock()

	if old != nil && old != peer {
		slog.Info("connection superseded", slog.String("user_id", identity))
		old.Close()
		return old
	}
	return nil
}

// Deregister はidentityの登録がpeerを指している場合に限り削除する。
// より新しい接続に置き換え済みの場合は何もせずfalseを返す。
func (r *Registry) Deregister(identity string, peer Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.peers[identity]
	if !ok || current != peer {
		return false
	}
	delete(r.peers, identity)
	r.broadcastLocked()
	return true
}

// Snapshot は現在オンラインのユーザーIDを昇順で返す。
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Lookup はidentityの現在の接続を返す。
func (r *Registry) Lookup(identity string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[identity]
	return p, ok
}

func (r *Registry) snapshotLocked() []string {
	ids := lo.Keys(r.peers)
	slices.Sort(ids)
	return ids
}

// broadcastLocked はロック保持中に全接続へオンライン一覧を積む。
// ロック内で積むため、各接続は変更順にスナップショットを受け取る。
func (r *Registry) broadcastLocked() {
	snapshot := r.snapshotLocked()
	r.metrics.SetOnlineUsers(len(snapshot))

	frame := protocol.NewPresenceFrame(snapshot)
	for identity, p := range r.peers {
		if !p.Deliver(frame) {
			r.metrics.RecordDeliveryDropped()
			slog.Warn("presence delivery dropped", slog.String("user_id", identity))
		}
	}
}
