// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// プレゼンス、リレー、セッション、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	SetOnlineUsers(n int)
	RecordConnection(result string)
	RecordMessageRelayed()
	RecordPersistFailure()
	RecordPersistLatency(duration time.Duration)
	RecordDeliveryDropped()
	RecordHTTPStatus(statusCode int)
}

// 接続結果ラベル
const (
	ConnectionAccepted = "accepted"
	ConnectionRejected = "rejected"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	onlineUsers     prometheus.Gauge
	connections     *prometheus.CounterVec
	messagesRelayed prometheus.Counter
	persistFail     prometheus.Counter
	persistLatency  prometheus.Histogram
	deliveryDropped prometheus.Counter
	httpStatus      *prometheus.CounterVec
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pairchat_online_users",
			Help: "プレゼンスに登録されているユーザー数",
		}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pairchat_connections_total",
			Help: "WebSocket接続の認証結果別の合計数",
		}, []string{"result"}),
		messagesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pairchat_messages_relayed_total",
			Help: "保存・配信されたメッセージの合計数",
		}),
		persistFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pairchat_persist_fail_total",
			Help: "メッセージ保存失敗の合計数",
		}),
		persistLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pairchat_persist_latency_seconds",
			Help:    "メッセージ保存のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		deliveryDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pairchat_delivery_dropped_total",
			Help: "送信キュー満杯などで配信できなかったフレームの合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pairchat_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.onlineUsers,
		c.connections,
		c.messagesRelayed,
		c.persistFail,
		c.persistLatency,
		c.deliveryDropped,
		c.httpStatus,
	)

	return c
}

// SetOnlineUsers はオンラインユーザー数を設定する。
func (c *Collector) SetOnlineUsers(n int) {
	c.onlineUsers.Set(float64(n))
}

// RecordConnection は接続の認証結果を記録する。
func (c *Collector) RecordConnection(result string) {
	c.connections.WithLabelValues(result).Inc()
}

// RecordMessageRelayed はメッセージのリレー成功を記録する。
func (c *Collector) RecordMessageRelayed() {
	c.messagesRelayed.Inc()
}

// RecordPersistFailure は保存失敗を記録する。
func (c *Collector) RecordPersistFailure() {
	c.persistFail.Inc()
}

// RecordPersistLatency は保存のレイテンシを記録する。
func (c *Collector) RecordPersistLatency(duration time.Duration) {
	c.persistLatency.Observe(duration.Seconds())
}

// RecordDeliveryDropped は配信できなかったフレームを記録する。
func (c *Collector) RecordDeliveryDropped() {
	c.deliveryDropped.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) SetOnlineUsers(int) {}
func (Nop) RecordConnection(string) {}
func (Nop) RecordMessageRelayed() {}
func (Nop) RecordPersistFailure() {}
func (Nop) RecordPersistLatency(time.Duration) {}
func (Nop) RecordDeliveryDropped() {}
func (Nop) RecordHTTPStatus(int) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
