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
// 同期・ミューテーション・認証の各層から利用する。
type MetricsCollector interface {
	RecordSnapshot(collection string, documents int)
	RecordSyncError(collection string)
	SubscriptionOpened(collection string)
	SubscriptionClosed(collection string)
	RecordMutation(collection, op, result string, duration time.Duration)
	RecordSignIn(result string)
	LiveClientConnected()
	LiveClientDisconnected()
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	snapshots       *prometheus.CounterVec
	snapshotSize    *prometheus.GaugeVec
	syncErrors      *prometheus.CounterVec
	subscriptions   *prometheus.GaugeVec
	mutations       *prometheus.CounterVec
	mutationLatency *prometheus.HistogramVec
	signIns         *prometheus.CounterVec
	liveClients     prometheus.Gauge
	httpStatus      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "knowledgehub_snapshots_delivered_total",
			Help: "シンクロナイザーに配信されたスナップショットの合計数",
		}, []string{"collection"}),
		snapshotSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "knowledgehub_snapshot_documents",
			Help: "直近に配信されたスナップショットのドキュメント数",
		}, []string{"collection"}),
		syncErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "knowledgehub_subscription_errors_total",
			Help: "購読エラーの合計数",
		}, []string{"collection"}),
		subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "knowledgehub_live_subscriptions",
			Help: "アクティブな購読数",
		}, []string{"collection"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "knowledgehub_mutations_total",
			Help: "コンテンツ作成・削除の結果別合計数",
		}, []string{"collection", "op", "result"}),
		mutationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "knowledgehub_mutation_latency_seconds",
			Help:    "ストアへの書き込みレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"collection", "op"}),
		signIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "knowledgehub_sign_ins_total",
			Help: "管理者サインインの結果別合計数",
		}, []string{"result"}),
		liveClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "knowledgehub_live_clients",
			Help: "接続中のライブクライアント数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "knowledgehub_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.snapshots,
		c.snapshotSize,
		c.syncErrors,
		c.subscriptions,
		c.mutations,
		c.mutationLatency,
		c.signIns,
		c.liveClients,
		c.httpStatus,
	)

	return c
}

// RecordSnapshot はスナップショット配信を記録する。
func (c *Collector) RecordSnapshot(collection string, documents int) {
	c.snapshots.WithLabelValues(collection).Inc()
	c.snapshotSize.WithLabelValues(collection).Set(float64(documents))
}

// RecordSyncError は購読エラーを記録する。
func (c *Collector) RecordSyncError(collection string) {
	c.syncErrors.WithLabelValues(collection).Inc()
}

// SubscriptionOpened はアクティブな購読数を増やす。
func (c *Collector) SubscriptionOpened(collection string) {
	c.subscriptions.WithLabelValues(collection).Inc()
}

// SubscriptionClosed はアクティブな購読数を減らす。
func (c *Collector) SubscriptionClosed(collection string) {
	c.subscriptions.WithLabelValues(collection).Dec()
}

// RecordMutation はミューテーションの結果とレイテンシを記録する。
// resultは "succeeded" / "failed" / "rejected" のいずれか。
func (c *Collector) RecordMutation(collection, op, result string, duration time.Duration) {
	c.mutations.WithLabelValues(collection, op, result).Inc()
	if duration > 0 {
		c.mutationLatency.WithLabelValues(collection, op).Observe(duration.Seconds())
	}
}

// RecordSignIn はサインイン結果を記録する。
func (c *Collector) RecordSignIn(result string) {
	c.signIns.WithLabelValues(result).Inc()
}

func (c *Collector) LiveClientConnected()    { c.liveClients.Inc() }
func (c *Collector) LiveClientDisconnected() { c.liveClients.Dec() }

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordSnapshot(string, int)                           {}
func (Nop) RecordSyncError(string)                               {}
func (Nop) SubscriptionOpened(string)                            {}
func (Nop) SubscriptionClosed(string)                            {}
func (Nop) RecordMutation(string, string, string, time.Duration) {}
func (Nop) RecordSignIn(string)                                  {}
func (Nop) LiveClientConnected()                                 {}
func (Nop) LiveClientDisconnected()                              {}
func (Nop) RecordHTTPStatus(int)                                 {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
