// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 取り込み結果のラベル値
const (
	IngestSuccess         = "success"
	IngestValidationError = "validation_error"
	IngestUploadError     = "upload_error"
	IngestPersistError    = "persist_error"
	IngestSchemaError     = "schema_error"
)

// 一括ロード結果のラベル値
const (
	BulkLoadSuccess        = "success"
	BulkLoadTransportError = "transport_error"
	BulkLoadSchemaError    = "schema_error"
)

// マージ結果のラベル値
const (
	MergeApplied = "applied" // 挿入または置換
	MergeRemoved = "removed" // 非表示・削除によりフィードから除去
	MergeIgnored = "ignored" // 対象外かつフィードにも存在しない
	MergeDropped = "dropped" // 再取得または検証に失敗し破棄
)

// MetricsCollector はメトリクス収集のインターフェース。
// 取り込みパイプライン、フィードキャッシュ、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordIngest(result string)
	RecordIngestLatency(duration time.Duration)
	RecordBulkLoad(result string)
	RecordMerge(outcome string)
	SetFeedSize(n int)
	SetConsumers(n int)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	ingest        *prometheus.CounterVec
	ingestLatency prometheus.Histogram
	bulkLoad      *prometheus.CounterVec
	merge         *prometheus.CounterVec
	feedSize      prometheus.Gauge
	consumers     prometheus.Gauge
	httpStatus    *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		ingest: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "photofeed_ingest_total",
			Help: "結果別の写真取り込み数",
		}, []string{"result"}),
		ingestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "photofeed_ingest_latency_seconds",
			Help:    "写真取り込みのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		bulkLoad: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "photofeed_feed_bulk_load_total",
			Help: "結果別のフィード一括ロード数",
		}, []string{"result"}),
		merge: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "photofeed_feed_merge_total",
			Help: "結果別の変更通知マージ数",
		}, []string{"outcome"}),
		feedSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "photofeed_feed_records",
			Help: "フィードキャッシュが保持するレコード数",
		}),
		consumers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "photofeed_feed_consumers",
			Help: "フィードキャッシュにアタッチ中の利用者数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "photofeed_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.ingest,
		c.ingestLatency,
		c.bulkLoad,
		c.merge,
		c.feedSize,
		c.consumers,
		c.httpStatus,
	)

	return c
}

// RecordIngest は取り込み結果を記録する。
func (c *Collector) RecordIngest(result string) {
	c.ingest.WithLabelValues(result).Inc()
}

// RecordIngestLatency は取り込みのレイテンシを記録する。
func (c *Collector) RecordIngestLatency(duration time.Duration) {
	c.ingestLatency.Observe(duration.Seconds())
}

// RecordBulkLoad は一括ロード結果を記録する。
func (c *Collector) RecordBulkLoad(result string) {
	c.bulkLoad.WithLabelValues(result).Inc()
}

// RecordMerge はマージ結果を記録する。
func (c *Collector) RecordMerge(outcome string) {
	c.merge.WithLabelValues(outcome).Inc()
}

// SetFeedSize はフィードのレコード数を設定する。
func (c *Collector) SetFeedSize(n int) {
	c.feedSize.Set(float64(n))
}

// SetConsumers はアタッチ中の利用者数を設定する。
func (c *Collector) SetConsumers(n int) {
	c.consumers.Set(float64(n))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordIngest(string)                {}
func (Nop) RecordIngestLatency(time.Duration) {}
func (Nop) RecordBulkLoad(string)              {}
func (Nop) RecordMerge(string)                 {}
func (Nop) SetFeedSize(int)                    {}
func (Nop) SetConsumers(int)                   {}
func (Nop) RecordHTTPStatus(int)               {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
