// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/feedcheck/internal/model"
)

const namespace = "feedcheck"

// Recorder はメトリクス記録のインターフェース。
// スケジューラ、アップデータ、リーパーから利用する。
type Recorder interface {
	RecordTick(duration time.Duration)
	RecordTickError()
	RecordDue(count int)
	RecordDispatched()
	RecordSkippedInflight()
	IncInflight()
	DecInflight()
	RecordCheckOutcome(outcome model.CheckOutcome)
	RecordFetchLatency(duration time.Duration)
	RecordHTTPStatus(statusCode int)
	RecordEntriesUpserted(count int)
	RecordAbandoned()
	RecordPurged(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	ticks           prometheus.Counter
	tickErrors      prometheus.Counter
	tickDuration    prometheus.Histogram
	dueFeeds        prometheus.Gauge
	dispatched      prometheus.Counter
	skippedInflight prometheus.Counter
	inflight        prometheus.Gauge
	checkOutcomes   *prometheus.CounterVec
	fetchLatency    prometheus.Histogram
	httpStatus      *prometheus.CounterVec
	entriesUpserted prometheus.Counter
	abandoned       prometheus.Counter
	purged          prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_ticks_total",
			Help:      "スケジューラティックの合計数",
		}),
		tickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_tick_errors_total",
			Help:      "レジストリ読み取り失敗で中断したティックの合計数",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_tick_duration_seconds",
			Help:      "ティック1回の選定とディスパッチにかかった時間（秒）",
			Buckets:   prometheus.DefBuckets,
		}),
		dueFeeds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_due_feeds",
			Help:      "直近のティックでチェック期限が到来していたフィード数",
		}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "ディスパッチされたチェックの合計数",
		}),
		skippedInflight: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_skipped_inflight_total",
			Help:      "チェック実行中のためスキップしたフィードの合計数",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checks_inflight",
			Help:      "実行中のチェック数",
		}),
		checkOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "check_outcome_total",
			Help:      "チェック結果別の合計数",
		}, []string{"outcome"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_latency_seconds",
			Help:      "フィードフェッチのレイテンシ（秒）",
			Buckets:   prometheus.DefBuckets,
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_status_total",
			Help:      "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		entriesUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_upserted_total",
			Help:      "アップサートされた記事の合計数",
		}),
		abandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "creation_abandoned_total",
			Help:      "放棄されたフィード作成タスクの合計数",
		}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "creation_purged_total",
			Help:      "削除された終端状態の作成タスクの合計数",
		}),
	}

	reg.MustRegister(
		c.ticks,
		c.tickErrors,
		c.tickDuration,
		c.dueFeeds,
		c.dispatched,
		c.skippedInflight,
		c.inflight,
		c.checkOutcomes,
		c.fetchLatency,
		c.httpStatus,
		c.entriesUpserted,
		c.abandoned,
		c.purged,
	)

	return c
}

// RecordTick はティックの完了と所要時間を記録する。
func (c *Collector) RecordTick(duration time.Duration) {
	c.ticks.Inc()
	c.tickDuration.Observe(duration.Seconds())
}

// RecordTickError は中断したティックを記録する。
func (c *Collector) RecordTickError() {
	c.tickErrors.Inc()
}

// RecordDue は期限到来フィード数を記録する。
func (c *Collector) RecordDue(count int) {
	c.dueFeeds.Set(float64(count))
}

// RecordDispatched はディスパッチを記録する。
func (c *Collector) RecordDispatched() {
	c.dispatched.Inc()
}

// RecordSkippedInflight は実行中によるスキップを記録する。
func (c *Collector) RecordSkippedInflight() {
	c.skippedInflight.Inc()
}

// IncInflight は実行中チェック数を1増やす。
func (c *Collector) IncInflight() {
	c.inflight.Inc()
}

// DecInflight は実行中チェック数を1減らす。
func (c *Collector) DecInflight() {
	c.inflight.Dec()
}

// RecordCheckOutcome はチェック結果を記録する。
func (c *Collector) RecordCheckOutcome(outcome model.CheckOutcome) {
	c.checkOutcomes.WithLabelValues(string(outcome)).Inc()
}

// RecordFetchLatency はフェッチのレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordEntriesUpserted はアップサートされた記事数を記録する。
func (c *Collector) RecordEntriesUpserted(count int) {
	c.entriesUpserted.Add(float64(count))
}

// RecordAbandoned は作成タスクの放棄を記録する。
func (c *Collector) RecordAbandoned() {
	c.abandoned.Inc()
}

// RecordPurged は削除した作成タスク数を記録する。
func (c *Collector) RecordPurged(count int64) {
	c.purged.Add(float64(count))
}

// Nop は何も記録しないRecorder。メトリクス未設定時やテストで使用する。
type Nop struct{}

func (Nop) RecordTick(time.Duration) {}
func (Nop) RecordTickError() {}
func (Nop) RecordDue(int) {}
func (Nop) RecordDispatched() {}
func (Nop) RecordSkippedInflight() {}
func (Nop) IncInflight() {}
func (Nop) DecInflight() {}
func (Nop) RecordCheckOutcome(model.CheckOutcome) {}
func (Nop) RecordFetchLatency(time.Duration) {}
func (Nop) RecordHTTPStatus(int) {}
func (Nop) RecordEntriesUpserted(int) {}
func (Nop) RecordAbandoned() {}
func (Nop) RecordPurged(int64) {}

// OrNop はrがnilの場合にNopを返す。
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var (
	_ Recorder = (*Collector)(nil)
	_ Recorder = Nop{}
)
