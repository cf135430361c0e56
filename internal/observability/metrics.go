package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for TermLedger.
type Metrics struct {
	// --- Engine ---
	CommandsApplied  *prometheus.CounterVec
	CommandsRejected *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	EngineSequence   prometheus.Gauge

	// --- Channels & backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDrops    *prometheus.CounterVec
	PublishDrops       prometheus.Counter

	// --- Idempotency ---
	DedupDuplicates    *prometheus.CounterVec
	DedupLRUSize       prometheus.Gauge
	DedupTier2Duration prometheus.Histogram

	// --- Liquidation ---
	LiquidationsCompleted *prometheus.CounterVec
	BadDebtCleared        *prometheus.CounterVec

	// --- Market aggregates (whole tokens; dashboards, not ledger math) ---
	MarketFloatingAssets      *prometheus.GaugeVec
	MarketFloatingDebt        *prometheus.GaugeVec
	MarketBackupBorrowed      *prometheus.GaugeVec
	MarketEarningsAccumulator *prometheus.GaugeVec
	MarketUtilization         *prometheus.GaugeVec

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// --- Projection ---
	ProjectionUpdateDur *prometheus.HistogramVec
	ProjectionSequence  *prometheus.GaugeVec

	// --- Ingestion ---
	PricesApplied  *prometheus.CounterVec
	PricesRejected *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		CommandsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "term_commands_applied_total",
			Help: "Commands successfully applied by the engine",
		}, []string{"op"}),

		CommandsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "term_commands_rejected_total",
			Help: "Commands rejected (duplicate, validation, liquidity)",
		}, []string{"op", "reason"}),

		CommandDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "term_command_apply_duration_seconds",
			Help:    "Time to apply a single command in the engine",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		EngineSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "term_engine_sequence",
			Help: "Next global event sequence number",
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "term_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "term_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "term_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "term_projection_drops_total",
			Help: "Events dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "term_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		DedupDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "term_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"op", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "term_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupTier2Duration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "term_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: latencyBuckets,
		}),

		LiquidationsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "term_liquidations_completed_total",
			Help: "Liquidations completed",
		}, []string{"market_id"}),

		BadDebtCleared: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "term_bad_debt_cleared_total",
			Help: "Bad debt write-offs against the earnings accumulator",
		}, []string{"market_id"}),

		MarketFloatingAssets: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "term_market_floating_assets",
			Help: "Floating pool assets, whole tokens",
		}, []string{"market_id"}),

		MarketFloatingDebt: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "term_market_floating_debt",
			Help: "Floating pool debt, whole tokens",
		}, []string{"market_id"}),

		MarketBackupBorrowed: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "term_market_backup_borrowed",
			Help: "Fixed debt backed by the floating pool, whole tokens",
		}, []string{"market_id"}),

		MarketEarningsAccumulator: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "term_market_earnings_accumulator",
			Help: "Undistributed earnings, whole tokens",
		}, []string{"market_id"}),

		MarketUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "term_market_utilization",
			Help: "Floating debt over floating assets",
		}, []string{"market_id"}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "term_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "term_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "term_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "term_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "term_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "term_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		ProjectionUpdateDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "term_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		ProjectionSequence: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "term_projection_sequence",
			Help: "Last sequence applied by a projection",
		}, []string{"projection"}),

		PricesApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "term_prices_applied_total",
			Help: "Price updates applied to cached feeds",
		}, []string{"market_id"}),

		PricesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "term_prices_rejected_total",
			Help: "Price updates rejected (stale version, zero price, parse)",
		}, []string{"market_id", "reason"}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "term_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "term_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "term_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
