package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for dexsync. Every field is safe to
// use on a nil *Metrics receiver through the helper methods below; callers
// that touch fields directly must check for nil first.
type Metrics struct {
	// --- Reconciler ---
	FoldApplied       *prometheus.CounterVec
	FoldSkipped       *prometheus.CounterVec
	FoldBatchSize     *prometheus.HistogramVec
	PendingResolution prometheus.Gauge
	StreamBlock       *prometheus.GaugeVec
	BackfillDuration  *prometheus.HistogramVec
	BackfillEvents    *prometheus.CounterVec
	Resubscribes      *prometheus.CounterVec
	HistoryGaps       *prometheus.CounterVec
	Duplicates        *prometheus.CounterVec
	CustodyDrift      *prometheus.CounterVec

	// --- Lifecycle ---
	RequestTransitions *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	RequestsInFlight   prometheus.Gauge

	// --- Gateway ---
	GatewayCallDuration *prometheus.HistogramVec
	GatewayErrors       *prometheus.CounterVec

	// --- Downstream ---
	RelayPublished    *prometheus.CounterVec
	RelayErrors       *prometheus.CounterVec
	RelayDropped      prometheus.Counter
	ProjectionDrops   prometheus.Counter
	ProjectionRebuild prometheus.Counter
	ProjectionDur     *prometheus.HistogramVec
	ProjectionErrors  *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg. Passing nil
// registers with the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	rpcBuckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	return &Metrics{
		FoldApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dex_fold_applied_total",
			Help: "Ledger events applied to the view",
		}, []string{"stream", "event_type"}),

		FoldSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dex_fold_skipped_total",
			Help: "Ledger events skipped by the fold",
		}, []string{"stream", "reason"}),

		FoldBatchSize: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dex_fold_batch_size",
			Help:    "Events per fold batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 1000},
		}, []string{"stream"}),

		PendingResolution: f.NewGauge(prometheus.GaugeOpts{
			Name: "dex_pending_resolutions",
			Help: "Cancel/Trade events waiting for their Make",
		}),

		StreamBlock: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dex_stream_block",
			Help: "Last folded block per stream",
		}, []string{"stream"}),

		BackfillDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dex_backfill_duration_seconds",
			Help:    "Historical backfill duration per stream",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"stream"}),

		BackfillEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dex_backfill_events_total",
			Help: "Events read during backfill",
		}, []string{"stream"}),

		Resubscribes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dex_resubscribes_total",
			Help: "Live subscription restarts",
		}, []string{"stream"}),

		HistoryGaps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dex_history_gaps_total",
			Help: "Non-contiguous history pages",
		}, []string{"stream"}),

		Duplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dex_duplicate_events_total",
			Help: "Duplicate deliveries caught before the fold",
		}, []string{"stream", "tier"}),

		CustodyDrift: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dex_custody_drift_total",
			Help: "Custody spot-checks that disagreed with the ledger",
		}, []string{"token"}),

		RequestTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dex_request_transitions_total",
			Help: "Request state transitions",
		}, []string{"kind", "state"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dex_request_duration_seconds",
			Help:    "Submission to terminal state",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"kind", "outcome"}),

		RequestsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "dex_requests_in_flight",
			Help: "Requests not yet terminal",
		}),

		GatewayCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dex_gateway_call_duration_seconds",
			Help:    "Ledger RPC latency",
			Buckets: rpcBuckets,
		}, []string{"method"}),

		GatewayErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dex_gateway_errors_total",
			Help: "Ledger RPC failures",
		}, []string{"method"}),

		RelayPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dex_relay_published_total",
			Help: "Messages published to NATS",
		}, []string{"kind"}),

		RelayErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dex_relay_errors_total",
			Help: "NATS publish failures",
		}, []string{"kind"}),

		RelayDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "dex_relay_dropped_total",
			Help: "Messages dropped because the relay queue was full",
		}),

		ProjectionDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "dex_projection_drops_total",
			Help: "View changes missed by the projection worker",
		}),

		ProjectionRebuild: f.NewCounter(prometheus.CounterOpts{
			Name: "dex_projection_rebuilds_total",
			Help: "Full projection rebuilds",
		}),

		ProjectionDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dex_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
		}, []string{"projection"}),

		ProjectionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dex_projection_errors_total",
			Help: "Projection write failures",
		}, []string{"projection"}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dex_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dex_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// ObserveGatewayCall records one ledger RPC.
func (m *Metrics) ObserveGatewayCall(method string, seconds float64, err error) {
	if m == nil {
		return
	}
	m.GatewayCallDuration.WithLabelValues(method).Observe(seconds)
	if err != nil {
		m.GatewayErrors.WithLabelValues(method).Inc()
	}
}

// RecordTransition counts a request entering state.
func (m *Metrics) RecordTransition(kind, state string) {
	if m == nil {
		return
	}
	m.RequestTransitions.WithLabelValues(kind, state).Inc()
}
