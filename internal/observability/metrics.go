package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the battle service.
// Components take a *Metrics and skip recording when it is nil.
type Metrics struct {
	// --- Locks ---
	LockAcquire *prometheus.CounterVec
	LockRelease *prometheus.CounterVec

	// --- Rate limiting ---
	RateLimitDecisions *prometheus.CounterVec

	// --- Battles & votes ---
	BattlesCreated    prometheus.Counter
	BattleTransitions *prometheus.CounterVec
	VotesRecorded     *prometheus.CounterVec

	// --- Confirmations ---
	ConfirmResolved  *prometheus.CounterVec
	ConfirmCacheHits prometheus.Counter
	ConfirmOrphans   prometheus.Counter
	ReconcilePolled  *prometheus.CounterVec
	ConfirmPending   prometheus.Gauge

	// --- Settlement ---
	SettlementsCompleted *prometheus.CounterVec
	SettlementDuration   prometheus.Histogram
	PayoutsExecuted      *prometheus.CounterVec
	PayoutAmount         *prometheus.CounterVec
	PayoutFailures       *prometheus.CounterVec
	RefundsIssued        *prometheus.CounterVec
	ConservationGap      prometheus.Gauge

	// --- Sweeps ---
	SweepRuns     *prometheus.CounterVec
	SweepDuration *prometheus.HistogramVec

	// --- External collaborators ---
	ExternalCalls    *prometheus.CounterVec
	ExternalDuration *prometheus.HistogramVec

	// --- Event fan-out ---
	EventsEmitted   *prometheus.CounterVec
	ChannelSize     *prometheus.GaugeVec
	ProjectionDrops prometheus.Counter
	PublishDrops    prometheus.Counter

	// --- Persistence & projections ---
	PersistEventsWritten  prometheus.Counter
	PersistPayoutsWritten prometheus.Counter
	PersistBatchSize      prometheus.Histogram
	PersistBatchDur       prometheus.Histogram
	PersistErrors         *prometheus.CounterVec
	ProjectionUpdateDur   *prometheus.HistogramVec

	// --- HTTP API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics on the default
// registry. Call it once per process.
func NewMetrics() *Metrics {
	storeBuckets := []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}
	externalBuckets := []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	return &Metrics{
		LockAcquire: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_lock_acquire_total",
			Help: "Lock acquire attempts by outcome (acquired/busy)",
		}, []string{"outcome"}),

		LockRelease: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_lock_release_total",
			Help: "Lock releases by outcome (released/stale)",
		}, []string{"outcome"}),

		RateLimitDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_ratelimit_decisions_total",
			Help: "Rate limiter decisions",
		}, []string{"action", "decision"}),

		BattlesCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "battle_created_total",
			Help: "Battles created (awaiting or funded)",
		}),

		BattleTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_transitions_total",
			Help: "Battle status transitions",
		}, []string{"from", "to"}),

		VotesRecorded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_votes_recorded_total",
			Help: "Votes recorded by side",
		}, []string{"side"}),

		ConfirmResolved: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_confirmations_total",
			Help: "Payment confirmations resolved by kind and result",
		}, []string{"kind", "result"}),

		ConfirmCacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "battle_confirmation_cache_hits_total",
			Help: "Confirmations answered from the in-process outcome cache",
		}),

		ConfirmOrphans: promauto.NewCounter(prometheus.CounterOpts{
			Name: "battle_confirmation_orphans_total",
			Help: "Pending intents whose offer expired before confirmation",
		}),

		ReconcilePolled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_reconcile_polled_total",
			Help: "Intents polled by the reconciliation sweep",
		}, []string{"status"}),

		ConfirmPending: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "battle_confirmation_pending",
			Help: "Pending intents seen by the last reconciliation sweep",
		}),

		SettlementsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_settlements_total",
			Help: "Settlements by outcome",
		}, []string{"outcome"}),

		SettlementDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "battle_settlement_duration_seconds",
			Help:    "Wall time of one settlement including payouts",
			Buckets: externalBuckets,
		}),

		PayoutsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_payouts_total",
			Help: "Payout legs executed",
		}, []string{"kind"}),

		PayoutAmount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_payout_amount_total",
			Help: "Token units paid out by leg kind",
		}, []string{"kind"}),

		PayoutFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_payout_failures_total",
			Help: "Failed payout transfers",
		}, []string{"kind"}),

		RefundsIssued: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_refunds_total",
			Help: "Refund transfers by party",
		}, []string{"party"}),

		ConservationGap: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "battle_settlement_conservation_gap",
			Help: "Outflow minus collected pot of the last two-sided settlement",
		}),

		SweepRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_sweep_runs_total",
			Help: "Background sweep runs",
		}, []string{"job", "result"}),

		SweepDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "battle_sweep_duration_seconds",
			Help:    "Background sweep duration",
			Buckets: externalBuckets,
		}, []string{"job"}),

		ExternalCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_external_calls_total",
			Help: "Calls to external collaborators",
		}, []string{"service", "result"}),

		ExternalDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "battle_external_call_duration_seconds",
			Help:    "External collaborator latency",
			Buckets: externalBuckets,
		}, []string{"service"}),

		EventsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_events_emitted_total",
			Help: "Lifecycle events emitted",
		}, []string{"event_type"}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "battle_channel_size",
			Help: "Current items in fan-out channel",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "battle_projection_drops_total",
			Help: "Events dropped due to full projection channel",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "battle_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "battle_persist_events_written_total",
			Help: "Audit events written to Postgres",
		}),

		PersistPayoutsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "battle_persist_payouts_written_total",
			Help: "Payout rows written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "battle_persist_batch_size",
			Help:    "Events per Postgres batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "battle_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: storeBuckets,
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_persist_errors_total",
			Help: "Persistence errors by stage",
		}, []string{"stage"}),

		ProjectionUpdateDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "battle_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: storeBuckets,
		}, []string{"projection"}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_http_requests_total",
			Help: "HTTP API requests",
		}, []string{"route", "method", "code"}),

		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "battle_http_request_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: storeBuckets,
		}, []string{"route"}),
	}
}
