package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CheckoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkout_requests_total",
			Help: "Checkout attempts by payment method and result",
		},
		[]string{"method", "result"},
	)

	ReconcileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_reconcile_total",
			Help: "Reconciler calls by observed outcome and whether they transitioned the order",
		},
		[]string{"outcome", "applied"},
	)

	ReservationsExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reservations_expired_total",
			Help: "Reservations expired by the reaper or by an admin",
		},
	)

	UnitsReleasedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inventory_units_released_total",
			Help: "Units handed back to the ledger by reason",
		},
		[]string{"reason"},
	)

	ReaperSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reaper_sweep_duration_seconds",
			Help:    "Duration of one reservation reaper sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	WatchersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "payment_watchers_active",
			Help: "Status watchers currently polling the gateway",
		},
	)

	WatcherPollErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "payment_watcher_poll_errors_total",
			Help: "Watcher poll iterations that failed",
		},
	)

	SideEffectFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "side_effect_failures_total",
			Help: "Best-effort side effects that failed and were ignored",
		},
		[]string{"kind"},
	)

	WebhooksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_webhooks_total",
			Help: "Provider webhooks received by result",
		},
		[]string{"result"},
	)

	OrdersAbandonedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orders_abandoned_created_total",
			Help: "Orders left in CREATED because checkout stopped before reserving stock",
		},
		[]string{"reason"},
	)

	KafkaMessagesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_dropped_total",
			Help: "Messages dropped by a producer instead of blocking the caller",
		},
		[]string{"topic", "reason"},
	)
)
