package metrics

import "github.com/prometheus/client_golang/prometheus"

// StorageMetrics covers the Postgres and Redis adapters.
type StorageMetrics struct {
	DBQueryDuration   *prometheus.HistogramVec
	DBErrors          *prometheus.CounterVec
	RedisOpsTotal     *prometheus.CounterVec
	RedisOpDuration   *prometheus.HistogramVec
	SessionFeedEvents *prometheus.CounterVec
	ActivitySnapshots prometheus.Counter
	ActivityRetained  prometheus.Gauge
}

// NewStorageMetrics creates and registers storage metrics on the given registry.
func NewStorageMetrics(reg prometheus.Registerer) *StorageMetrics {
	m := &StorageMetrics{
		DBQueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "query_duration_seconds",
			Help:      "Duration of database queries, by statement kind.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"query"}),
		DBErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "errors_total",
			Help:      "Total number of failed database queries, by statement kind.",
		}, []string{"query"}),
		RedisOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "operations_total",
			Help:      "Total number of Redis commands, by command and status.",
		}, []string{"operation", "status"}),
		RedisOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "operation_duration_seconds",
			Help:      "Duration of Redis commands.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
		}, []string{"operation"}),
		SessionFeedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session_feed",
			Name:      "events_total",
			Help:      "Total number of session changes emitted, by type.",
		}, []string{"type"}),
		ActivitySnapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "activity",
			Name:      "snapshots_total",
			Help:      "Total number of activity snapshots emitted.",
		}),
		ActivityRetained: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "activity",
			Name:      "retained_players",
			Help:      "Number of players held in the activity store after pruning.",
		}),
	}

	reg.MustRegister(m.DBQueryDuration, m.DBErrors, m.RedisOpsTotal, m.RedisOpDuration,
		m.SessionFeedEvents, m.ActivitySnapshots, m.ActivityRetained)
	return m
}
