package metrics

import "github.com/prometheus/client_golang/prometheus"

// ArbitrationMetrics covers the press → round → dispatch pipeline.
type ArbitrationMetrics struct {
	Presses         *prometheus.CounterVec
	RoundWinners    *prometheus.CounterVec
	Flushes         *prometheus.CounterVec
	QueueOverflows  prometheus.Counter
	ActiveSessions  prometheus.Gauge
	ActivePlayers   prometheus.Gauge
	ActuatorSignals *prometheus.CounterVec
	CircuitState    prometheus.Gauge
	ChatDrift       *prometheus.CounterVec
}

// NewArbitrationMetrics creates and registers arbitration metrics on the given registry.
func NewArbitrationMetrics(reg prometheus.Registerer) *ArbitrationMetrics {
	m := &ArbitrationMetrics{
		Presses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presses_total",
			Help:      "Total number of button presses, by source and result.",
		}, []string{"source", "result"}),
		RoundWinners: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "round_winners_total",
			Help:      "Total number of rounds that produced a winner, by button.",
		}, []string{"button"}),
		Flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "flushes_total",
			Help:      "Total number of dispatched queue items, by result.",
		}, []string{"result"}),
		QueueOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "overflows_total",
			Help:      "Total number of times a full dispatch queue was cleared.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of game sessions currently being arbitrated.",
		}),
		ActivePlayers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recently_active_players",
			Help:      "Number of players with a heartbeat inside the activity window.",
		}),
		ActuatorSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actuator",
			Name:      "signals_total",
			Help:      "Total number of actuator signals sent, by direction and result.",
		}, []string{"direction", "result"}),
		CircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "actuator",
			Name:      "circuit_state",
			Help:      "Actuator circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		ChatDrift: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "drift_total",
			Help:      "Chat subscriptions found out of sync with live sessions, by kind and result.",
		}, []string{"kind", "result"}),
	}

	reg.MustRegister(m.Presses, m.RoundWinners, m.Flushes, m.QueueOverflows, m.ActiveSessions, m.ActivePlayers, m.ActuatorSignals, m.CircuitState, m.ChatDrift)
	return m
}
