// internal/metrics/metrics.go
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector exported by the engine.
type Metrics struct {
	RoundsOpened       *prometheus.CounterVec
	RoundTransitions   *prometheus.CounterVec
	BetsAccepted       *prometheus.CounterVec
	BetsRejected       *prometheus.CounterVec
	Settlements        *prometheus.CounterVec
	SettlementDuration prometheus.Histogram
	EntropyFailures    prometheus.Counter

	CriticalSent      prometheus.Counter
	CriticalRetries   prometheus.Counter
	DeliveryTimeouts  prometheus.Counter
	BestEffortDropped prometheus.Counter
	Resyncs           prometheus.Counter
	Subscribers       prometheus.Gauge
	AdmissionRejected *prometheus.CounterVec
	MessagesThrottled prometheus.Counter

	ReconcileRuns        prometheus.Counter
	ReconcileRepairs     *prometheus.CounterVec
	ReconcileEscalations prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RoundsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rounds_opened_total", Help: "rounds opened per room and game type",
		}, []string{"room", "game_type"}),
		RoundTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "round_transitions_total", Help: "round state transitions by target state",
		}, []string{"state"}),
		BetsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bets_accepted_total", Help: "accepted bets per room and game type",
		}, []string{"room", "game_type"}),
		BetsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bets_rejected_total", Help: "rejected bets by reason",
		}, []string{"reason"}),
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlements_total", Help: "settlement attempts by result",
		}, []string{"result"}),
		SettlementDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "settlement_duration_seconds", Help: "time spent in the settlement transaction",
			Buckets: prometheus.DefBuckets,
		}),
		EntropyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "entropy_failures_total", Help: "outcome draws that could not read entropy",
		}),
		CriticalSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_critical_sent_total", Help: "critical messages written, including retries",
		}),
		CriticalRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_critical_retries_total", Help: "critical message retries after a missed ack",
		}),
		DeliveryTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_delivery_timeouts_total", Help: "subscribers dropped after the retry ceiling",
		}),
		BestEffortDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_best_effort_dropped_total", Help: "best-effort messages dropped on full queues",
		}),
		Resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_resyncs_total", Help: "snapshots sent to subscribers",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broadcast_subscribers", Help: "currently registered subscribers",
		}),
		AdmissionRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_rejected_total", Help: "connection attempts rejected before upgrade",
		}, []string{"reason"}),
		MessagesThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_messages_throttled_total", Help: "bets and advisories refused by the per-connection rate",
		}),
		ReconcileRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_runs_total", Help: "reconciliation passes",
		}),
		ReconcileRepairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconcile_repairs_total", Help: "repairs applied by kind",
		}, []string{"kind"}),
		ReconcileEscalations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_escalations_total", Help: "inconsistencies escalated for manual review",
		}),
	}
	reg.MustRegister(
		m.RoundsOpened, m.RoundTransitions, m.BetsAccepted, m.BetsRejected, m.Settlements,
		m.SettlementDuration, m.EntropyFailures, m.CriticalSent, m.CriticalRetries,
		m.DeliveryTimeouts, m.BestEffortDropped, m.Resyncs, m.Subscribers, m.AdmissionRejected, m.MessagesThrottled,
		m.ReconcileRuns, m.ReconcileRepairs, m.ReconcileEscalations,
	)
	return m
}

// NewTest returns collectors on a throwaway registry.
func NewTest() *Metrics {
	return New(prometheus.NewRegistry())
}

// HealthFunc reports whether a dependency is usable.
type HealthFunc func(ctx context.Context) error

// Handler serves the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HealthHandler answers 200 when every check passes, 503 otherwise.
func HealthHandler(checks map[string]HealthFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()

		for name, check := range checks {
			if err := check(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(fmt.Sprintf("unhealthy: %s: %v", name, err)))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
