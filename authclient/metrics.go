package authclient

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks refresh coordination. A nil *Metrics records nothing.
type Metrics struct {
	refreshes       *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	waiters         prometheus.Counter
	replays         prometheus.Counter
	sessionsEnded   *prometheus.CounterVec
}

// NewMetrics registers the client metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		// Labels: result (success, failure)
		refreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "orgctl",
				Subsystem: "auth",
				Name:      "refreshes_total",
				Help:      "Renewal calls issued to the refresh endpoint",
			},
			[]string{"result"},
		),
		refreshDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "orgctl",
				Subsystem: "auth",
				Name:      "refresh_duration_seconds",
				Help:      "Duration of renewal calls in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		waiters: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "orgctl",
				Subsystem: "auth",
				Name:      "waiters_total",
				Help:      "Requests that queued behind an in-flight refresh",
			},
		),
		replays: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "orgctl",
				Subsystem: "auth",
				Name:      "replays_total",
				Help:      "Requests replayed with a refreshed access token",
			},
		),
		// Labels: reason (no_refresh_token, refresh_failed, rejected_after_retry)
		sessionsEnded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "orgctl",
				Subsystem: "auth",
				Name:      "sessions_ended_total",
				Help:      "Sessions terminated and cleared, by reason",
			},
			[]string{"reason"},
		),
	}
}

func (m *Metrics) observeRefresh(start time.Time, err error) {
	if m == nil {
		return
	}
	m.refreshDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		m.refreshes.WithLabelValues("failure").Inc()
		return
	}
	m.refreshes.WithLabelValues("success").Inc()
}

func (m *Metrics) waiterQueued() {
	if m == nil {
		return
	}
	m.waiters.Inc()
}

func (m *Metrics) replayed() {
	if m == nil {
		return
	}
	m.replays.Inc()
}

func (m *Metrics) sessionEnded(reason EndReason) {
	if m == nil {
		return
	}
	m.sessionsEnded.WithLabelValues(string(reason)).Inc()
}
