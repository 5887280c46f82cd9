package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once           sync.Once
	sends          *prom.CounterVec
	sendDuration   prom.Histogram
	verifications  *prom.CounterVec
	sessionActive  prom.Gauge
	softFailures   prom.Counter
	logoutPhases   *prom.CounterVec
	guardTeardowns *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.sends = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "fieldtrack",
			Name:      "telemetry_sends_total",
			Help:      "Telemetry send attempts by outcome",
		}, []string{"outcome"})
		pr.sendDuration = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "fieldtrack",
			Name:      "telemetry_send_duration_seconds",
			Help:      "Duration of successful telemetry transmissions",
			Buckets:   prom.DefBuckets,
		})
		pr.verifications = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "fieldtrack",
			Name:      "session_verifications_total",
			Help:      "Session verification results",
		}, []string{"result"})
		pr.sessionActive = prom.NewGauge(prom.GaugeOpts{
			Namespace: "fieldtrack",
			Name:      "session_active",
			Help:      "1 while the session verifier reports ACTIVE",
		})
		pr.softFailures = prom.NewCounter(prom.CounterOpts{
			Namespace: "fieldtrack",
			Name:      "session_soft_failures_total",
			Help:      "Transient verification failures accumulated toward warnings",
		})
		pr.logoutPhases = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "fieldtrack",
			Name:      "logout_phases_total",
			Help:      "Logout phase executions by phase and result",
		}, []string{"phase", "result"})
		pr.guardTeardowns = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "fieldtrack",
			Name:      "guard_teardowns_total",
			Help:      "Stale-instance guard teardowns by trigger reason",
		}, []string{"reason"})

		reg.MustRegister(
			pr.sends,
			pr.sendDuration,
			pr.verifications,
			pr.sessionActive,
			pr.softFailures,
			pr.logoutPhases,
			pr.guardTeardowns,
		)
	})
	return pr
}

func (pr *PrometheusRecorder) IncSend(outcome SendOutcome) {
	pr.sends.WithLabelValues(string(outcome)).Inc()
}

func (pr *PrometheusRecorder) ObserveSendDuration(d time.Duration) {
	pr.sendDuration.Observe(d.Seconds())
}

func (pr *PrometheusRecorder) IncVerification(result string) {
	pr.verifications.WithLabelValues(result).Inc()
}

func (pr *PrometheusRecorder) SetSessionActive(active bool) {
	if active {
		pr.sessionActive.Set(1)
	} else {
		pr.sessionActive.Set(0)
	}
}

func (pr *PrometheusRecorder) IncSoftFailure() {
	pr.softFailures.Inc()
}

func (pr *PrometheusRecorder) IncLogoutPhase(phase string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	pr.logoutPhases.WithLabelValues(phase, result).Inc()
}

func (pr *PrometheusRecorder) IncGuardTeardown(reason string) {
	pr.guardTeardowns.WithLabelValues(reason).Inc()
}
