package metrics

import (
	"net/http"
	"sync"

	"lifeboat/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the daemon's Prometheus metrics. All methods are safe on a
// nil receiver so components can run without metrics in tests.
type Collector struct {
	modeGauge       *prometheus.GaugeVec
	modeTransitions *prometheus.CounterVec
	streakGauge     prometheus.Gauge
	signalCounter   *prometheus.CounterVec
	alertCounter    *prometheus.CounterVec
	otaBytes        *prometheus.CounterVec
	otaSessions     *prometheus.CounterVec
	rollbacks       *prometheus.CounterVec

	registry   *prometheus.Registry
	registered bool
	mu         sync.Mutex
}

func NewCollector() *Collector {
	return &Collector{
		modeGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lifeboat_mode",
				Help: "Current coordinator mode (1=active, 0=inactive)",
			},
			[]string{"mode"},
		),
		modeTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lifeboat_mode_transitions_total",
				Help: "Count of applied mode transitions",
			},
			[]string{"from", "to"},
		),
		streakGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lifeboat_failure_streak",
			Help: "Consecutive unhealthy connectivity signals",
		}),
		signalCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lifeboat_connectivity_signals_total",
				Help: "Connectivity signals seen by the health monitor",
			},
			[]string{"signal"},
		),
		alertCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lifeboat_alerts_total",
				Help: "Alerts raised by code",
			},
			[]string{"code"},
		),
		otaBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lifeboat_ota_bytes_total",
				Help: "Image bytes written to flash by transport",
			},
			[]string{"source"},
		),
		otaSessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lifeboat_ota_sessions_total",
				Help: "Update sessions by transport and outcome",
			},
			[]string{"source", "result"},
		),
		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lifeboat_rollback_attempts_total",
				Help: "Automatic rollback attempts",
			},
			[]string{"result"},
		),
		registry: prometheus.NewRegistry(),
	}
}

// Register adds the metrics to the collector's own registry. Calling it twice is a no-op.
func (m *Collector) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	for _, c := range []prometheus.Collector{
		m.modeGauge, m.modeTransitions, m.streakGauge, m.signalCounter,
		m.alertCounter, m.otaBytes, m.otaSessions, m.rollbacks,
	} {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	m.registered = true
	return nil
}

// Handler serves the registry in the exposition format.
func (m *Collector) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Collector) ModeChanged(from, to models.Mode) {
	if m == nil {
		return
	}
	for _, mode := range []models.Mode{models.ModeStartup, models.ModeWaitControl, models.ModeNormal, models.ModeRecovery} {
		m.modeGauge.WithLabelValues(mode.String()).Set(0)
	}
	m.modeGauge.WithLabelValues(to.String()).Set(1)
	if from != to {
		m.modeTransitions.WithLabelValues(from.String(), to.String()).Inc()
	}
}

func (m *Collector) Signal(sig models.Signal, streak int) {
	if m == nil {
		return
	}
	m.signalCounter.WithLabelValues(sig.String()).Inc()
	m.streakGauge.Set(float64(streak))
}

func (m *Collector) Alert(code models.AlertCode) {
	if m == nil {
		return
	}
	m.alertCounter.WithLabelValues(code.String()).Inc()
}

func (m *Collector) OTABytes(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.otaBytes.WithLabelValues(source).Add(float64(n))
}

func (m *Collector) OTASession(source, result string) {
	if m == nil {
		return
	}
	m.otaSessions.WithLabelValues(source, result).Inc()
}

func (m *Collector) Rollback(ok bool) {
	if m == nil {
		return
	}
	result := "failed"
	if ok {
		result = "rebooted"
	}
	m.rollbacks.WithLabelValues(result).Inc()
}
