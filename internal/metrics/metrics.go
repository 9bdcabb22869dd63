package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "platilloadmin"

// Metrics owns its registry so tests can build as many as they need.
type Metrics struct {
	registry *prometheus.Registry

	uploadPhases  *prometheus.CounterVec
	uploadBytes   prometheus.Counter
	resolveTime   *prometheus.HistogramVec
	submissions   *prometheus.CounterVec
	openForms     prometheus.Gauge
	expiredForms  prometheus.Counter
	wsConnections prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		uploadPhases: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "phase_transitions_total",
			Help:      "Image upload state transitions by target phase",
		}, []string{"phase"}),

		uploadBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "bytes_total",
			Help:      "Bytes accepted by the image upload endpoint",
		}),

		resolveTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "url_resolve_seconds",
			Help:      "Time from upload success until the download URL resolved or failed",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20},
		}, []string{"result"}),

		submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "form",
			Name:      "submissions_total",
			Help:      "Form submissions by result",
		}, []string{"result"}),

		openForms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "form",
			Name:      "open",
			Help:      "Form sessions currently open",
		}),

		expiredForms: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "form",
			Name:      "expired_total",
			Help:      "Form sessions closed by the idle sweeper",
		}),

		wsConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Open upload event websocket connections",
		}),
	}
}

func (m *Metrics) UploadPhase(phase string) {
	m.uploadPhases.WithLabelValues(phase).Inc()
}

func (m *Metrics) UploadBytes(n int64) {
	if n > 0 {
		m.uploadBytes.Add(float64(n))
	}
}

func (m *Metrics) URLResolved(result string, d time.Duration) {
	m.resolveTime.WithLabelValues(result).Observe(d.Seconds())
}

// Submission counts a submit attempt; result is "ok", "invalid", "blocked"
// or "error".
func (m *Metrics) Submission(result string) {
	m.submissions.WithLabelValues(result).Inc()
}

func (m *Metrics) FormOpened()  { m.openForms.Inc() }
func (m *Metrics) FormClosed()  { m.openForms.Dec() }
func (m *Metrics) FormExpired() { m.expiredForms.Inc() }

func (m *Metrics) WSConnected()    { m.wsConnections.Inc() }
func (m *Metrics) WSDisconnected() { m.wsConnections.Dec() }

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
