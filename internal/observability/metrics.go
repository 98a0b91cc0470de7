package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions      prometheus.Gauge
	SessionEvents       *prometheus.CounterVec
	SessionTerminations *prometheus.CounterVec
	SessionDuration     prometheus.Histogram
	IdleWarnings        prometheus.Counter
	MonitorErrors       prometheus.Counter
	WSMessages          *prometheus.CounterVec
	WSWriteErrors       *prometheus.CounterVec
	ProviderErrors      *prometheus.CounterVec
	FirstAudioLatency   prometheus.Histogram
	RateLimited         prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live coaching sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		SessionTerminations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_terminations_total",
			Help:      "Sessions ended, by reason.",
		}, []string{"reason"}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Wall-clock length of connected sessions.",
			Buckets:   []float64{30, 60, 120, 300, 600, 900, 1800, 3600},
		}),
		IdleWarnings: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idle_warnings_total",
			Help:      "Idle re-engagement prompts spoken.",
		}),
		MonitorErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activity_monitor_errors_total",
			Help:      "Failed activity monitor polls.",
		}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WSWriteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "WebSocket write failures by operation.",
		}, []string{"op"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and stage.",
		}, []string{"provider", "stage"}),
		FirstAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from end of user speech to first assistant audio chunk in milliseconds.",
			Buckets:   []float64{300, 500, 800, 1200, 1600, 2200, 3000, 5000},
		}),
		RateLimited: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Session create requests rejected by the rate limiter.",
		}),
	}
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveTermination(reason string, elapsed time.Duration) {
	m.SessionTerminations.WithLabelValues(reason).Inc()
	if elapsed > 0 {
		m.SessionDuration.Observe(elapsed.Seconds())
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
