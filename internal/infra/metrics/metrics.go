// Package metrics provides Prometheus collectors for guild queues and user actions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dj"

// Metrics holds the application collectors.
type Metrics struct {
	TracksStarted   *prometheus.CounterVec
	TrackFailures   *prometheus.CounterVec
	Rejections      *prometheus.CounterVec
	ActiveQueueSize prometheus.Gauge
	ConnectLatency  *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TracksStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tracks_started_total",
				Help:      "Tracks confirmed playing by the audio node",
			},
			[]string{"guild"},
		),
		TrackFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "track_failures_total",
				Help:      "Tracks that failed to start or errored mid-playback",
			},
			[]string{"reason"},
		),
		Rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "enqueue_rejected_total",
				Help:      "Enqueue requests rejected, by message code",
			},
			[]string{"code"},
		),
		ActiveQueueSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_guild_queues",
				Help:      "Guild queues currently alive",
			},
		),
		ConnectLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "voice_connect_seconds",
				Help:      "Time to join voice and attach to an audio node",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(
		m.TracksStarted,
		m.TrackFailures,
		m.Rejections,
		m.ActiveQueueSize,
		m.ConnectLatency,
	)
	return m
}

// TrackStarted counts a started track.
func (m *Metrics) TrackStarted(guildID string) {
	m.TracksStarted.WithLabelValues(guildID).Inc()
}

// TrackFailed counts a failed track.
func (m *Metrics) TrackFailed(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	m.TrackFailures.WithLabelValues(reason).Inc()
}

// EnqueueRejected counts a rejected enqueue.
func (m *Metrics) EnqueueRejected(code string) {
	m.Rejections.WithLabelValues(code).Inc()
}

// ActiveQueues sets the number of live guild queues.
func (m *Metrics) ActiveQueues(n int) {
	m.ActiveQueueSize.Set(float64(n))
}

// ObserveConnect records one voice connect attempt.
func (m *Metrics) ObserveConnect(d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ConnectLatency.WithLabelValues(result).Observe(d.Seconds())
}

// Handler serves the collectors registered with g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
