// Package metrics provides Prometheus instrumentation for the voicedesk client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "voicedesk"

var (
	transportReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_reconnects_total",
			Help:      "Total number of scheduled reconnect attempts",
		},
	)

	transportEnvelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_envelopes_total",
			Help:      "Total number of envelopes sent or received",
		},
		[]string{"direction", "type"}, // direction: in, out
	)

	transportDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_dropped_total",
			Help:      "Total number of envelopes dropped",
		},
		[]string{"reason"}, // reason: malformed, not_open, queue_full
	)

	captureFrames = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_frames_total",
			Help:      "Total number of PCM16 frames emitted by the capture pipeline",
		},
	)

	playbackDrained = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_drained_total",
			Help:      "Total number of times the playback backlog ran dry during output",
		},
	)

	playbackBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "playback_backlog_samples",
			Help:      "Samples waiting in the playback backlog",
		},
	)

	avatarNegotiations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "avatar_negotiations_total",
			Help:      "Total number of avatar offer negotiations",
		},
		[]string{"result"}, // result: offered, answered, failed, superseded
	)
)

var allMetrics = []prometheus.Collector{
	transportReconnects,
	transportEnvelopes,
	transportDropped,
	captureFrames,
	playbackDrained,
	playbackBacklog,
	avatarNegotiations,
}

// Register adds all voicedesk collectors to reg
func Register(reg prometheus.Registerer) error {
	for _, c := range allMetrics {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordReconnect counts a scheduled reconnect
func RecordReconnect() {
	transportReconnects.Inc()
}

// RecordEnvelope counts an envelope moving in direction "in" or "out"
func RecordEnvelope(direction, msgType string) {
	transportEnvelopes.WithLabelValues(direction, msgType).Inc()
}

// RecordDropped counts a dropped envelope
func RecordDropped(reason string) {
	transportDropped.WithLabelValues(reason).Inc()
}

// RecordCaptureFrame counts an emitted capture frame
func RecordCaptureFrame() {
	captureFrames.Inc()
}

// RecordDrained counts a playback drain
func RecordDrained() {
	playbackDrained.Inc()
}

// SetBacklog reports the playback backlog size
func SetBacklog(samples int) {
	playbackBacklog.Set(float64(samples))
}

// RecordNegotiation counts an avatar negotiation outcome
func RecordNegotiation(result string) {
	avatarNegotiations.WithLabelValues(result).Inc()
}
