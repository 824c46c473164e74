package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "livediff_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "client"},
		},
		[]string{"date", "sha", "version"},
	)

	connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "livediff_connection_state",
			Help: "Realtime connection state (1 for the current state, 0 otherwise)",
		},
		[]string{"state"},
	)

	reconnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "livediff_reconnect_attempts_total",
			Help: "Automatic reconnection attempts",
		},
	)

	captureActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "livediff_capture_active",
			Help: "Whether the capture device is open (1 or 0)",
		},
	)

	framesCaptured = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "livediff_frames_captured_total",
			Help: "Frames sampled from the capture device",
		},
	)

	framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livediff_frames_sent_total",
			Help: "Frame sends by outcome",
		},
		[]string{"outcome"},
	)

	framesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "livediff_frames_dropped_total",
			Help: "Frames discarded because another frame was in flight",
		},
	)

	results = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livediff_results_total",
			Help: "Processed results by outcome",
		},
		[]string{"outcome"},
	)

	roundTrip = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "livediff_round_trip_seconds",
			Help:    "Time from frame send to matching result",
			Buckets: prometheus.DefBuckets,
		},
	)

	frameBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "livediff_frame_bytes",
			Help:    "Encoded frame payload size",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12),
		},
	)
)

var states = []string{"disconnected", "connecting", "connected", "error"}

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, connectionState, reconnectAttempts, captureActive, framesCaptured, framesSent, framesDropped, results, roundTrip, frameBytes)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// SetConnectionState marks state as the current connection state.
func SetConnectionState(state string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		connectionState.WithLabelValues(s).Set(v)
	}
}

// RecordReconnectAttempt counts one automatic reconnection.
func RecordReconnectAttempt() { reconnectAttempts.Inc() }

// SetCaptureActive records whether the capture device is open.
func SetCaptureActive(v bool) {
	if v {
		captureActive.Set(1)
	} else {
		captureActive.Set(0)
	}
}

// FrameCaptured counts one sampled frame.
func FrameCaptured() { framesCaptured.Inc() }

// RecordFrameSent counts a frame send attempt and its encoded size.
func RecordFrameSent(success bool, size int) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	framesSent.WithLabelValues(outcome).Inc()
	if success {
		frameBytes.Observe(float64(size))
	}
}

// FrameDropped counts one frame discarded by backpressure.
func FrameDropped() { framesDropped.Inc() }

// RecordResult counts a result outcome: "ok", "error", "stale" or "timeout".
func RecordResult(outcome string) {
	results.WithLabelValues(outcome).Inc()
}

// ObserveRoundTrip records the send-to-result latency.
func ObserveRoundTrip(d time.Duration) {
	roundTrip.Observe(d.Seconds())
}
