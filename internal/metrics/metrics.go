package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	captures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldcam",
			Subsystem: "capture",
			Name:      "results_total",
			Help:      "Capture requests by final outcome and trigger kind.",
		},
		[]string{"outcome", "trigger"},
	)
	attempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldcam",
			Subsystem: "capture",
			Name:      "attempts_total",
			Help:      "Frame source invocations, including retries.",
		},
		[]string{"success"},
	)
	captureDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fieldcam",
			Subsystem: "capture",
			Name:      "duration_seconds",
			Help:      "Duration of a single frame source call.",
			Buckets:   []float64{.1, .25, .5, 1, 2, 4, 8, 16},
		},
	)
	droppedTriggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldcam",
			Subsystem: "trigger",
			Name:      "dropped_total",
			Help:      "Trigger requests coalesced away while a capture was pending.",
		},
		[]string{"trigger"},
	)
	state = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fieldcam",
			Subsystem: "orchestrator",
			Name:      "state",
			Help:      "1 for the current orchestrator state, 0 otherwise.",
		},
		[]string{"state"},
	)
	uploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldcam",
			Subsystem: "publish",
			Name:      "uploads_total",
			Help:      "Files sent to the upload host.",
		},
		[]string{"success"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldcam",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Status server requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fieldcam",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status server request latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	lastSequence = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fieldcam",
			Subsystem: "capture",
			Name:      "last_sequence_id",
			Help:      "Sequence id of the most recent manifest entry.",
		},
	)
)

// Register adds the collectors to the default registry once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			captures, attempts, captureDuration, droppedTriggers, state, lastSequence,
			uploads, httpRequests, httpDuration,
		)
	})
}

// RecordResult counts a manifest entry.
func RecordResult(outcome, trigger string, sequenceID uint64) {
	Register()
	captures.WithLabelValues(outcome, trigger).Inc()
	lastSequence.Set(float64(sequenceID))
}

// RecordAttempt counts one frame source call and its duration.
func RecordAttempt(success bool, duration time.Duration) {
	Register()
	attempts.WithLabelValues(strconv.FormatBool(success)).Inc()
	captureDuration.Observe(duration.Seconds())
}

// RecordDropped counts a coalesced trigger.
func RecordDropped(trigger string) {
	Register()
	droppedTriggers.WithLabelValues(trigger).Inc()
}

// SetState marks current as the active orchestrator state among all.
func SetState(current string, all ...string) {
	Register()
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		state.WithLabelValues(s).Set(v)
	}
}

// RecordUpload counts one upload outcome.
func RecordUpload(success bool) {
	Register()
	uploads.WithLabelValues(strconv.FormatBool(success)).Inc()
}

// RecordHTTPRequest counts a status server request.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	Register()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
