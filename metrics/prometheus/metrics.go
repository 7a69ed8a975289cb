// Package prometheus provides Prometheus metrics for the streaming proxy.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "suneproxy"

var (
	// runsActive is a gauge of runs currently in the running phase.
	runsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Number of runs currently streaming",
		},
	)

	// runsFinishedTotal is a counter of terminal run transitions.
	runsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Total number of runs reaching a terminal phase",
		},
		[]string{"phase"}, // phase: done, error, evicted
	)

	// runDuration is a histogram of whole-run duration in seconds.
	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of runs from begin to terminal transition in seconds",
			Buckets:   []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 540},
		},
		[]string{"provider"},
	)

	// deltasTotal is a counter of flushed deltas.
	deltasTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deltas_total",
			Help:      "Total number of deltas flushed to the log",
		},
	)

	// deltaBytesTotal is a counter of flushed delta text bytes.
	deltaBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delta_bytes_total",
			Help:      "Total text bytes flushed across all deltas",
		},
	)

	// imagesTotal is a counter of image payloads flushed.
	imagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_total",
			Help:      "Total image payloads flushed across all deltas",
		},
	)

	// flushesTotal is a counter of flushes by trigger.
	flushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Total number of buffer flushes",
		},
		[]string{"trigger"}, // trigger: size, timer, image, final
	)

	// providerRequestsTotal is a counter of upstream streaming calls by outcome.
	providerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Total upstream provider calls by outcome",
		},
		[]string{"provider", "status"}, // status: ok, error, cancelled
	)

	// socketsConnected is a gauge of attached client sockets.
	socketsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sockets_connected",
			Help:      "Number of client sockets currently attached",
		},
	)

	// replaysTotal is a counter of delta replays served to resuming sockets.
	replaysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replays_total",
			Help:      "Total number of replay requests served",
		},
	)

	// pollsTotal is a counter of HTTP poll requests.
	pollsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Total number of poll requests served",
		},
	)

	// notificationsTotal is a counter of notification sends.
	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total number of notification sends",
		},
		[]string{"status"}, // status: sent, error, dropped
	)

	// allMetrics is a list of all metrics for registration.
	allMetrics = []prometheus.Collector{
		runsActive,
		runsFinishedTotal,
		runDuration,
		deltasTotal,
		deltaBytesTotal,
		imagesTotal,
		flushesTotal,
		providerRequestsTotal,
		socketsConnected,
		replaysTotal,
		pollsTotal,
		notificationsTotal,
	}
)

// RecordRunStart records a run entering the running phase.
func RecordRunStart() {
	runsActive.Inc()
}

// RecordRunEnd records a terminal transition.
func RecordRunEnd(phase, provider string, durationSeconds float64) {
	runsActive.Dec()
	runsFinishedTotal.WithLabelValues(phase).Inc()
	runDuration.WithLabelValues(provider).Observe(durationSeconds)
}

// RecordFlush records one flushed delta.
func RecordFlush(trigger string, textBytes, imageCount int) {
	flushesTotal.WithLabelValues(trigger).Inc()
	deltasTotal.Inc()
	if textBytes > 0 {
		deltaBytesTotal.Add(float64(textBytes))
	}
	if imageCount > 0 {
		imagesTotal.Add(float64(imageCount))
	}
}

// RecordProviderCall records the outcome of one upstream streaming call.
func RecordProviderCall(provider, status string) {
	providerRequestsTotal.WithLabelValues(provider, status).Inc()
}

// RecordSocketOpen records a socket joining its uid's socket set.
func RecordSocketOpen() {
	socketsConnected.Inc()
}

// RecordSocketClose records a socket leaving its uid's socket set.
func RecordSocketClose() {
	socketsConnected.Dec()
}

// RecordReplay records a replay request.
func RecordReplay() {
	replaysTotal.Inc()
}

// RecordPoll records a poll request.
func RecordPoll() {
	pollsTotal.Inc()
}

// RecordNotification records a notification send outcome.
func RecordNotification(status string) {
	notificationsTotal.WithLabelValues(status).Inc()
}
