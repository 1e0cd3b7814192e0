package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatmeter_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatmeter_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	EventsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatmeter_events_processed_total",
			Help: "Total number of protocol events processed, by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	SnapshotScansTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatmeter_snapshot_scans_total",
			Help: "Total number of page snapshots scanned by the detector.",
		},
	)

	ThresholdCrossingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatmeter_threshold_crossings_total",
			Help: "Total number of upward threshold crossings, by band.",
		},
		[]string{"band"},
	)

	DailyResetsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatmeter_daily_resets_total",
			Help: "Total number of daily counter resets performed.",
		},
	)

	SessionsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatmeter_sessions_started_total",
			Help: "Total number of chat sessions started.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EventsProcessedTotal,
		SnapshotScansTotal,
		ThresholdCrossingsTotal,
		DailyResetsTotal,
		SessionsStartedTotal,
	)
}
