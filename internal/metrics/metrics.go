package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	webhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bcsync",
			Name:      "webhook_events_total",
			Help:      "Webhook ingestion outcomes by source.",
		},
		[]string{"source", "outcome"},
	)

	syncRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bcsync",
			Name:      "sync_records_total",
			Help:      "Reconciled records by direction and result.",
		},
		[]string{"direction", "result"},
	)

	httpRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bcsync",
			Name:      "http_retries_total",
			Help:      "Retried upstream HTTP calls by system and status.",
		},
		[]string{"system", "status"},
	)

	passDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bcsync",
			Name:      "sync_pass_duration_seconds",
			Help:      "Wall time of reconciliation passes.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"direction"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bcsync",
			Name:      "job_queue_depth",
			Help:      "Jobs waiting in the webhook queue at last poll.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(webhookEvents, syncRecords, httpRetries, passDuration, queueDepth)
	})
}

func IncWebhook(source, outcome string) {
	webhookEvents.WithLabelValues(source, outcome).Inc()
}

func AddSyncRecords(direction, result string, n int) {
	if n <= 0 {
		return
	}
	syncRecords.WithLabelValues(direction, result).Add(float64(n))
}

func IncHTTPRetry(system, status string) {
	httpRetries.WithLabelValues(system, status).Inc()
}

func ObservePass(direction string, seconds float64) {
	passDuration.WithLabelValues(direction).Observe(seconds)
}

func SetQueueDepth(n int64) {
	queueDepth.Set(float64(n))
}
