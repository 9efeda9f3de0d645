package outbox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "wagateway"

var (
	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "queue_size",
			Help:      "Number of records per queue area",
		},
		[]string{"area"},
	)

	messagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "messages_processed_total",
			Help:      "Total queue records processed, by final outcome",
		},
		[]string{"outcome"},
	)

	sendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "send_duration_seconds",
			Help:      "Time to hand one message to the sender",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20},
		},
	)

	queueFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "queue_fetched_total",
			Help:      "Total records fetched from the queue before a send attempt",
		},
	)

	bookkeepingFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "bookkeeping_failures_total",
			Help:      "Post-send status or history updates that exhausted their retries",
		},
		[]string{"store"},
	)
)

func recordProcessed(outcome string) {
	messagesProcessed.WithLabelValues(outcome).Inc()
}

func recordSendDuration(d time.Duration) {
	sendDuration.Observe(d.Seconds())
}

func recordFetched(count int) {
	queueFetched.Add(float64(count))
}

func recordBookkeepingFailure(store string) {
	bookkeepingFailures.WithLabelValues(store).Inc()
}

// QueueStats counts records per queue area.
type QueueStats struct {
	Pending int
	Sent    int
	Failed  int
}

// RecordQueueStats updates the queue size metrics.
func RecordQueueStats(stats QueueStats) {
	queueSize.WithLabelValues("pending").Set(float64(stats.Pending))
	queueSize.WithLabelValues("sent").Set(float64(stats.Sent))
	queueSize.WithLabelValues("error").Set(float64(stats.Failed))
}
