package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(retryJobsTotal, retryImagesTotal, retryQueueLength) }

var retryJobsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "retry_jobs_total",
		Help: "Retry queue entries by terminal status.",
	},
	[]string{"status"}, // completed | failed
)

var retryImagesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "retry_images_total",
		Help: "Individual image retries by outcome.",
	},
	[]string{"outcome"}, // approved | retry_failed
)

var retryQueueLength = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "retry_queue_length",
		Help: "Retry jobs currently waiting in the queue.",
	},
)

func IncRetryJob(status string)    { retryJobsTotal.WithLabelValues(norm(status)).Inc() }
func IncRetryImage(outcome string) { retryImagesTotal.WithLabelValues(norm(outcome)).Inc() }
func SetRetryQueueLength(n int)    { retryQueueLength.Set(float64(n)) }
