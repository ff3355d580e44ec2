package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(jobsTotal, imagesTotal, generationTopUps, jobDurationSec) }

var jobsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pipeline_jobs_total",
		Help: "Job executions by terminal status.",
	},
	[]string{"status"}, // completed | failed | stopped
)

var imagesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pipeline_images_total",
		Help: "Generated images by terminal QC status.",
	},
	[]string{"status"},
)

var generationTopUps = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "pipeline_generation_topups_total",
		Help: "Supplemental generation requests issued after a short delivery.",
	},
)

var jobDurationSec = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "pipeline_job_duration_seconds",
		Help:    "Wall-clock duration of job executions.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	},
)

func IncJob(status string)           { jobsTotal.WithLabelValues(norm(status)).Inc() }
func IncImage(status string)         { imagesTotal.WithLabelValues(norm(status)).Inc() }
func IncTopUp()                      { generationTopUps.Inc() }
func ObserveJobDuration(sec float64) { jobDurationSec.Observe(sec) }
