package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medlit_training_jobs_started_total",
			Help: "Training and optimization jobs started",
		},
		[]string{"kind"},
	)

	jobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medlit_training_jobs_completed_total",
			Help: "Jobs that reached the completed state",
		},
		[]string{"kind"},
	)

	jobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medlit_training_jobs_failed_total",
			Help: "Jobs that reached the failed state",
		},
		[]string{"kind"},
	)

	activeJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "medlit_training_jobs_active",
			Help: "Jobs currently executing in this process",
		},
	)

	trainingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "medlit_training_duration_seconds",
			Help:    "Wall-clock training duration by model family",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2h
		},
		[]string{"family"},
	)

	searchTrials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medlit_search_trials_total",
			Help: "Hyperparameter search trials by outcome",
		},
		[]string{"status"},
	)

	predictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medlit_predictions_total",
			Help: "Prediction calls by serving path",
		},
		[]string{"path"}, // "model" or "fallback"
	)

	predictionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "medlit_prediction_duration_seconds",
			Help:    "End-to-end prediction handler duration",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)

	jobsCancelled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medlit_training_jobs_cancelled_total",
			Help: "Jobs cancelled before reaching a natural terminal state",
		},
		[]string{"kind"},
	)

	jobsReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "medlit_training_jobs_reclaimed_total",
			Help: "Stuck or orphaned jobs reclaimed by the sweeper",
		},
	)
)

func JobStarted(kind string) {
	jobsStarted.WithLabelValues(kind).Inc()
	activeJobs.Inc()
}

func JobCompleted(kind, family string, seconds float64) {
	jobsCompleted.WithLabelValues(kind).Inc()
	activeJobs.Dec()
	if family != "" {
		trainingDuration.WithLabelValues(family).Observe(seconds)
	}
}

func JobFailed(kind string) {
	jobsFailed.WithLabelValues(kind).Inc()
	activeJobs.Dec()
}

func JobCancelled(kind string) {
	jobsCancelled.WithLabelValues(kind).Inc()
	activeJobs.Dec()
}

func Trial(failed bool) {
	status := "success"
	if failed {
		status = "failed"
	}
	searchTrials.WithLabelValues(status).Inc()
}

func Prediction(fallback bool, seconds float64) {
	path := "model"
	if fallback {
		path = "fallback"
	}
	predictions.WithLabelValues(path).Inc()
	predictionDuration.Observe(seconds)
}

func JobReclaimed() {
	jobsReclaimed.Inc()
}
