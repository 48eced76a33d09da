package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeDone     = "done"
	outcomeFailed   = "failed"
	outcomeUnstored = "unstored"
)

type metrics struct {
	jobsTotal      *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	activeWorkers  prometheus.Gauge
	workerTimeouts prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomseg_jobs_total",
			Help: "Total segmentation jobs by outcome.",
		}, []string{"outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "roomseg_job_duration_seconds",
			Help:    "Time from record creation to terminal status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roomseg_jobs_active_workers",
			Help: "Segmenter runs currently holding a worker slot.",
		}),
		workerTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomseg_jobs_worker_timeouts_total",
			Help: "Segmenter runs abandoned after the worker timeout.",
		}),
	}

	for _, c := range []prometheus.Collector{m.jobsTotal, m.jobDuration, m.activeWorkers, m.workerTimeouts} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
