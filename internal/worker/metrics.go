package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry        *prometheus.Registry
	eventsDelivered *prometheus.CounterVec
	jobsReaped      prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		eventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomseg_worker_event_deliveries_total",
			Help: "Job event deliveries by channel and outcome.",
		}, []string{"channel", "outcome"}),
		jobsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomseg_worker_jobs_reaped_total",
			Help: "Jobs forced to failed after being stuck in processing.",
		}),
	}

	registry.MustRegister(
		m.eventsDelivered,
		m.jobsReaped,
	)
	return m
}

func (m *metrics) observeDelivery(channel string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.eventsDelivered.WithLabelValues(channel, outcome).Inc()
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
