package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsDispatched   = prometheus.NewCounter(prometheus.CounterOpts{Name: "provisioner_jobs_dispatched_total", Help: "Jobs claimed and handed to the queue"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "provisioner_rate_limit_rejects_total", Help: "API requests rejected by rate limiter"})
	JobsFinished     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "provisioner_jobs_finished_total", Help: "Job runs by exit state"}, []string{"status"})
	ItemsCreated     = prometheus.NewCounter(prometheus.CounterOpts{Name: "provisioner_items_created_total", Help: "Ad accounts created"})
	ItemsFailed      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "provisioner_items_failed_total", Help: "Ad account creations that failed terminally"}, []string{"kind"})
	ExternalAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "provisioner_external_attempts_total", Help: "Calls to the external provisioning API"}, []string{"outcome"})
	ProxyFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "provisioner_proxy_failures_total", Help: "Failed proxy uses and validations"})
	NotifyDropped    = prometheus.NewCounter(prometheus.CounterOpts{Name: "provisioner_notifications_dropped_total", Help: "Notifications dropped because the buffer was full"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "provisioner_queue_depth", Help: "Jobs waiting for a worker"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "provisioner_inflight", Help: "Jobs currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsDispatched,
			RateLimitRejects,
			JobsFinished,
			ItemsCreated,
			ItemsFailed,
			ExternalAttempts,
			ProxyFailures,
			NotifyDropped,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
