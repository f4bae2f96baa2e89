package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the seckill engine. Scraped from the admin
// metrics route and visualized in Grafana.
var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "seckill_requests_total",
		Help: "Total purchase requests by activity and outcome code",
	}, []string{"activity", "outcome"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "seckill_request_duration_seconds",
		Help:    "Request latency by pipeline stage",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"stage"})

	cacheOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "seckill_cache_ops_total",
		Help: "Cache operations by kind (hit, miss, set, delete, error)",
	}, []string{"kind"})

	stockRemaining = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "seckill_stock_remaining",
		Help: "Last observed remaining stock per activity",
	}, []string{"activity"})

	rateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "seckill_rate_limited_total",
		Help: "Requests rejected by the rate limiter, by tier",
	}, []string{"tier"})

	dispatchedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seckill_dispatched_events_total",
		Help: "Reservation events acknowledged by the broker",
	})

	dispatchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seckill_dispatch_failures_total",
		Help: "Reservation events that failed dispatch after retries",
	})

	rollbacksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "seckill_rollbacks_total",
		Help: "Compensating rollbacks by result (ok, failed)",
	}, []string{"result"})

	writeBehindDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seckill_write_behind_dropped_total",
		Help: "Write-behind queue rejections due to queue full",
	})

	workerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "seckill_worker_queue_depth",
		Help: "Current number of tasks waiting in worker pool queue",
	})

	workerSaturatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seckill_worker_saturated_total",
		Help: "Task submissions rejected because the worker queue was full",
	})

	reconcilerConsistencyRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "seckill_reconciler_consistency_rate",
		Help: "Consistency rate of the last reconcile cycle (0-1)",
	})

	reconcilerRepairs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seckill_reconciler_repairs_total",
		Help: "Cache entries repaired from the system of record",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(requestDuration)
	prometheus.MustRegister(cacheOpsTotal)
	prometheus.MustRegister(stockRemaining)
	prometheus.MustRegister(rateLimitedTotal)
	prometheus.MustRegister(dispatchedEvents)
	prometheus.MustRegister(dispatchFailures)
	prometheus.MustRegister(rollbacksTotal)
	prometheus.MustRegister(writeBehindDropped)
	prometheus.MustRegister(workerQueueDepth)
	prometheus.MustRegister(workerSaturatedTotal)
	prometheus.MustRegister(reconcilerConsistencyRate)
	prometheus.MustRegister(reconcilerRepairs)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRateLimited counts a rate-limiter rejection for the given tier.
func RecordRateLimited(tier string) {
	rateLimitedTotal.WithLabelValues(tier).Inc()
}

// RecordDispatched counts a broker-acknowledged reservation event.
func RecordDispatched() {
	dispatchedEvents.Inc()
}

// RecordDispatchFailure counts a dispatch that failed after retries.
func RecordDispatchFailure() {
	dispatchFailures.Inc()
}

// RecordRollback counts a compensating rollback attempt.
func RecordRollback(ok bool) {
	if ok {
		rollbacksTotal.WithLabelValues("ok").Inc()
	} else {
		rollbacksTotal.WithLabelValues("failed").Inc()
	}
}

// RecordWriteBehindDropped counts a write-behind queue rejection.
func RecordWriteBehindDropped() {
	writeBehindDropped.Inc()
}

// UpdateWorkerQueueDepth publishes the worker pool queue depth.
func UpdateWorkerQueueDepth(depth int) {
	workerQueueDepth.Set(float64(depth))
}

// RecordWorkerSaturated counts a worker pool submission rejection.
func RecordWorkerSaturated() {
	workerSaturatedTotal.Inc()
}

// UpdateConsistencyRate publishes the last reconcile cycle's rate.
func UpdateConsistencyRate(rate float64) {
	reconcilerConsistencyRate.Set(rate)
}

// RecordRepair counts a reconciler cache repair.
func RecordRepair() {
	reconcilerRepairs.Inc()
}
