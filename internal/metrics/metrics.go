// Package metrics exposes Prometheus collectors for the archival worker.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal             *prometheus.CounterVec
	assetsTotal           *prometheus.CounterVec
	bytesArchivedTotal    prometheus.Counter
	fetchDurationSeconds  prometheus.Histogram
	uploadDurationSeconds prometheus.Histogram
	uploadRetriesTotal    prometheus.Counter
	activeJobs            prometheus.Gauge
	inFlightFetches       prometheus.Gauge
	leaseRenewalsTotal    *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "packd_jobs_total",
				Help: "Total number of jobs processed, labeled by terminal outcome.",
			},
			[]string{"outcome"},
		)

		assetsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "packd_assets_total",
				Help: "Total number of assets fetched, labeled by result.",
			},
			[]string{"result"},
		)

		bytesArchivedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "packd_bytes_archived_total",
				Help: "Total uncompressed bytes written into archives.",
			},
		)

		fetchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "packd_fetch_duration_seconds",
				Help:    "Histogram of per-asset fetch latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
		)

		uploadDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "packd_upload_duration_seconds",
				Help:    "Histogram of archive upload latencies.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 15, 60, 300},
			},
		)

		uploadRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "packd_upload_retries_total",
				Help: "Total upload attempts beyond the first, per process.",
			},
		)

		activeJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "packd_active_jobs",
				Help: "Number of jobs currently being processed.",
			},
		)

		inFlightFetches = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "packd_in_flight_fetches",
				Help: "Number of asset fetches currently in flight.",
			},
		)

		leaseRenewalsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "packd_lease_renewals_total",
				Help: "Total lease renewal calls, labeled by result.",
			},
			[]string{"result"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob increments the job counter for the given outcome.
func ObserveJob(outcome string) {
	jobsTotal.WithLabelValues(outcome).Inc()
}

// ObserveAsset records one finished asset fetch. Failed fetches carry no
// meaningful latency and pass a zero duration, which skips the histogram.
func ObserveAsset(result string, duration time.Duration) {
	assetsTotal.WithLabelValues(result).Inc()
	if duration > 0 {
		fetchDurationSeconds.Observe(duration.Seconds())
	}
}

// AddArchivedBytes accumulates uncompressed bytes written into archives.
func AddArchivedBytes(n int64) {
	if n > 0 {
		bytesArchivedTotal.Add(float64(n))
	}
}

// ObserveUpload records an upload attempt's latency.
func ObserveUpload(duration time.Duration) {
	uploadDurationSeconds.Observe(duration.Seconds())
}

// ObserveUploadRetry counts one retried upload attempt.
func ObserveUploadRetry() {
	uploadRetriesTotal.Inc()
}

// ObserveLeaseRenewal counts a renewal call ("ok", "lost", "error").
func ObserveLeaseRenewal(result string) {
	leaseRenewalsTotal.WithLabelValues(result).Inc()
}

// IncActiveJobs increments the active jobs gauge.
func IncActiveJobs() {
	activeJobs.Inc()
}

// DecActiveJobs decrements the active jobs gauge.
func DecActiveJobs() {
	activeJobs.Dec()
}

// IncInFlightFetches increments the in-flight fetch gauge.
func IncInFlightFetches() {
	inFlightFetches.Inc()
}

// DecInFlightFetches decrements the in-flight fetch gauge.
func DecInFlightFetches() {
	inFlightFetches.Dec()
}
