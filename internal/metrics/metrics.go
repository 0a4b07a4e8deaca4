// Package metrics exposes Prometheus collectors for the scrape service.
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
	scrapesTotal           *prometheus.CounterVec
	scrapeDurationSeconds  prometheus.Histogram
	jobsTotal              *prometheus.CounterVec
	retriesTotal           prometheus.Counter
	activeWorkers          prometheus.Gauge
	queueDepth             *prometheus.GaugeVec
	wsConnections          prometheus.Gauge
	broadcastDroppedEvents prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus collectors. It is safe to call this
// function multiple times.
func Init() {
	once.Do(func() {
		scrapesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_articles_total",
				Help: "Total scrape attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		scrapeDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scraper_scrape_duration_seconds",
				Help:    "Histogram of scrape latencies.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_jobs_total",
				Help: "Total jobs reaching a terminal status, labeled by status.",
			},
			[]string{"status"},
		)

		retriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scraper_retries_total",
				Help: "Total scrape retries scheduled.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_active_workers",
				Help: "Number of workers currently processing an item.",
			},
		)

		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scraper_queue_depth",
				Help: "Queued work items per priority band.",
			},
			[]string{"band"},
		)

		wsConnections = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_ws_connections",
				Help: "Open WebSocket subscriber connections.",
			},
		)

		broadcastDroppedEvents = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scraper_broadcast_dropped_events_total",
				Help: "Events dropped from slow subscriber buffers.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveScrape records one scrape attempt.
func ObserveScrape(success bool, duration time.Duration) {
	if scrapesTotal == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	scrapesTotal.WithLabelValues(outcome).Inc()
	scrapeDurationSeconds.Observe(duration.Seconds())
}

// ObserveJob increments the terminal-job counter for the given status.
func ObserveJob(status string) {
	if jobsTotal == nil {
		return
	}
	jobsTotal.WithLabelValues(status).Inc()
}

// ObserveRetry counts one scheduled retry.
func ObserveRetry() {
	if retriesTotal == nil {
		return
	}
	retriesTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Dec()
}

// SetQueueDepth records the current depth of one band.
func SetQueueDepth(band string, depth int) {
	if queueDepth == nil {
		return
	}
	queueDepth.WithLabelValues(band).Set(float64(depth))
}

// IncWSConnections increments the WebSocket connection gauge.
func IncWSConnections() {
	if wsConnections == nil {
		return
	}
	wsConnections.Inc()
}

// DecWSConnections decrements the WebSocket connection gauge.
func DecWSConnections() {
	if wsConnections == nil {
		return
	}
	wsConnections.Dec()
}

// ObserveDroppedEvent counts one event dropped from a subscriber buffer.
func ObserveDroppedEvent() {
	if broadcastDroppedEvents == nil {
		return
	}
	broadcastDroppedEvents.Inc()
}
