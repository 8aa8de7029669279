package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 刷新引擎相关指标。
var (
	RefreshRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pricebot_refresh_runs_total",
		Help: "Completed refresh runs by final status.",
	}, []string{"status"})

	RefreshRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pricebot_refresh_run_duration_seconds",
		Help:    "Wall-clock duration of a full refresh run.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	RefreshRunActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pricebot_refresh_run_active",
		Help: "1 while a refresh run is in progress.",
	})

	OffersProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pricebot_offers_processed_total",
		Help: "Offers processed by outcome (updated/failed/skipped/deactivated).",
	}, []string{"outcome"})

	PriceExtractedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pricebot_price_extracted_total",
		Help: "Successful price extractions by evidence kind.",
	}, []string{"evidence"})

	GateDetectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pricebot_gate_detected_total",
		Help: "Pages classified as anti-bot or login gates.",
	})
)

// HTTP 抓取相关指标。
var (
	FetchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pricebot_fetch_requests_total",
		Help: "Outbound fetch attempts by result (ok/retry/error).",
	}, []string{"result"})

	FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pricebot_fetch_duration_seconds",
		Help:    "Duration of a single outbound fetch including redirects.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	FetchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pricebot_fetch_errors_total",
		Help: "Fetch failures by classified error type.",
	}, []string{"type"})
)

// 限流相关指标。
var (
	RateLimitWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pricebot_ratelimit_wait_duration_seconds",
		Help:    "Time spent waiting for a rate limit token.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	RateLimitTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pricebot_ratelimit_timeout_total",
		Help: "Rate limit acquisitions abandoned due to context cancellation.",
	})
)
