// Package metrics exposes Prometheus collectors for the quota-fill crawler.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	listingPagesTotal             *prometheus.CounterVec
	linkVerdictsTotal             *prometheus.CounterVec
	contentFetchesTotal           *prometheus.CounterVec
	roundsTotal                   *prometheus.CounterVec
	openPartitions                *prometheus.GaugeVec
	partitionUsable               *prometheus.GaugeVec
	pacingDelaySeconds            *prometheus.HistogramVec
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	browserPromotionsTotal        *prometheus.CounterVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		listingPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotafill_listing_pages_total",
				Help: "Listing pages visited, labeled by source and fetch status.",
			},
			[]string{"source", "status"},
		)

		linkVerdictsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotafill_link_verdicts_total",
				Help: "Link gate verdicts, labeled by source and verdict.",
			},
			[]string{"source", "verdict"},
		)

		contentFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotafill_content_fetches_total",
				Help: "Content fetch outcomes, labeled by source and result.",
			},
			[]string{"source", "result"},
		)

		roundsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotafill_rounds_total",
				Help: "Completed scheduler rounds, labeled by source.",
			},
			[]string{"source"},
		)

		openPartitions = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quotafill_open_partitions",
				Help: "Partitions below quota at the start of the latest round.",
			},
			[]string{"source"},
		)

		partitionUsable = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quotafill_partition_usable",
				Help: "Usable article count per partition after its latest fill.",
			},
			[]string{"source", "date"},
		)

		pacingDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quotafill_pacing_delay_seconds",
				Help:    "Histogram of deliberate pacing delays between remote requests.",
				Buckets: []float64{0.5, 1, 2, 3, 5, 7, 10, 30},
			},
			[]string{"source", "phase"},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quotafill_rate_limit_delays_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		browserPromotionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotafill_browser_promotions_total",
				Help: "Plain HTTP fetches re-rendered in the browser, labeled by host.",
			},
			[]string{"host"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveListingPage counts one visited listing page.
func ObserveListingPage(source, status string) {
	Init()
	listingPagesTotal.WithLabelValues(source, status).Inc()
}

// ObserveVerdict counts one link gate decision.
func ObserveVerdict(source, verdict string) {
	Init()
	linkVerdictsTotal.WithLabelValues(source, verdict).Inc()
}

// ObserveContentFetch counts one content fetch outcome.
func ObserveContentFetch(source, result string) {
	Init()
	contentFetchesTotal.WithLabelValues(source, result).Inc()
}

// ObserveRound counts one completed round.
func ObserveRound(source string) {
	Init()
	roundsTotal.WithLabelValues(source).Inc()
}

// SetOpenPartitions records how many partitions are below quota.
func SetOpenPartitions(source string, n int) {
	Init()
	openPartitions.WithLabelValues(source).Set(float64(n))
}

// SetUsable records the usable count of one partition.
func SetUsable(source, date string, usable int) {
	Init()
	partitionUsable.WithLabelValues(source, date).Set(float64(usable))
}

// ObservePacingDelay records a deliberate pause before a listing page or article fetch.
func ObservePacingDelay(source, phase string, d time.Duration) {
	Init()
	pacingDelaySeconds.WithLabelValues(source, phase).Observe(d.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveBrowserPromotion counts one page re-fetched through the browser.
func ObserveBrowserPromotion(rawURL string) {
	Init()
	browserPromotionsTotal.WithLabelValues(SanitizeSite(rawURL)).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
