// Package metrics provides counters, Prometheus collectors, and HTTP
// handlers for exporting build and API runtime metrics.
package metrics

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 1. Internal State (Source of Truth)
var (
	buildsSucceeded int64
	buildsFailed    int64
	layerCacheHits  int64
	layerCacheMiss  int64
	httpRequests    int64
	httpErrors      int64
	crawlsCompleted int64
	crawlsFailed    int64
	lastBuild       int64
)

const counterInc int64 = 1

// 2. Prometheus Collectors
var (
	promBuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "showup_image_builds_total",
			Help: "Total image builds by outcome",
		},
		[]string{"status"},
	)
	promLayerCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "showup_layer_cache_total",
			Help: "Layer cache lookups by result",
		},
		[]string{"step", "result"},
	)
	promStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "showup_build_step_duration_seconds",
			Help: "Duration of executed (non-cached) build steps",
			Buckets: []float64{
				0.1,
				0.5,
				1,
				5,
				15,
				30,
				60,
				300,
				900,
			},
		},
		[]string{"step"},
	)
	promHTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "showup_http_requests_total",
			Help: "HTTP requests served by route and status code",
		},
		[]string{"route", "code"},
	)
	promHTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "showup_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	promCrawlJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "showup_crawl_jobs_total",
			Help: "Crawl jobs by final status",
		},
		[]string{"spider", "status"},
	)
	promLastBuild = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "showup_last_build_timestamp_seconds",
			Help: "Unix timestamp of the last finished build",
		},
	)
)

func init() {
	prometheus.MustRegister(
		promBuilds,
		promLayerCache,
		promStepDuration,
		promHTTPRequests,
		promHTTPDuration,
		promCrawlJobs,
		promLastBuild,
	)
}

// 3. Public API (Updates both Atomic and Prometheus)

// IncBuild records a finished build and stamps the last-build gauge.
func IncBuild(success bool, at time.Time) {
	if success {
		atomic.AddInt64(&buildsSucceeded, counterInc)
		promBuilds.WithLabelValues("success").Inc()
	} else {
		atomic.AddInt64(&buildsFailed, counterInc)
		promBuilds.WithLabelValues("failure").Inc()
	}
	atomic.StoreInt64(&lastBuild, at.Unix())
	promLastBuild.Set(float64(at.Unix()))
}

// IncLayerCacheHit counts a step whose cached layer was reused.
func IncLayerCacheHit(step string) {
	atomic.AddInt64(&layerCacheHits, counterInc)
	promLayerCache.WithLabelValues(step, "hit").Inc()
}

// IncLayerCacheMiss counts a step that had to be executed.
func IncLayerCacheMiss(step string) {
	atomic.AddInt64(&layerCacheMiss, counterInc)
	promLayerCache.WithLabelValues(step, "miss").Inc()
}

// ObserveStepDuration records the duration of an executed build step.
func ObserveStepDuration(step string, d time.Duration) {
	promStepDuration.WithLabelValues(step).Observe(d.Seconds())
}

// ObserveHTTPRequest records one served request. route is the mux pattern,
// never the raw path, to keep label cardinality bounded.
func ObserveHTTPRequest(route string, code int, d time.Duration) {
	atomic.AddInt64(&httpRequests, counterInc)
	if code >= 500 {
		atomic.AddInt64(&httpErrors, counterInc)
	}
	promHTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	promHTTPDuration.WithLabelValues(route).Observe(d.Seconds())
}

// IncCrawlJob records a crawl job reaching a final status.
func IncCrawlJob(spider, status string) {
	switch status {
	case "completed":
		atomic.AddInt64(&crawlsCompleted, counterInc)
	case "failed":
		atomic.AddInt64(&crawlsFailed, counterInc)
	}
	promCrawlJobs.WithLabelValues(spider, status).Inc()
}

// 4. JSON Snapshot Struct

// StatsSnapshot is a snapshot of metrics for JSON encoding.
type StatsSnapshot struct {
	BuildsSucceeded int64  `json:"builds_succeeded"`
	BuildsFailed    int64  `json:"builds_failed"`
	LayerCacheHits  int64  `json:"layer_cache_hits"`
	LayerCacheMiss  int64  `json:"layer_cache_misses"`
	HTTPRequests    int64  `json:"http_requests"`
	HTTPErrors      int64  `json:"http_errors"`
	CrawlsCompleted int64  `json:"crawls_completed"`
	CrawlsFailed    int64  `json:"crawls_failed"`
	LastBuild       int64  `json:"last_build_timestamp"`
	LastBuildHuman  string `json:"last_build_human"`
}

// GetSnapshot returns a StatsSnapshot with the current values of all
// internal counters and timestamps.
func GetSnapshot() StatsSnapshot {
	ts := atomic.LoadInt64(&lastBuild)
	human := ""
	if ts > 0 {
		human = time.Unix(ts, 0).UTC().Format(time.RFC3339)
	}
	return StatsSnapshot{
		BuildsSucceeded: atomic.LoadInt64(&buildsSucceeded),
		BuildsFailed:    atomic.LoadInt64(&buildsFailed),
		LayerCacheHits:  atomic.LoadInt64(&layerCacheHits),
		LayerCacheMiss:  atomic.LoadInt64(&layerCacheMiss),
		HTTPRequests:    atomic.LoadInt64(&httpRequests),
		HTTPErrors:      atomic.LoadInt64(&httpErrors),
		CrawlsCompleted: atomic.LoadInt64(&crawlsCompleted),
		CrawlsFailed:    atomic.LoadInt64(&crawlsFailed),
		LastBuild:       ts,
		LastBuildHuman:  human,
	}
}

// 5. Handlers

// PromHandler returns an HTTP handler that exposes Prometheus metrics.
func PromHandler() http.Handler { return promhttp.Handler() }

// JSONHandler returns an HTTP handler that serves the current metrics as
// a JSON-encoded StatsSnapshot.
func JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(GetSnapshot())
	})
}

// Mux returns the mux served on the dedicated metrics port.
func Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", PromHandler())
	mux.Handle("/status", JSONHandler())
	return mux
}
