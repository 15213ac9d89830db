// Package metrics tracks gateway request counters and latencies and
// exposes them in the Prometheus text exposition format. Reads are
// side-effect free.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Collector tracks gateway metrics for text-format export.
type Collector struct {
	mu sync.RWMutex

	// requestsTotal is keyed api|method|status.
	requestsTotal map[string]int64
	// statusTotal is keyed by status code alone for the per-status
	// breakdown.
	statusTotal map[int]int64
	// requestDurations is keyed by api.
	requestDurations map[string]*HistogramData

	upstreamErrors map[string]int64 // key: api
	usageDropped   int64
}

// HistogramData stores histogram-like data for durations
type HistogramData struct {
	Count   int64
	Sum     float64
	Buckets map[float64]int64 // upper bound -> count
}

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		requestsTotal:    make(map[string]int64),
		statusTotal:      make(map[int]int64),
		requestDurations: make(map[string]*HistogramData),
		upstreamErrors:   make(map[string]int64),
	}
}

// RecordRequest records a completed request
func (c *Collector) RecordRequest(api, method string, statusCode int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := api + "|" + method + "|" + strconv.Itoa(statusCode)
	c.requestsTotal[key]++
	c.statusTotal[statusCode]++

	hd, ok := c.requestDurations[api]
	if !ok {
		hd = &HistogramData{
			Buckets: make(map[float64]int64, len(DefaultBuckets)),
		}
		c.requestDurations[api] = hd
	}

	secs := duration.Seconds()
	hd.Count++
	hd.Sum += secs
	for _, bound := range DefaultBuckets {
		if secs <= bound {
			hd.Buckets[bound]++
		}
	}
}

// RecordUpstreamError records a failed upstream round trip.
func (c *Collector) RecordUpstreamError(api string) {
	c.mu.Lock()
	c.upstreamErrors[api]++
	c.mu.Unlock()
}

// RecordUsageDropped records a usage record lost to a full buffer.
func (c *Collector) RecordUsageDropped() {
	c.mu.Lock()
	c.usageDropped++
	c.mu.Unlock()
}

// AverageLatency returns the mean request duration for an API, zero when
// nothing has been recorded.
func (c *Collector) AverageLatency(api string) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hd, ok := c.requestDurations[api]
	if !ok || hd.Count == 0 {
		return 0
	}
	return time.Duration(hd.Sum / float64(hd.Count) * float64(time.Second))
}

// WritePrometheus writes metrics in Prometheus text exposition format
func (c *Collector) WritePrometheus(w http.ResponseWriter) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	writeHelp(w, "gateway_requests_total", "Total number of requests", "counter")
	for key, count := range c.requestsTotal {
		parts := splitKey(key, 3)
		if len(parts) == 3 {
			writeMetric(w, "gateway_requests_total", count,
				"api", parts[0], "method", parts[1], "status", parts[2])
		}
	}

	writeHelp(w, "gateway_responses_by_status_total", "Responses by status code", "counter")
	for status, count := range c.statusTotal {
		writeMetric(w, "gateway_responses_by_status_total", count,
			"status", strconv.Itoa(status))
	}

	writeHelp(w, "gateway_request_duration_seconds", "Request duration in seconds", "histogram")
	for api, hd := range c.requestDurations {
		for _, bound := range DefaultBuckets {
			writeMetricFloat(w, "gateway_request_duration_seconds_bucket", float64(hd.Buckets[bound]),
				"api", api, "le", strconv.FormatFloat(bound, 'f', -1, 64))
		}
		writeMetricFloat(w, "gateway_request_duration_seconds_bucket", float64(hd.Count),
			"api", api, "le", "+Inf")
		writeMetricFloat(w, "gateway_request_duration_seconds_sum", hd.Sum,
			"api", api)
		writeMetric(w, "gateway_request_duration_seconds_count", hd.Count,
			"api", api)
	}

	writeHelp(w, "gateway_upstream_errors_total", "Failed upstream round trips", "counter")
	for api, count := range c.upstreamErrors {
		writeMetric(w, "gateway_upstream_errors_total", count, "api", api)
	}

	writeHelp(w, "gateway_usage_records_dropped_total", "Usage records lost to a full buffer", "counter")
	writeMetric(w, "gateway_usage_records_dropped_total", c.usageDropped)
}

func writeHelp(w http.ResponseWriter, name, help, metricType string) {
	w.Write([]byte("# HELP " + name + " " + help + "\n"))
	w.Write([]byte("# TYPE " + name + " " + metricType + "\n"))
}

func writeMetric(w http.ResponseWriter, name string, value int64, labels ...string) {
	line := name + formatLabels(labels) + " " + strconv.FormatInt(value, 10) + "\n"
	w.Write([]byte(line))
}

func writeMetricFloat(w http.ResponseWriter, name string, value float64, labels ...string) {
	line := name + formatLabels(labels) + " " + strconv.FormatFloat(value, 'f', -1, 64) + "\n"
	w.Write([]byte(line))
}

func formatLabels(labels []string) string {
	if len(labels) == 0 {
		return ""
	}
	result := "{"
	for i := 0; i < len(labels)-1; i += 2 {
		if i > 0 {
			result += ","
		}
		result += labels[i] + "=\"" + labels[i+1] + "\""
	}
	return result + "}"
}

func splitKey(key string, n int) []string {
	parts := make([]string, 0, n)
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			parts = append(parts, key[start:i])
			start = i + 1
			if len(parts) == n-1 {
				parts = append(parts, key[start:])
				return parts
			}
		}
	}
	if start < len(key) {
		parts = append(parts, key[start:])
	}
	return parts
}
