// Package telemetry keeps in-process metrics and serves them in the
// Prometheus text exposition format.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// histogram keeps non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	mu           sync.Mutex
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{boundaries: boundaries, bucketCounts: make([]int64, len(boundaries))}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	for {
		old := atomic.LoadUint64(&h.sum)
		if atomic.CompareAndSwapUint64(&h.sum, old, math.Float64bits(math.Float64frombits(old)+v)) {
			break
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) cumulative() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int64, len(h.bucketCounts))
	var running int64
	for i, c := range h.bucketCounts {
		running += c
		out[i] = running
	}
	return out
}

// Metrics is the registry of the service. The zero value is not usable;
// call NewMetrics.
type Metrics struct {
	mu         sync.RWMutex
	counters   map[string]*int64
	durations  map[string]*histogram
	activeReqs int64
}

func NewMetrics() *Metrics {
	return &Metrics{
		counters:  make(map[string]*int64),
		durations: make(map[string]*histogram),
	}
}

// counterKey joins a metric name and its label pairs. Label values must not
// contain '|'.
func counterKey(name string, labels ...string) string {
	return strings.Join(append([]string{name}, labels...), "|")
}

// Add increments the counter name{labels} by n. Labels are key, value
// pairs.
func (m *Metrics) Add(name string, n int64, labels ...string) {
	key := counterKey(name, labels...)
	m.mu.RLock()
	p, ok := m.counters[key]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if p, ok = m.counters[key]; !ok {
			p = new(int64)
			m.counters[key] = p
		}
		m.mu.Unlock()
	}
	atomic.AddInt64(p, n)
}

// Counter returns the current value of name{labels}.
func (m *Metrics) Counter(name string, labels ...string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.counters[counterKey(name, labels...)]; ok {
		return atomic.LoadInt64(p)
	}
	return 0
}

// RecordDispatch counts the outcome of one dispatcher pass.
func (m *Metrics) RecordDispatch(fired, failed int) {
	if fired > 0 {
		m.Add("reminders_fired_total", int64(fired))
	}
	if failed > 0 {
		m.Add("reminders_failed_total", int64(failed))
	}
}

func (m *Metrics) observeDuration(method, route string, status int, d time.Duration) {
	key := counterKey("", method, route, strconv.Itoa(status))
	m.mu.RLock()
	h, ok := m.durations[key]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if h, ok = m.durations[key]; !ok {
			h = newHistogram(defaultDurationBuckets)
			m.durations[key] = h
		}
		m.mu.Unlock()
	}
	h.Observe(d.Seconds())
}

// Middleware records request counts and latencies by route pattern.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&m.activeReqs, 1)
			defer atomic.AddInt64(&m.activeReqs, -1)

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			m.Add("http_requests_total", 1, "method", method, "route", route, "status", strconv.Itoa(status))
			m.observeDuration(method, route, status, time.Since(start))
			return err
		}
	}
}

// Handler serves every metric in the Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.String(http.StatusOK, m.render())
	}
}

func (m *Metrics) render() string {
	m.mu.RLock()
	counters := make(map[string]int64, len(m.counters))
	for k, p := range m.counters {
		counters[k] = atomic.LoadInt64(p)
	}
	durations := make(map[string]*histogram, len(m.durations))
	for k, h := range m.durations {
		durations[k] = h
	}
	m.mu.RUnlock()

	var b strings.Builder

	byName := map[string][]string{}
	for key := range counters {
		name := strings.SplitN(key, "|", 2)[0]
		byName[name] = append(byName[name], key)
	}
	for _, name := range sortedKeys(byName) {
		fmt.Fprintf(&b, "# TYPE %s counter\n", name)
		keys := byName[name]
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Fprintf(&b, "%s%s %d\n", name, formatLabels(strings.Split(key, "|")[1:]), counters[key])
		}
	}

	b.WriteString("# TYPE http_active_requests gauge\n")
	fmt.Fprintf(&b, "http_active_requests %d\n", atomic.LoadInt64(&m.activeReqs))

	b.WriteString("# TYPE http_request_duration_seconds histogram\n")
	for _, key := range sortedKeys(durations) {
		parts := strings.Split(key, "|")
		labels := []string{"method", parts[1], "route", parts[2], "status", parts[3]}
		h := durations[key]
		for i, le := range h.cumulative() {
			fmt.Fprintf(&b, "http_request_duration_seconds_bucket%s %d\n",
				formatLabels(append(labels, "le", strconv.FormatFloat(h.boundaries[i], 'g', -1, 64))), le)
		}
		count := atomic.LoadInt64(&h.count)
		fmt.Fprintf(&b, "http_request_duration_seconds_bucket%s %d\n", formatLabels(append(labels, "le", "+Inf")), count)
		fmt.Fprintf(&b, "http_request_duration_seconds_sum%s %g\n", formatLabels(labels), math.Float64frombits(atomic.LoadUint64(&h.sum)))
		fmt.Fprintf(&b, "http_request_duration_seconds_count%s %d\n", formatLabels(labels), count)
	}
	return b.String()
}

func formatLabels(pairs []string) string {
	if len(pairs) < 2 {
		return ""
	}
	parts := make([]string, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		parts = append(parts, fmt.Sprintf("%s=%q", pairs[i], pairs[i+1]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
