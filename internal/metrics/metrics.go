// Package metrics owns the process-wide Prometheus collectors and the
// rolling login-performance counters the API exposes.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts finished requests by method, route and
	// status class.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solanagram_http_requests_total",
		Help: "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	// HTTPRequestDuration tracks request latency per route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "solanagram_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	// LoginDuration mirrors the login tracker into a histogram.
	LoginDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "solanagram_login_duration_seconds",
		Help:    "Telegram login round trip latency.",
		Buckets: prometheus.DefBuckets,
	})

	// WorkersRunning is the supervisor's view of live workers, by type.
	WorkersRunning = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "solanagram_workers_running",
		Help: "Worker containers believed running, by type.",
	}, []string{"type"})

	// TelegramErrors counts classified Telegram failures.
	TelegramErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solanagram_telegram_errors_total",
		Help: "Classified Telegram errors by class.",
	}, []string{"class"})
)

const ringSize = 10

// LoginTracker keeps rolling login counters: totals plus the last ten
// attempt durations in milliseconds.
type LoginTracker struct {
	mu      sync.Mutex
	total   int64
	success int64
	failed  int64
	ring    [ringSize]float64
	filled  int
	next    int
}

// LoginStats is the wire shape of /api/metrics/login-performance.
type LoginStats struct {
	TotalRequests      int64     `json:"total_requests"`
	SuccessfulRequests int64     `json:"successful_requests"`
	FailedRequests     int64     `json:"failed_requests"`
	LastTenTimes       []float64 `json:"last_10_times"`
	AvgTime            float64   `json:"avg_time"`
}

func NewLoginTracker() *LoginTracker {
	return &LoginTracker{}
}

// Record notes one login attempt and feeds the Prometheus histogram.
func (t *LoginTracker) Record(d time.Duration, success bool) {
	LoginDuration.Observe(d.Seconds())

	ms := d.Seconds() * 1000
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total++
	if success {
		t.success++
	} else {
		t.failed++
	}
	t.ring[t.next] = ms
	t.next = (t.next + 1) % ringSize
	if t.filled < ringSize {
		t.filled++
	}
}

// Stats snapshots the counters. Times come back oldest first.
func (t *LoginTracker) Stats() LoginStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	times := make([]float64, 0, t.filled)
	start := t.next - t.filled
	if start < 0 {
		start += ringSize
	}
	var sum float64
	for i := 0; i < t.filled; i++ {
		v := t.ring[(start+i)%ringSize]
		times = append(times, v)
		sum += v
	}

	stats := LoginStats{
		TotalRequests:      t.total,
		SuccessfulRequests: t.success,
		FailedRequests:     t.failed,
		LastTenTimes:       times,
	}
	if len(times) > 0 {
		stats.AvgTime = sum / float64(len(times))
	}
	return stats
}
