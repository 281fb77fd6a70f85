package kvload

import (
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/streadway/quantile"
)

// LatencyMetrics latency distribution of iterations with one label
type LatencyMetrics struct {
	Total time.Duration `json:"total"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"50th"`
	P95   time.Duration `json:"95th"`
	P99   time.Duration `json:"99th"`
	Max   time.Duration `json:"max"`
}

// Metrics aggregates results of iterations with the same label
type Metrics struct {
	mu sync.Mutex
	// Latencies holds computed request latency metrics.
	Latencies LatencyMetrics `json:"latencies"`
	// First is the earliest timestamp in a Result set.
	First time.Time `json:"first"`
	// Last is the latest timestamp in a Result set.
	Last time.Time `json:"last"`
	// Duration is the duration of the attack.
	Duration time.Duration `json:"duration"`
	// BytesIn total bytes sent
	BytesIn int64 `json:"bytesIn"`
	// BytesOut total bytes received
	BytesOut int64 `json:"bytesOut"`
	// Requests is the total number of iterations executed.
	Requests uint64 `json:"requests"`
	// Rate is the rate of iterations per second.
	Rate float64 `json:"rate"`
	// Success is the percentage of non-error results.
	Success float64 `json:"success"`
	// StatusCodes is a histogram of the responses' status codes.
	StatusCodes map[string]int `json:"statusCodes"`
	// Errors is a set of unique errors returned by the targets during the attack.
	Errors []string `json:"errors"`

	errorsSet map[string]struct{}
	success   uint64
	estimator *quantile.Estimator
}

func newEstimator() *quantile.Estimator {
	return quantile.New(
		quantile.Known(0.50, 0.01),
		quantile.Known(0.90, 0.005),
		quantile.Known(0.95, 0.001),
		quantile.Known(0.99, 0.0005),
	)
}

// NewMetrics creates empty metrics
func NewMetrics() *Metrics {
	return &Metrics{
		StatusCodes: map[string]int{},
		Errors:      []string{},
		errorsSet:   map[string]struct{}{},
		estimator:   newEstimator(),
	}
}

func (m *Metrics) add(r result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests++
	m.StatusCodes[strconv.Itoa(r.doResult.StatusCode)]++
	m.BytesOut += r.doResult.BytesOut
	m.BytesIn += r.doResult.BytesIn
	m.Latencies.Total += r.elapsed
	m.estimator.Add(float64(r.elapsed))
	if m.First.IsZero() || m.First.After(r.begin) {
		m.First = r.begin
	}
	if r.end.After(m.Last) {
		m.Last = r.end
	}
	if r.elapsed > m.Latencies.Max {
		m.Latencies.Max = r.elapsed
	}
	if r.doResult.Error != nil {
		if _, ok := m.errorsSet[r.doResult.Error.Error()]; !ok {
			m.errorsSet[r.doResult.Error.Error()] = struct{}{}
			m.Errors = append(m.Errors, r.doResult.Error.Error())
		}
	} else {
		m.success++
	}
}

func (m *Metrics) updateLatencies() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Requests == 0 {
		return
	}
	m.Duration = m.Last.Sub(m.First)
	if secs := m.Duration.Seconds(); secs > 0 {
		m.Rate = float64(m.Requests) / secs
	}
	m.Latencies.Mean = time.Duration(float64(m.Latencies.Total) / float64(m.Requests))
	m.Latencies.P50 = time.Duration(m.estimator.Get(0.50))
	m.Latencies.P95 = time.Duration(m.estimator.Get(0.95))
	m.Latencies.P99 = time.Duration(m.estimator.Get(0.99))
}

func (m *Metrics) updateSuccessRatio() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Requests == 0 {
		return
	}
	m.Success = float64(m.success) / float64(m.Requests)
}

// FailRatio ratio of failed iterations so far
func (m *Metrics) FailRatio() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Requests == 0 {
		return 0
	}
	return 1 - float64(m.success)/float64(m.Requests)
}

func (m *Metrics) meanLogEntry() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Latencies.Mean
}

func (m *Metrics) successLogEntry() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(math.Round(m.Success * 100))
}

// TrendSummary summary of a trend, values are milliseconds
type TrendSummary struct {
	Count int64   `json:"count"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Med   float64 `json:"med"`
	Max   float64 `json:"max"`
	P90   float64 `json:"p(90)"`
	P95   float64 `json:"p(95)"`
	P99   float64 `json:"p(99)"`
}

// Trend is a named series of millisecond samples
type Trend struct {
	Name string

	mu        sync.Mutex
	count     int64
	sum       float64
	min, max  float64
	estimator *quantile.Estimator
	sink      func(name string, v float64)
}

// NewTrend creates an empty trend
func NewTrend(name string) *Trend {
	return &Trend{
		Name:      name,
		estimator: newEstimator(),
	}
}

// Add records one sample
func (t *Trend) Add(v float64) {
	t.mu.Lock()
	if t.count == 0 || v < t.min {
		t.min = v
	}
	if t.count == 0 || v > t.max {
		t.max = v
	}
	t.count++
	t.sum += v
	t.estimator.Add(v)
	t.mu.Unlock()
	if t.sink != nil {
		t.sink(t.Name, v)
	}
}

// AddDuration records duration as milliseconds
func (t *Trend) AddDuration(d time.Duration) {
	t.Add(Millis(d))
}

// Count returns number of samples
func (t *Trend) Count() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Summary computes trend statistics, zero summary for an empty trend
func (t *Trend) Summary() TrendSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count == 0 {
		return TrendSummary{}
	}
	return TrendSummary{
		Count: t.count,
		Avg:   t.sum / float64(t.count),
		Min:   t.min,
		Med:   t.estimator.Get(0.50),
		Max:   t.max,
		P90:   t.estimator.Get(0.90),
		P95:   t.estimator.Get(0.95),
		P99:   t.estimator.Get(0.99),
	}
}

func (s TrendSummary) String() string {
	return fmt.Sprintf("avg=%.2fms min=%.2fms med=%.2fms max=%.2fms p(90)=%.2fms p(95)=%.2fms",
		s.Avg, s.Min, s.Med, s.Max, s.P90, s.P95)
}

// Millis converts duration to float milliseconds
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// MaxRPS max of per second rates observed during ramp up
func MaxRPS(rateLog []float64) float64 {
	var max float64
	for _, r := range rateLog {
		if r > max {
			max = r
		}
	}
	return max
}
