package metrics

import (
	"sync"
	"time"
)

// TimerMetric captures timing information
type TimerMetric struct {
	Count         int64   `json:"count"`
	TotalTimeMs   int64   `json:"total_time_ms"`
	AverageTimeMs float64 `json:"average_time_ms"`
	MinTimeMs     int64   `json:"min_time_ms"`
	MaxTimeMs     int64   `json:"max_time_ms"`
}

// Metrics is an in-memory metrics collector for counters, gauges and timers
type Metrics struct {
	mu       sync.RWMutex
	counters map[string]int64
	gauges   map[string]int64
	timers   map[string]*timerData
}

type timerData struct {
	count       int64
	totalTimeMs int64
	minTimeMs   int64
	maxTimeMs   int64
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		counters: make(map[string]int64),
		gauges:   make(map[string]int64),
		timers:   make(map[string]*timerData),
	}
}

// IncrementCounter increments a counter by one
func (m *Metrics) IncrementCounter(name string) {
	m.AddToCounter(name, 1)
}

// AddToCounter adds a value to a counter
func (m *Metrics) AddToCounter(name string, value int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += value
}

// SetGauge sets a gauge to a point-in-time value
func (m *Metrics) SetGauge(name string, value int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
}

// RecordTimer records a duration measurement
func (m *Metrics) RecordTimer(name string, d time.Duration) {
	ms := d.Milliseconds()

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.timers[name]
	if !ok {
		t = &timerData{minTimeMs: ms, maxTimeMs: ms}
		m.timers[name] = t
	}

	t.count++
	t.totalTimeMs += ms
	if ms < t.minTimeMs {
		t.minTimeMs = ms
	}
	if ms > t.maxTimeMs {
		t.maxTimeMs = ms
	}
}

// GetCounter returns the current value of a counter
func (m *Metrics) GetCounter(name string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[name]
}

// GetAllMetrics returns a snapshot of all collected metrics
func (m *Metrics) GetAllMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counters := make(map[string]int64, len(m.counters))
	for name, value := range m.counters {
		counters[name] = value
	}

	gauges := make(map[string]int64, len(m.gauges))
	for name, value := range m.gauges {
		gauges[name] = value
	}

	timers := make(map[string]TimerMetric, len(m.timers))
	for name, t := range m.timers {
		avg := float64(0)
		if t.count > 0 {
			avg = float64(t.totalTimeMs) / float64(t.count)
		}
		timers[name] = TimerMetric{
			Count:         t.count,
			TotalTimeMs:   t.totalTimeMs,
			AverageTimeMs: avg,
			MinTimeMs:     t.minTimeMs,
			MaxTimeMs:     t.maxTimeMs,
		}
	}

	return map[string]interface{}{
		"counters": counters,
		"gauges":   gauges,
		"timers":   timers,
	}
}
