package adapter

import (
	"sync"
	"time"
)

// Metrics tracks execution counts for status reporting.
type Metrics struct {
	mu       sync.RWMutex
	requests int64
	errors   int64
	duration time.Duration
}

// Stats is a point-in-time copy of Metrics.
type Stats struct {
	Requests      int64         `json:"requests"`
	Errors        int64         `json:"errors"`
	TotalDuration time.Duration `json:"total_duration"`
}

// NewMetrics creates a new metrics tracker
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordRequest records a request that reached the provider.
func (m *Metrics) RecordRequest(duration time.Duration) {
	m.mu.Lock()
	m.requests++
	m.duration += duration
	m.mu.Unlock()
}

// RecordError records a request that ended in an adapter error.
func (m *Metrics) RecordError() {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}

// Stats returns current metrics
func (m *Metrics) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{Requests: m.requests, Errors: m.errors, TotalDuration: m.duration}
}
