package observability

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemoryMetricsClient is a MetricsClient that aggregates metrics in process
// memory. It backs the stats endpoint and keeps tests free of external
// collectors. Label sets are folded into the metric name for counter storage.
type InMemoryMetricsClient struct {
	mu       sync.RWMutex
	counters map[string]float64
	gauges   map[string]float64
}

// NewMetricsClient creates a new in-memory metrics client
func NewMetricsClient() MetricsClient {
	return &InMemoryMetricsClient{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
	}
}

func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(name)
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf(",%s=%s", k, labels[k]))
	}
	return sb.String()
}

// IncrementCounter increments a counter without labels
func (m *InMemoryMetricsClient) IncrementCounter(name string, value float64) {
	m.IncrementCounterWithLabels(name, value, nil)
}

// IncrementCounterWithLabels increments a labeled counter
func (m *InMemoryMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[metricKey(name, labels)] += value
}

// RecordGauge sets a gauge value
func (m *InMemoryMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[metricKey(name, labels)] = value
}

// RecordLatency records an operation latency as a counter pair (sum, count)
func (m *InMemoryMetricsClient) RecordLatency(operation string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[operation+".latency_seconds_sum"] += duration.Seconds()
	m.counters[operation+".latency_count"]++
}

// RecordCacheOperation records a cache operation outcome
func (m *InMemoryMetricsClient) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
	m.IncrementCounterWithLabels("cache.operation", 1, map[string]string{
		"op":      operation,
		"success": fmt.Sprintf("%t", success),
	})
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters["cache.operation.duration_seconds"] += durationSeconds
}

// StartTimer returns a func that records elapsed time when called
func (m *InMemoryMetricsClient) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		m.RecordLatency(metricKey(name, labels), time.Since(start))
	}
}

// Counters returns a snapshot of all counters
func (m *InMemoryMetricsClient) Counters() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot := make(map[string]float64, len(m.counters))
	for k, v := range m.counters {
		snapshot[k] = v
	}
	return snapshot
}

// Close releases resources held by the client
func (m *InMemoryMetricsClient) Close() error {
	return nil
}
