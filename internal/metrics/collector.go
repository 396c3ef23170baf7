// Package metrics collects runtime statistics: in-memory operation stats for
// admin endpoints and Prometheus instruments for scraping.
package metrics

import (
	"math"
	"sync"
	"time"
)

// Operation names for the collector.
const (
	OpEmbedding      = "embedding"
	OpLLMGenerate    = "llm_generate"
	OpEvidenceSearch = "evidence_search"
	OpJobProcess     = "job_process"
)

// operationStats holds aggregated raw values for one operation.
type operationStats struct {
	count        int64
	totalTime    time.Duration
	minTime      time.Duration
	maxTime      time.Duration
	inputTokens  int64
	outputTokens int64
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64   `json:"count"`
	TotalTimeMs int64   `json:"total_time_ms"`
	AvgTimeMs   float64 `json:"avg_time_ms"`
	MinTimeMs   int64   `json:"min_time_ms"`
	MaxTimeMs   int64   `json:"max_time_ms"`

	// Token stats, only for generation calls
	TotalInputTokens  *int64   `json:"total_input_tokens,omitempty"`
	TotalOutputTokens *int64   `json:"total_output_tokens,omitempty"`
	AvgInputTokens    *float64 `json:"avg_input_tokens,omitempty"`
	AvgOutputTokens   *float64 `json:"avg_output_tokens,omitempty"`
}

// Snapshot is the process statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64                       `json:"uptime_seconds"`
	Operations    map[string]*OperationSnapshot `json:"operations"`
}

// Collector aggregates in-memory runtime statistics.
// All methods are safe for concurrent use.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*operationStats
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*operationStats),
	}
}

// record updates timing for op. Caller must hold the write lock.
func (c *Collector) record(op string, duration time.Duration) *operationStats {
	m, ok := c.ops[op]
	if !ok {
		m = &operationStats{minTime: time.Duration(math.MaxInt64)}
		c.ops[op] = m
	}
	m.count++
	m.totalTime += duration
	m.minTime = min(m.minTime, duration)
	m.maxTime = max(m.maxTime, duration)
	return m
}

// RecordTiming records timing for an operation.
func (c *Collector) RecordTiming(op string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(op, duration)
}

// RecordLLMUsage records timing and token usage for a generation call.
func (c *Collector) RecordLLMUsage(op string, duration time.Duration, inputTokens, outputTokens int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.record(op, duration)
	m.inputTokens += inputTokens
	m.outputTokens += outputTokens
}

func (m *operationStats) snapshot() *OperationSnapshot {
	snap := &OperationSnapshot{
		Count:       m.count,
		TotalTimeMs: m.totalTime.Milliseconds(),
		AvgTimeMs:   float64(m.totalTime.Milliseconds()) / float64(m.count),
		MinTimeMs:   m.minTime.Milliseconds(),
		MaxTimeMs:   m.maxTime.Milliseconds(),
	}
	if m.inputTokens > 0 || m.outputTokens > 0 {
		in, out := m.inputTokens, m.outputTokens
		avgIn := float64(in) / float64(m.count)
		avgOut := float64(out) / float64(m.count)
		snap.TotalInputTokens = &in
		snap.TotalOutputTokens = &out
		snap.AvgInputTokens = &avgIn
		snap.AvgOutputTokens = &avgOut
	}
	return snap
}

// Snapshot returns a point-in-time snapshot of all recorded operations.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ops := make(map[string]*OperationSnapshot, len(c.ops))
	for name, m := range c.ops {
		if m.count > 0 {
			ops[name] = m.snapshot()
		}
	}
	return Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Operations:    ops,
	}
}
