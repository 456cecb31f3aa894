// Package metrics collects and exposes runtime observability data for the
// execution engine.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (per-contract counters + time series)
//     for the lightweight JSON /metrics endpoint used by the dashboard.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems (Grafana, Alertmanager, etc.).
//
// Keeping both allows the dashboard to work without a Prometheus sidecar
// while still supporting enterprise monitoring stacks.
//
// # Concurrency — hot path
//
// RecordBlockExecution is called from the Coordinator's dispatch loop on
// every block step and must be as fast as possible. It uses atomic
// increments for global counters and dispatches a lightweight event onto a
// buffered channel (tsChan) for the time-series worker to process
// asynchronously. This avoids holding any lock on the hot path.
//
// The per-contract ContractMetrics struct also uses atomic operations
// exclusively; the sync.Map that stores the per-contract entries is
// read-heavy and write-once-per-new-contract, which is the ideal use case
// for sync.Map.
//
// # Invariants
//
//   - TotalBlocks == SuccessBlocks + FailedBlocks (maintained by
//     RecordBlockExecution).
//   - The time-series ring buffer holds at most timeSeriesBucketCount
//     buckets (24 * 60 = 1440 for the last 24 hours at 1-minute
//     granularity).
//   - tsChan capacity is 8192 events; events dropped when full are counted
//     in tsDroppedEvents for observability.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	timeSeriesBucketDuration = time.Minute
	timeSeriesBucketCount    = 24 * 60
)

// TimeSeriesBucket stores metrics for a single time bucket.
type TimeSeriesBucket struct {
	Timestamp    time.Time
	Blocks       int64
	Errors       int64
	TotalLatency int64
	Count        int64 // for calculating avg
}

// Metrics collects and exposes runtime metrics.
type Metrics struct {
	// Block-dispatch metrics
	TotalBlocks  atomic.Int64
	SuccessBlocks atomic.Int64
	FailedBlocks atomic.Int64
	YieldedBlocks atomic.Int64

	// Latency metrics (in milliseconds)
	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	// Session metrics
	SessionsStarted   atomic.Int64
	SessionsCompleted atomic.Int64
	SessionsFailed    atomic.Int64
	SessionsCancelled atomic.Int64

	// VM metrics
	VMRuns       atomic.Int64
	VMOutOfGas   atomic.Int64
	VMErrors     atomic.Int64
	GasConsumed  atomic.Int64

	// Per-contract metrics
	contractMetrics sync.Map // contract name -> *ContractMetrics

	// Time-series data (minute buckets for last 24 hours)
	timeSeriesMu    sync.RWMutex
	timeSeries      []*TimeSeriesBucket
	tsChan          chan timeSeriesEvent
	tsDroppedEvents atomic.Int64

	startTime time.Time
}

// timeSeriesEvent is sent over a channel to avoid write-lock contention on the hot path.
type timeSeriesEvent struct {
	durationMs int64
	isError    bool
}

// ContractMetrics tracks metrics for a single compiled contract.
type ContractMetrics struct {
	Blocks   atomic.Int64
	Successes atomic.Int64
	Failures atomic.Int64
	TotalMs  atomic.Int64
	MinMs    atomic.Int64
	MaxMs    atomic.Int64
}

// Global metrics instance.
var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinLatencyMs.Store(int64(^uint64(0) >> 1)) // Max int64
	global.tsChan = make(chan timeSeriesEvent, 8192)
	global.initTimeSeries()
	go global.processTimeSeriesLoop()
}

// initTimeSeries initializes minute-level buckets for the last 24 hours.
func (m *Metrics) initTimeSeries() {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)
	m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
	for i := 0; i < timeSeriesBucketCount; i++ {
		m.timeSeries[i] = &TimeSeriesBucket{
			Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
		}
	}
}

// Global returns the global metrics instance.
func Global() *Metrics {
	return global
}

// StartTime returns the time when the metrics system was initialized.
func StartTime() time.Time {
	return global.startTime
}

// RecordBlockExecution records the dispatch of a single block within a
// contract.
func (m *Metrics) RecordBlockExecution(contractName, blockKind string, durationMs int64, success bool) {
	m.TotalBlocks.Add(1)
	if success {
		m.SuccessBlocks.Add(1)
	} else {
		m.FailedBlocks.Add(1)
	}

	m.TotalLatencyMs.Add(durationMs)
	updateMin(&m.MinLatencyMs, durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)

	cm := m.getContractMetrics(contractName)
	cm.Blocks.Add(1)
	if success {
		cm.Successes.Add(1)
	} else {
		cm.Failures.Add(1)
	}
	cm.TotalMs.Add(durationMs)
	updateMin(&cm.MinMs, durationMs)
	updateMax(&cm.MaxMs, durationMs)

	m.recordTimeSeries(durationMs, !success)
	RecordPrometheusBlock(contractName, blockKind, durationMs, success)
}

// RecordSessionStarted records a new session entering Running state.
func (m *Metrics) RecordSessionStarted() {
	m.SessionsStarted.Add(1)
	RecordPrometheusSessionTransition("started")
}

// RecordSessionTerminal records a session reaching a terminal state.
func (m *Metrics) RecordSessionTerminal(status string) {
	switch status {
	case "completed":
		m.SessionsCompleted.Add(1)
	case "failed":
		m.SessionsFailed.Add(1)
	case "cancelled":
		m.SessionsCancelled.Add(1)
	}
	RecordPrometheusSessionTransition(status)
}

// recordTimeSeries enqueues a time-series event for async processing,
// avoiding a write-lock on the hot block-dispatch path.
func (m *Metrics) recordTimeSeries(durationMs int64, isError bool) {
	select {
	case m.tsChan <- timeSeriesEvent{durationMs: durationMs, isError: isError}:
	default:
		m.tsDroppedEvents.Add(1)
	}
}

// processTimeSeriesLoop drains tsChan and applies events under a write lock.
func (m *Metrics) processTimeSeriesLoop() {
	for evt := range m.tsChan {
		m.applyTimeSeriesEvent(evt.durationMs, evt.isError)
	}
}

// applyTimeSeriesEvent updates the time-series buckets (must be called from a single goroutine).
func (m *Metrics) applyTimeSeriesEvent(durationMs int64, isError bool) {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)

	if len(m.timeSeries) > 0 {
		lastBucket := m.timeSeries[len(m.timeSeries)-1]
		bucketsDiff := int(now.Sub(lastBucket.Timestamp) / timeSeriesBucketDuration)

		if bucketsDiff > 0 {
			if bucketsDiff >= timeSeriesBucketCount {
				m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
				for i := 0; i < timeSeriesBucketCount; i++ {
					m.timeSeries[i] = &TimeSeriesBucket{
						Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
					}
				}
			} else {
				m.timeSeries = m.timeSeries[bucketsDiff:]
				for i := 0; i < bucketsDiff; i++ {
					m.timeSeries = append(m.timeSeries, &TimeSeriesBucket{
						Timestamp: lastBucket.Timestamp.Add(time.Duration(i+1) * timeSeriesBucketDuration),
					})
				}
			}
		}
	}

	if len(m.timeSeries) > 0 {
		bucket := m.timeSeries[len(m.timeSeries)-1]
		bucket.Blocks++
		bucket.TotalLatency += durationMs
		bucket.Count++
		if isError {
			bucket.Errors++
		}
	}
}

// RecordVMRun records the completion of one VM.Run invocation.
func (m *Metrics) RecordVMRun(gasUsed int64, outcome string) {
	m.VMRuns.Add(1)
	m.GasConsumed.Add(gasUsed)
	switch outcome {
	case "out_of_gas":
		m.VMOutOfGas.Add(1)
	case "error":
		m.VMErrors.Add(1)
	}
	RecordPrometheusVMRun(gasUsed, outcome)
}

func (m *Metrics) getContractMetrics(name string) *ContractMetrics {
	if v, ok := m.contractMetrics.Load(name); ok {
		return v.(*ContractMetrics)
	}

	cm := &ContractMetrics{}
	cm.MinMs.Store(int64(^uint64(0) >> 1))
	actual, _ := m.contractMetrics.LoadOrStore(name, cm)
	return actual.(*ContractMetrics)
}

// GetContractMetrics returns the metrics for a specific contract (or nil if none recorded yet).
func (m *Metrics) GetContractMetrics(name string) *ContractMetrics {
	if v, ok := m.contractMetrics.Load(name); ok {
		return v.(*ContractMetrics)
	}
	return nil
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.TotalBlocks.Load()
	avgLatency := float64(0)
	if total > 0 {
		avgLatency = float64(m.TotalLatencyMs.Load()) / float64(total)
	}

	minLatency := m.MinLatencyMs.Load()
	if minLatency == int64(^uint64(0)>>1) {
		minLatency = 0
	}

	result := map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"blocks": map[string]interface{}{
			"total":   total,
			"success": m.SuccessBlocks.Load(),
			"failed":  m.FailedBlocks.Load(),
			"yielded": m.YieldedBlocks.Load(),
		},
		"latency_ms": map[string]interface{}{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxLatencyMs.Load(),
		},
		"sessions": map[string]interface{}{
			"started":   m.SessionsStarted.Load(),
			"completed": m.SessionsCompleted.Load(),
			"failed":    m.SessionsFailed.Load(),
			"cancelled": m.SessionsCancelled.Load(),
		},
		"vm": map[string]interface{}{
			"runs":         m.VMRuns.Load(),
			"out_of_gas":   m.VMOutOfGas.Load(),
			"errors":       m.VMErrors.Load(),
			"gas_consumed": m.GasConsumed.Load(),
		},
		"ts_dropped_events": m.tsDroppedEvents.Load(),
	}

	return result
}

// ContractStats returns per-contract metrics.
func (m *Metrics) ContractStats() map[string]interface{} {
	result := make(map[string]interface{})

	m.contractMetrics.Range(func(key, value interface{}) bool {
		name := key.(string)
		cm := value.(*ContractMetrics)

		total := cm.Blocks.Load()
		avgMs := float64(0)
		if total > 0 {
			avgMs = float64(cm.TotalMs.Load()) / float64(total)
		}

		minMs := cm.MinMs.Load()
		if minMs == int64(^uint64(0)>>1) {
			minMs = 0
		}

		result[name] = map[string]interface{}{
			"blocks":     total,
			"successes": cm.Successes.Load(),
			"failures":  cm.Failures.Load(),
			"avg_ms":    avgMs,
			"min_ms":    minMs,
			"max_ms":    cm.MaxMs.Load(),
		}
		return true
	})

	return result
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["contracts"] = m.ContractStats()
		json.NewEncoder(w).Encode(result)
	})
}

// TimeSeries returns minute-level time-series data for the last 24 hours.
func (m *Metrics) TimeSeries() []map[string]interface{} {
	m.timeSeriesMu.RLock()
	defer m.timeSeriesMu.RUnlock()

	result := make([]map[string]interface{}, len(m.timeSeries))
	for i, bucket := range m.timeSeries {
		avgDuration := float64(0)
		if bucket.Count > 0 {
			avgDuration = float64(bucket.TotalLatency) / float64(bucket.Count)
		}
		result[i] = map[string]interface{}{
			"timestamp":    bucket.Timestamp.Format(time.RFC3339),
			"blocks":       bucket.Blocks,
			"errors":       bucket.Errors,
			"avg_duration": avgDuration,
		}
	}
	return result
}

// TimeSeriesHandler returns an HTTP handler for time-series metrics.
func (m *Metrics) TimeSeriesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.TimeSeries())
	})
}

// Helper functions

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

// --- Profiler / JIT / Pipeline / Policy bridges -----------------------
//
// These free functions are called directly from their owning packages
// (profiler, jit, asyncqueue, policy) so those packages don't need to
// depend on the Metrics struct's internal layout. They forward straight
// to the Prometheus collectors in prometheus.go.

// ObserveProfilerExecution records one profiled bytecode execution's
// duration.
func ObserveProfilerExecution(d time.Duration) {
	RecordPrometheusProfilerExecution(d)
}

// IncJITEnqueued counts a fingerprint crossing the hot threshold and
// being handed to the JIT compiler.
func IncJITEnqueued() {
	RecordPrometheusJITEnqueued()
}

// SetProfilerTracked sets the gauge of fingerprints currently tracked by
// the profiler.
func SetProfilerTracked(n int) {
	SetPrometheusProfilerTracked(n)
}

// IncJITCompiled counts a routine being compiled (cache miss).
func IncJITCompiled() {
	RecordPrometheusJITCompiled()
}

// SetJITCacheSize sets the gauge of routines currently cached by the JIT
// compiler.
func SetJITCacheSize(n int) {
	SetPrometheusJITCacheSize(n)
}

// RecordBlockExecution forwards to the process-global Metrics instance,
// called directly by the Coordinator so it doesn't need to carry a
// *Metrics reference through every dispatch call.
func RecordBlockExecution(contractName, blockKind string, durationMs int64, success bool) {
	global.RecordBlockExecution(contractName, blockKind, durationMs, success)
}

// RecordSessionStarted forwards to the process-global Metrics instance.
func RecordSessionStarted() {
	global.RecordSessionStarted()
}

// RecordSessionTerminal forwards to the process-global Metrics instance.
func RecordSessionTerminal(status string) {
	global.RecordSessionTerminal(status)
}

// RecordVMRun forwards to the process-global Metrics instance.
func RecordVMRun(gasUsed int64, outcome string) {
	global.RecordVMRun(gasUsed, outcome)
}
