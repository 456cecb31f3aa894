// Package profiler implements the Execution Profiler (SPEC_FULL §4.4):
// content-hash bytecode fingerprinting, hot-path detection by execution
// count and average duration thresholds, a decay sweep that ages out
// cold fingerprints, and a coalesced enqueue into the JIT compiler. The
// hot/idle/decay branching mirrors the AIMD shape of the asyncqueue
// adaptive controller, applied here to per-fingerprint heat instead of
// worker/poller counts.
package profiler

import (
	"sync"
	"time"

	"github.com/oriys/theatre/internal/domain"
	"github.com/oriys/theatre/internal/logging"
	"github.com/oriys/theatre/internal/metrics"
)

// Config tunes hot-path detection and decay.
type Config struct {
	HotExecutionCount int64         // executions before a fingerprint is eligible for JIT
	HotAvgDuration    time.Duration // avg per-execution duration above which heat accrues faster
	DecayInterval     time.Duration // sweep period
	DecayIdleAfter    time.Duration // age past which an untouched record is evicted
	EnqueueFunc       func(fingerprint string) // called once per fingerprint crossing the hot threshold
}

func mergeConfig(cfg Config) Config {
	if cfg.HotExecutionCount <= 0 {
		cfg.HotExecutionCount = 50
	}
	if cfg.HotAvgDuration <= 0 {
		cfg.HotAvgDuration = 200 * time.Microsecond
	}
	if cfg.DecayInterval <= 0 {
		cfg.DecayInterval = 30 * time.Second
	}
	if cfg.DecayIdleAfter <= 0 {
		cfg.DecayIdleAfter = 10 * time.Minute
	}
	return cfg
}

// Profiler tracks a ProfileRecord per bytecode fingerprint and decides
// when a fingerprint has gone hot enough to enqueue for JIT compilation.
type Profiler struct {
	cfg     Config
	mu      sync.Mutex
	records map[string]*domain.ProfileRecord
	stopCh  chan struct{}
	started bool
}

// New constructs a Profiler with defaulted config.
func New(cfg Config) *Profiler {
	return &Profiler{cfg: mergeConfig(cfg), records: make(map[string]*domain.ProfileRecord), stopCh: make(chan struct{})}
}

// Start launches the decay sweep goroutine.
func (p *Profiler) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()
	go p.decayLoop()
}

// Stop halts the decay sweep.
func (p *Profiler) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()
	close(p.stopCh)
}

// Record logs one execution of the given bytecode fingerprint, enqueueing
// it for JIT compilation the first time it crosses the hot threshold.
func (p *Profiler) Record(fingerprint string, duration time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[fingerprint]
	if !ok {
		rec = &domain.ProfileRecord{Fingerprint: fingerprint}
		p.records[fingerprint] = rec
	}
	rec.ExecutionCount++
	rec.TotalDuration += int64(duration)
	rec.LastExecutedAt = time.Now()
	metrics.ObserveProfilerExecution(duration)

	if !rec.JITCompiled && p.isHot(rec) {
		rec.JITCompiled = true
		metrics.IncJITEnqueued()
		logging.Op().Info("bytecode fingerprint went hot", "fingerprint", fingerprint,
			"execution_count", rec.ExecutionCount, "avg_duration", time.Duration(rec.AvgDuration()))
		if p.cfg.EnqueueFunc != nil {
			fn := p.cfg.EnqueueFunc
			fp := fingerprint
			go fn(fp)
		}
	}
}

func (p *Profiler) isHot(rec *domain.ProfileRecord) bool {
	if rec.ExecutionCount < p.cfg.HotExecutionCount {
		return false
	}
	return time.Duration(rec.AvgDuration()) >= p.cfg.HotAvgDuration || rec.ExecutionCount >= p.cfg.HotExecutionCount*4
}

// Lookup returns a copy of the record for a fingerprint, false if none
// exists.
func (p *Profiler) Lookup(fingerprint string) (domain.ProfileRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[fingerprint]
	if !ok {
		return domain.ProfileRecord{}, false
	}
	return *rec, true
}

// Len reports the number of tracked fingerprints, exported for tests and
// the metrics gauge.
func (p *Profiler) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

func (p *Profiler) decayLoop() {
	ticker := time.NewTicker(p.cfg.DecayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Profiler) sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	evicted := 0
	for fp, rec := range p.records {
		if now.Sub(rec.LastExecutedAt) > p.cfg.DecayIdleAfter {
			delete(p.records, fp)
			evicted++
		}
	}
	if evicted > 0 {
		logging.Op().Debug("profiler decay sweep evicted cold fingerprints", "evicted", evicted, "remaining", len(p.records))
	}
	metrics.SetProfilerTracked(len(p.records))
}
