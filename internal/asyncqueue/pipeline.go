// Package asyncqueue implements the Persistence-Intent Pipeline
// (SPEC_FULL §4.8): a bounded ring buffer sharded per tenant that queues
// PersistenceIntents emitted by PersistCheckpoint blocks, drains them
// through an elastic worker
// pool onto a pluggable Sink, and delivers a CommitReceipt back to each
// submitter. When PipelineConfig.Adaptive is enabled, an AIMD
// AdaptiveController (adaptive.go) is fed the queue depth and completion
// counts of the drain workers.
package asyncqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/theatre/internal/domain"
	"github.com/oriys/theatre/internal/logging"
	"github.com/oriys/theatre/internal/metrics"
	"github.com/oriys/theatre/internal/queue"
)

// Sink commits a PersistenceIntent to durable storage (the pgx-backed
// checkpoint archive when the serve daemon's store is enabled, a no-op
// sink otherwise, an in-memory fake in tests).
type Sink interface {
	Commit(ctx context.Context, intent *domain.PersistenceIntent) error
}

// PipelineConfig configures the pipeline's shard capacity, overflow
// behavior, and drain concurrency.
type PipelineConfig struct {
	ShardCapacity  int                  // ring buffer size per tenant shard
	OverflowPolicy domain.OverflowPolicy
	Workers        int
	PollInterval   time.Duration
	DrainTimeout   time.Duration
	Notifier       queue.Notifier
	Adaptive       AdaptiveConfig
	ReceiptBuffer  int // buffered channel size for delivered receipts

	// ValidationSLA is the commit-latency service objective the Policy
	// Gate's latency_ratio compares observed p95 against (SPEC_FULL §4.9).
	ValidationSLA time.Duration
	// LatencyWindow bounds how many recent commit-latency samples feed
	// the p95 computation.
	LatencyWindow int
}

func mergePipelineConfig(cfg PipelineConfig) PipelineConfig {
	if cfg.ShardCapacity <= 0 {
		cfg.ShardCapacity = 1024
	}
	if cfg.OverflowPolicy == "" {
		cfg.OverflowPolicy = domain.OverflowDropOldestLowPriority
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if cfg.ReceiptBuffer <= 0 {
		cfg.ReceiptBuffer = 4096
	}
	if cfg.ValidationSLA <= 0 {
		cfg.ValidationSLA = 50 * time.Millisecond
	}
	if cfg.LatencyWindow <= 0 {
		cfg.LatencyWindow = 300
	}
	return cfg
}

// shard is a bounded per-tenant ring of pending intents plus a
// payload_hash index used for coalescing repeated checkpoints of the
// same state before they are drained.
type shard struct {
	mu      sync.Mutex
	tenant  string
	ring    []*domain.PersistenceIntent
	byHash  map[string]*domain.PersistenceIntent
	waiters []chan struct{} // parked OverflowBlock submitters
}

func newShard(tenant string) *shard {
	return &shard{tenant: tenant, byHash: make(map[string]*domain.PersistenceIntent)}
}

// Pipeline is the Persistence-Intent Pipeline.
type Pipeline struct {
	cfg      PipelineConfig
	sink     Sink
	notifier queue.Notifier
	adaptive *AdaptiveController

	mu     sync.Mutex
	shards map[string]*shard

	receipts chan domain.CommitReceipt

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool

	// Policy Gate feed: commit-latency samples plus processed/failure
	// counters, read by DepthRatio/LatencyRatio/ErrorRatio (SPEC_FULL §4.9).
	latMu    sync.Mutex
	latency  []time.Duration
	processed atomic.Int64
	failures  atomic.Int64
}

// NewPipeline constructs a Pipeline draining into sink.
func NewPipeline(sink Sink, cfg PipelineConfig) *Pipeline {
	cfg = mergePipelineConfig(cfg)
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = queue.NewNoopNotifier()
	}
	p := &Pipeline{
		cfg:      cfg,
		sink:     sink,
		notifier: notifier,
		shards:   make(map[string]*shard),
		receipts: make(chan domain.CommitReceipt, cfg.ReceiptBuffer),
		stopCh:   make(chan struct{}),
	}
	if cfg.Adaptive.Enabled {
		p.adaptive = newAdaptiveController(cfg.Adaptive, cfg.Workers, 1, cfg.PollInterval)
	}
	return p
}

// Start launches the drain worker pool.
func (p *Pipeline) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	if p.adaptive != nil {
		p.adaptive.Start()
	}
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.drainLoop(i)
	}
	logging.Op().Info("persistence-intent pipeline started", "workers", p.cfg.Workers, "shard_capacity", p.cfg.ShardCapacity, "overflow_policy", p.cfg.OverflowPolicy)
}

// Stop halts all drain workers and the adaptive controller.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	close(p.stopCh)
	p.mu.Unlock()

	if p.adaptive != nil {
		p.adaptive.Stop()
	}
	p.wg.Wait()
	logging.Op().Info("persistence-intent pipeline stopped")
}

// Receipts returns the channel CommitReceipts are delivered on.
func (p *Pipeline) Receipts() <-chan domain.CommitReceipt {
	return p.receipts
}

func (p *Pipeline) shardFor(tenant string) *shard {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.shards[tenant]
	if !ok {
		s = newShard(tenant)
		p.shards[tenant] = s
	}
	return s
}

// Submit enqueues a PersistenceIntent. If a pending intent with the same
// PayloadHash already sits in the shard, the new intent coalesces into it
// and a ReceiptCoalesced is delivered immediately rather than queuing a
// duplicate write. Otherwise the intent joins the tenant's ring, subject
// to OverflowPolicy when the ring is at ShardCapacity.
func (p *Pipeline) Submit(ctx context.Context, intent *domain.PersistenceIntent) error {
	tenant := intent.TenantID
	s := p.shardFor(tenant)

	s.mu.Lock()
	if existing, ok := s.byHash[intent.PayloadHash]; ok && existing.PayloadHash != "" {
		s.mu.Unlock()
		p.deliver(domain.CommitReceipt{
			IntentID: intent.ID, SessionID: intent.SessionID,
			Status: domain.ReceiptCoalesced, CoalescedInto: existing.ID, CommittedAt: time.Now(),
		})
		metrics.RecordPipelineCoalesced()
		return nil
	}

	if len(s.ring) >= p.cfg.ShardCapacity {
		switch p.cfg.OverflowPolicy {
		case domain.OverflowReject:
			s.mu.Unlock()
			p.deliver(domain.CommitReceipt{IntentID: intent.ID, SessionID: intent.SessionID, Status: domain.ReceiptRejected, Reason: "shard_full", CommittedAt: time.Now()})
			metrics.RecordPipelineRejected(tenant, string(domain.OverflowReject))
			return fmt.Errorf("pipeline_shard_full: tenant %q", tenant)

		case domain.OverflowDropOldestLowPriority:
			if !p.dropOldestLowPriority(s) {
				s.mu.Unlock()
				p.deliver(domain.CommitReceipt{IntentID: intent.ID, SessionID: intent.SessionID, Status: domain.ReceiptRejected, Reason: "shard_full_no_droppable", CommittedAt: time.Now()})
				metrics.RecordPipelineRejected(tenant, string(domain.OverflowDropOldestLowPriority))
				return fmt.Errorf("pipeline_shard_full: tenant %q, no low-priority intent to drop", tenant)
			}

		case domain.OverflowBlock:
			wait := make(chan struct{})
			s.waiters = append(s.waiters, wait)
			s.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return ctx.Err()
			}
			s.mu.Lock()
		}
	}

	s.ring = append(s.ring, intent)
	s.byHash[intent.PayloadHash] = intent
	s.mu.Unlock()

	metrics.RecordPipelineSubmitted(tenant, priorityLabel(intent.Priority))
	metrics.SetPipelineQueueDepth(tenant, p.depth(tenant))
	if p.adaptive != nil {
		p.adaptive.SetQueueDepth(int64(p.totalDepth()))
	}
	_ = p.notifier.Notify(ctx, queue.QueueOutbox)
	return nil
}

// dropOldestLowPriority evicts the oldest PriorityLow intent in the
// shard's ring to make room, reporting it as ReceiptDropped. Called with
// s.mu held and returns with it still held: the receipt is delivered from
// a separate goroutine, so the caller can append immediately after.
func (p *Pipeline) dropOldestLowPriority(s *shard) bool {
	for i, it := range s.ring {
		if it.Priority == domain.PriorityLow {
			s.ring = append(s.ring[:i], s.ring[i+1:]...)
			delete(s.byHash, it.PayloadHash)
			dropped := *it
			go p.deliver(domain.CommitReceipt{IntentID: dropped.ID, SessionID: dropped.SessionID, Status: domain.ReceiptDropped, Reason: "shard_full_overflow", CommittedAt: time.Now()})
			metrics.RecordPipelineRejected(s.tenant, string(domain.OverflowDropOldestLowPriority))
			return true
		}
	}
	return false
}

func (p *Pipeline) depth(tenant string) int {
	s := p.shardFor(tenant)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ring)
}

func (p *Pipeline) totalDepth() int {
	p.mu.Lock()
	shards := make([]*shard, 0, len(p.shards))
	for _, s := range p.shards {
		shards = append(shards, s)
	}
	p.mu.Unlock()

	total := 0
	for _, s := range shards {
		s.mu.Lock()
		total += len(s.ring)
		s.mu.Unlock()
	}
	return total
}

// drainLoop is a single drain worker: round-robins over tenant shards,
// popping the oldest intent from each non-empty shard and committing it
// to the sink.
func (p *Pipeline) drainLoop(id int) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.drainOnce(id)
		}
	}
}

func (p *Pipeline) drainOnce(workerID int) {
	p.mu.Lock()
	shards := make([]*shard, 0, len(p.shards))
	for _, s := range p.shards {
		shards = append(shards, s)
	}
	p.mu.Unlock()

	for _, s := range shards {
		intent := p.popOldest(s)
		if intent == nil {
			continue
		}
		p.commit(intent)
	}
	if p.adaptive != nil {
		p.adaptive.RecordCompleted(1)
	}
}

func (p *Pipeline) popOldest(s *shard) *domain.PersistenceIntent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ring) == 0 {
		return nil
	}
	intent := s.ring[0]
	s.ring = s.ring[1:]
	delete(s.byHash, intent.PayloadHash)

	if len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		close(w)
	}
	return intent
}

func (p *Pipeline) commit(intent *domain.PersistenceIntent) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DrainTimeout)
	defer cancel()

	start := time.Now()
	err := p.sink.Commit(ctx, intent)
	p.recordLatency(time.Since(start))
	p.processed.Add(1)

	if err != nil {
		p.failures.Add(1)
		logging.Op().Error("persistence intent commit failed", "intent", intent.ID, "session", intent.SessionID, "error", err)
		p.deliver(domain.CommitReceipt{IntentID: intent.ID, SessionID: intent.SessionID, Status: domain.ReceiptRejected, Reason: err.Error(), CommittedAt: time.Now()})
		return
	}

	metrics.RecordPipelineCommitted()
	metrics.SetPipelineQueueDepth(intent.TenantID, p.depth(intent.TenantID))
	p.deliver(domain.CommitReceipt{IntentID: intent.ID, SessionID: intent.SessionID, Status: domain.ReceiptCommitted, CommittedAt: time.Now()})
}

func (p *Pipeline) recordLatency(d time.Duration) {
	p.latMu.Lock()
	defer p.latMu.Unlock()
	p.latency = append(p.latency, d)
	if over := len(p.latency) - p.cfg.LatencyWindow; over > 0 {
		p.latency = p.latency[over:]
	}
}

func (p *Pipeline) p95LatencyMs() float64 {
	p.latMu.Lock()
	samples := make([]time.Duration, len(p.latency))
	copy(samples, p.latency)
	p.latMu.Unlock()
	if len(samples) == 0 {
		return 0
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	idx := int(float64(len(samples))*0.95) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(samples) {
		idx = len(samples) - 1
	}
	return float64(samples[idx]) / float64(time.Millisecond)
}

// DepthRatio, LatencyRatio, and ErrorRatio satisfy policy.Source, letting
// the Policy Gate probe the pipeline's pressure each control interval
// without the pipeline importing the policy package.

// DepthRatio is queued intents over total configured shard capacity
// across every tenant currently holding a shard.
func (p *Pipeline) DepthRatio() float64 {
	p.mu.Lock()
	shardCount := len(p.shards)
	p.mu.Unlock()
	if shardCount == 0 {
		return 0
	}
	capacity := float64(shardCount * p.cfg.ShardCapacity)
	if capacity == 0 {
		return 0
	}
	return float64(p.totalDepth()) / capacity
}

// LatencyRatio is the observed p95 commit latency over the configured SLA.
func (p *Pipeline) LatencyRatio() float64 {
	sla := float64(p.cfg.ValidationSLA) / float64(time.Millisecond)
	if sla == 0 {
		return 0
	}
	return p.p95LatencyMs() / sla
}

// ErrorRatio is commit failures over commits processed since start.
func (p *Pipeline) ErrorRatio() float64 {
	processed := p.processed.Load()
	if processed == 0 {
		return 0
	}
	return float64(p.failures.Load()) / float64(processed)
}

func (p *Pipeline) deliver(r domain.CommitReceipt) {
	select {
	case p.receipts <- r:
	default:
		logging.Op().Warn("commit receipt dropped, receipt channel full", "intent", r.IntentID, "session", r.SessionID)
	}
}

func priorityLabel(p domain.IntentPriority) string {
	switch p {
	case domain.PriorityLow:
		return "low"
	case domain.PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}
