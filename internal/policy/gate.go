// Package policy implements the Policy Gate (SPEC_FULL §4.9): it
// composites pipeline pressure into a single backpressure metric,
// maintains adaptive quantile thresholds over a rolling sample window,
// and emits a FlowControlSignal each control interval that the
// Coordinator scales its admission by. It also owns the PolicyBundle lifecycle
// (bundle.go): Draft/Staging/Shadow/Active/Retired with quorum-signed,
// time-locked activation and guardrail-triggered rollback.
package policy

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/oriys/theatre/internal/domain"
	"github.com/oriys/theatre/internal/logging"
	"github.com/oriys/theatre/internal/metrics"
)

// Source supplies the three raw pressure ratios the Gate composites into
// B each control interval. asyncqueue.Pipeline satisfies this
// structurally; the Gate never imports asyncqueue.
type Source interface {
	DepthRatio() float64
	LatencyRatio() float64
	ErrorRatio() float64
}

// Config tunes the Gate's control interval, rolling window, smoothing,
// and hysteresis band.
type Config struct {
	Interval   time.Duration       // control interval, default 1s
	WindowSize int                 // rolling sample window W, default 300
	Beta       float64             // exponential smoothing factor, default 0.2
	Epsilon    float64             // hysteresis band, default 0.05
	TGreen     float64             // quantile cut for green_upper, default 0.80
	TAmber     float64             // additional quantile mass stacked onto TGreen for amber_upper, default 0.15
	Weights    domain.MetricWeights // composite metric coefficients, default 0.5/0.3/0.2
}

func mergeConfig(cfg Config) Config {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 300
	}
	if cfg.Beta <= 0 {
		cfg.Beta = 0.2
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = 0.05
	}
	if cfg.TGreen <= 0 {
		cfg.TGreen = 0.80
	}
	if cfg.TAmber <= 0 {
		cfg.TAmber = 0.15
	}
	if cfg.Weights == (domain.MetricWeights{}) {
		cfg.Weights = domain.MetricWeights{Depth: 0.5, Latency: 0.3, Error: 0.2}
	}
	return cfg
}

// Gate is the Policy Gate's adaptive backpressure evaluator.
type Gate struct {
	cfg    Config
	source Source
	tenant string // label used on the Prometheus gauges; "" for a global gate

	mu         sync.Mutex
	window     []float64
	greenUpper float64
	amberUpper float64
	level      domain.FlowControlLevel
	last       domain.FlowControlSignal

	subsMu sync.Mutex
	subs   []chan domain.FlowControlSignal

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New constructs a Gate probing source every cfg.Interval. tenant labels
// the emitted Prometheus gauges; pass "" for a single global gate.
func New(source Source, tenant string, cfg Config) *Gate {
	return &Gate{
		cfg:    mergeConfig(cfg),
		source: source,
		tenant: tenant,
		level:  domain.FlowGreen,
		stopCh: make(chan struct{}),
	}
}

// Start launches the background control loop.
func (g *Gate) Start() {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return
	}
	g.started = true
	g.mu.Unlock()

	g.wg.Add(1)
	go g.loop()
	logging.Op().Info("policy gate started", "tenant", g.tenant, "interval", g.cfg.Interval, "window_size", g.cfg.WindowSize)
}

// Stop halts the control loop and closes every subscriber channel.
func (g *Gate) Stop() {
	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return
	}
	g.started = false
	close(g.stopCh)
	g.mu.Unlock()

	g.wg.Wait()

	g.subsMu.Lock()
	for _, ch := range g.subs {
		close(ch)
	}
	g.subs = nil
	g.subsMu.Unlock()
}

// Subscribe returns a channel receiving every FlowControlSignal this Gate
// emits from here on (the Event bus's FlowControlSignalEmitted stream,
// spec §6). The channel is buffered; a slow subscriber drops signals
// rather than blocking the control loop.
func (g *Gate) Subscribe() <-chan domain.FlowControlSignal {
	ch := make(chan domain.FlowControlSignal, 8)
	g.subsMu.Lock()
	g.subs = append(g.subs, ch)
	g.subsMu.Unlock()
	return ch
}

// Signal returns the most recently emitted FlowControlSignal (Green with
// a zero composite metric before the first probe).
func (g *Gate) Signal() domain.FlowControlSignal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

func (g *Gate) loop() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.probe()
		}
	}
}

// probe reads one sample from Source, composites it into B, updates the
// adaptive quantile thresholds, resolves the next FlowControlLevel under
// hysteresis, and fans the resulting signal out to every subscriber.
func (g *Gate) probe() {
	depth := g.source.DepthRatio()
	lat := g.source.LatencyRatio()
	errR := g.source.ErrorRatio()
	b := g.cfg.Weights.Depth*depth + g.cfg.Weights.Latency*lat + g.cfg.Weights.Error*errR

	g.mu.Lock()
	g.window = append(g.window, b)
	if over := len(g.window) - g.cfg.WindowSize; over > 0 {
		g.window = g.window[over:]
	}

	greenCut := quantile(g.window, g.cfg.TGreen)
	amberCut := quantile(g.window, g.cfg.TGreen+g.cfg.TAmber)
	if amberCut < greenCut {
		amberCut = greenCut // monotonic ordering
	}

	if g.greenUpper == 0 && g.amberUpper == 0 {
		g.greenUpper, g.amberUpper = greenCut, amberCut
	} else {
		g.greenUpper = g.cfg.Beta*greenCut + (1-g.cfg.Beta)*g.greenUpper
		g.amberUpper = g.cfg.Beta*amberCut + (1-g.cfg.Beta)*g.amberUpper
		if g.amberUpper < g.greenUpper {
			g.amberUpper = g.greenUpper
		}
	}

	level := g.nextLevel(b)
	g.level = level
	signal := domain.FlowControlSignal{
		Level:             level,
		CompositeMetric:   b,
		DynamicGreenUpper: g.greenUpper,
		DynamicAmberUpper: g.amberUpper,
		DepthRatio:        depth,
		LatencyRatio:      lat,
		ErrorRatio:        errR,
		EmittedAt:         time.Now(),
	}
	g.last = signal
	g.mu.Unlock()

	metrics.SetPolicyFlowControlLevel(g.tenant, levelOrdinal(level))
	metrics.SetPolicyCompositeMetric(g.tenant, b)
	g.fanOut(signal)
}

// nextLevel applies the hysteresis rule (spec §4.9): entering a worse
// state requires crossing cut+epsilon; exiting requires crossing
// cut-epsilon. Called with g.mu held.
func (g *Gate) nextLevel(b float64) domain.FlowControlLevel {
	switch g.level {
	case domain.FlowAmber:
		if b > g.amberUpper+g.cfg.Epsilon {
			return domain.FlowRed
		}
		if b < g.greenUpper-g.cfg.Epsilon {
			return domain.FlowGreen
		}
		return domain.FlowAmber
	case domain.FlowRed:
		if b < g.greenUpper-g.cfg.Epsilon {
			return domain.FlowGreen
		}
		if b < g.amberUpper-g.cfg.Epsilon {
			return domain.FlowAmber
		}
		return domain.FlowRed
	default: // FlowGreen
		if b > g.amberUpper+g.cfg.Epsilon {
			return domain.FlowRed
		}
		if b > g.greenUpper+g.cfg.Epsilon {
			return domain.FlowAmber
		}
		return domain.FlowGreen
	}
}

func (g *Gate) fanOut(signal domain.FlowControlSignal) {
	g.subsMu.Lock()
	defer g.subsMu.Unlock()
	for _, ch := range g.subs {
		select {
		case ch <- signal:
		default:
			logging.Op().Warn("flow control signal dropped, subscriber channel full", "tenant", g.tenant)
		}
	}
}

// Probe runs one control-interval evaluation synchronously, for tests and
// for callers driving the Gate on their own schedule instead of Start's
// ticker.
func (g *Gate) Probe(_ context.Context) domain.FlowControlSignal {
	g.probe()
	return g.Signal()
}

func levelOrdinal(l domain.FlowControlLevel) int {
	switch l {
	case domain.FlowAmber:
		return 1
	case domain.FlowRed:
		return 2
	default:
		return 0
	}
}

// quantile computes the nearest-rank q-quantile of samples without
// mutating the caller's slice. perks/quantile (already in the module
// graph via prometheus/client_golang) implements a decayed streaming
// estimator, not the exact fixed-window quantile spec §4.9 calls for, so
// this sorts the bounded window directly each interval instead.
func quantile(samples []float64, q float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
