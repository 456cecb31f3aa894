package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for the runtime.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Blocks / sessions
	blocksTotal       *prometheus.CounterVec
	sessionTransitions *prometheus.CounterVec
	blockDuration     *prometheus.HistogramVec

	// VM
	vmRunsTotal     prometheus.Counter
	vmOutcomeTotal  *prometheus.CounterVec
	vmGasConsumed   prometheus.Counter
	vmGasHistogram  prometheus.Histogram

	// Profiler / JIT
	profilerExecutions prometheus.Histogram
	profilerTracked    prometheus.Gauge
	jitEnqueuedTotal   prometheus.Counter
	jitCompiledTotal   prometheus.Counter
	jitCacheSize       prometheus.Gauge

	// Persistence-Intent Pipeline
	pipelineSubmittedTotal *prometheus.CounterVec
	pipelineCommittedTotal prometheus.Counter
	pipelineRejectedTotal  *prometheus.CounterVec
	pipelineCoalescedTotal prometheus.Counter
	pipelineQueueDepth     *prometheus.GaugeVec

	// Policy Gate
	policyFlowControlLevel  *prometheus.GaugeVec
	policyCompositeMetric   *prometheus.GaugeVec
	policyBundleActivations *prometheus.CounterVec

	// Process
	uptime prometheus.GaugeFunc
}

// Default histogram buckets for block/VM durations (in milliseconds).
var defaultBuckets = []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000}

// Default histogram buckets for gas consumption per run.
var gasBuckets = []float64{10, 50, 100, 500, 1000, 5000, 10000, 50000, 100000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		blocksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "blocks_total", Help: "Total blocks dispatched by contract and kind"},
			[]string{"contract", "kind", "status"},
		),
		sessionTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "session_transitions_total", Help: "Total session state transitions"},
			[]string{"status"},
		),
		blockDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: namespace, Name: "block_duration_milliseconds", Help: "Duration of block dispatch in milliseconds", Buckets: buckets},
			[]string{"contract", "kind"},
		),

		vmRunsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "vm_runs_total", Help: "Total VM.Run invocations"},
		),
		vmOutcomeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "vm_outcome_total", Help: "VM run outcomes"},
			[]string{"outcome"},
		),
		vmGasConsumed: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "vm_gas_consumed_total", Help: "Total gas consumed across all VM runs"},
		),
		vmGasHistogram: prometheus.NewHistogram(
			prometheus.HistogramOpts{Namespace: namespace, Name: "vm_gas_per_run", Help: "Gas consumed per VM run", Buckets: gasBuckets},
		),

		profilerExecutions: prometheus.NewHistogram(
			prometheus.HistogramOpts{Namespace: namespace, Name: "profiler_execution_milliseconds", Help: "Duration of profiled bytecode executions", Buckets: defaultBuckets},
		),
		profilerTracked: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "profiler_tracked_fingerprints", Help: "Number of bytecode fingerprints currently tracked by the profiler"},
		),
		jitEnqueuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "jit_enqueued_total", Help: "Total fingerprints enqueued for JIT compilation"},
		),
		jitCompiledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "jit_compiled_total", Help: "Total routines compiled by the JIT compiler"},
		),
		jitCacheSize: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "jit_cache_size", Help: "Number of routines currently cached by the JIT compiler"},
		),

		pipelineSubmittedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "pipeline_intents_submitted_total", Help: "Total persistence intents submitted"},
			[]string{"tenant", "priority"},
		),
		pipelineCommittedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "pipeline_intents_committed_total", Help: "Total persistence intents committed"},
		),
		pipelineRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "pipeline_intents_rejected_total", Help: "Total persistence intents rejected by overflow policy"},
			[]string{"tenant", "policy"},
		),
		pipelineCoalescedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "pipeline_intents_coalesced_total", Help: "Total persistence intents coalesced into an existing pending intent"},
		),
		pipelineQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "pipeline_queue_depth", Help: "Current persistence-intent queue depth by tenant shard"},
			[]string{"tenant"},
		),

		policyFlowControlLevel: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "policy_flow_control_level", Help: "Current flow control level (0=green, 1=amber, 2=red)"},
			[]string{"tenant"},
		),
		policyCompositeMetric: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "policy_composite_metric", Help: "Current composite backpressure metric value"},
			[]string{"tenant"},
		),
		policyBundleActivations: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "policy_bundle_activations_total", Help: "Total policy bundle activations by outcome"},
			[]string{"outcome"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: namespace, Name: "uptime_seconds", Help: "Time since the runtime process started"},
		func() float64 { return time.Since(StartTime()).Seconds() },
	)

	registry.MustRegister(
		pm.blocksTotal,
		pm.sessionTransitions,
		pm.blockDuration,
		pm.vmRunsTotal,
		pm.vmOutcomeTotal,
		pm.vmGasConsumed,
		pm.vmGasHistogram,
		pm.profilerExecutions,
		pm.profilerTracked,
		pm.jitEnqueuedTotal,
		pm.jitCompiledTotal,
		pm.jitCacheSize,
		pm.pipelineSubmittedTotal,
		pm.pipelineCommittedTotal,
		pm.pipelineRejectedTotal,
		pm.pipelineCoalescedTotal,
		pm.pipelineQueueDepth,
		pm.policyFlowControlLevel,
		pm.policyCompositeMetric,
		pm.policyBundleActivations,
		pm.uptime,
	)

	promMetrics = pm
}

// RecordPrometheusBlock records a block dispatch in Prometheus collectors.
func RecordPrometheusBlock(contract, kind string, durationMs int64, success bool) {
	if promMetrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.blocksTotal.WithLabelValues(contract, kind, status).Inc()
	promMetrics.blockDuration.WithLabelValues(contract, kind).Observe(float64(durationMs))
}

// RecordPrometheusSessionTransition records a session reaching a given status.
func RecordPrometheusSessionTransition(status string) {
	if promMetrics == nil {
		return
	}
	promMetrics.sessionTransitions.WithLabelValues(status).Inc()
}

// RecordPrometheusVMRun records one VM.Run invocation's gas use and outcome.
func RecordPrometheusVMRun(gasUsed int64, outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.vmRunsTotal.Inc()
	promMetrics.vmOutcomeTotal.WithLabelValues(outcome).Inc()
	promMetrics.vmGasConsumed.Add(float64(gasUsed))
	promMetrics.vmGasHistogram.Observe(float64(gasUsed))
}

// RecordPrometheusProfilerExecution records a profiled execution's duration.
func RecordPrometheusProfilerExecution(d time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.profilerExecutions.Observe(float64(d.Microseconds()) / 1000.0)
}

// SetPrometheusProfilerTracked sets the tracked-fingerprint gauge.
func SetPrometheusProfilerTracked(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.profilerTracked.Set(float64(n))
}

// RecordPrometheusJITEnqueued counts a fingerprint handed to the JIT compiler.
func RecordPrometheusJITEnqueued() {
	if promMetrics == nil {
		return
	}
	promMetrics.jitEnqueuedTotal.Inc()
}

// RecordPrometheusJITCompiled counts a routine compilation.
func RecordPrometheusJITCompiled() {
	if promMetrics == nil {
		return
	}
	promMetrics.jitCompiledTotal.Inc()
}

// SetPrometheusJITCacheSize sets the JIT cache size gauge.
func SetPrometheusJITCacheSize(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.jitCacheSize.Set(float64(n))
}

// RecordPipelineSubmitted records a persistence intent entering the pipeline.
func RecordPipelineSubmitted(tenant, priority string) {
	if promMetrics == nil {
		return
	}
	promMetrics.pipelineSubmittedTotal.WithLabelValues(tenant, priority).Inc()
}

// RecordPipelineCommitted records a persistence intent being committed.
func RecordPipelineCommitted() {
	if promMetrics == nil {
		return
	}
	promMetrics.pipelineCommittedTotal.Inc()
}

// RecordPipelineRejected records a persistence intent rejected by the overflow policy.
func RecordPipelineRejected(tenant, policy string) {
	if promMetrics == nil {
		return
	}
	promMetrics.pipelineRejectedTotal.WithLabelValues(tenant, policy).Inc()
}

// RecordPipelineCoalesced records a persistence intent coalesced into an
// existing pending intent.
func RecordPipelineCoalesced() {
	if promMetrics == nil {
		return
	}
	promMetrics.pipelineCoalescedTotal.Inc()
}

// SetPipelineQueueDepth sets the queue depth gauge for a tenant shard.
func SetPipelineQueueDepth(tenant string, depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.pipelineQueueDepth.WithLabelValues(tenant).Set(float64(depth))
}

// SetPolicyFlowControlLevel sets the flow control level gauge for a tenant
// (0=green, 1=amber, 2=red).
func SetPolicyFlowControlLevel(tenant string, level int) {
	if promMetrics == nil {
		return
	}
	promMetrics.policyFlowControlLevel.WithLabelValues(tenant).Set(float64(level))
}

// SetPolicyCompositeMetric sets the composite backpressure metric gauge for a tenant.
func SetPolicyCompositeMetric(tenant string, value float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.policyCompositeMetric.WithLabelValues(tenant).Set(value)
}

// RecordPolicyBundleActivation records a policy bundle activation attempt outcome.
func RecordPolicyBundleActivation(outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.policyBundleActivations.WithLabelValues(outcome).Inc()
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors).
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
