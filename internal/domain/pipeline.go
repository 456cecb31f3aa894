package domain

import (
	"encoding/json"
	"time"
)

// IntentPriority orders PersistenceIntents within the pipeline's
// overflow/coalescing policy.
type IntentPriority uint8

const (
	PriorityLow IntentPriority = iota
	PriorityNormal
	PriorityHigh
)

// PersistenceIntent is a single durability request submitted by the
// Coordinator for a PersistCheckpoint block (StateCheckpoint stays
// local-only), queued into the Persistence-Intent Pipeline
// (SPEC_FULL §4.8).
type PersistenceIntent struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	TenantID    string          `json:"tenant_id,omitempty"`
	Label       string          `json:"label,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	PayloadHash string          `json:"payload_hash"`
	Priority    IntentPriority  `json:"priority"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// OverflowPolicy governs what the pipeline does when a shard's ring
// buffer is full at submission time.
type OverflowPolicy string

const (
	OverflowReject                 OverflowPolicy = "reject"
	OverflowDropOldestLowPriority  OverflowPolicy = "drop_oldest_low_priority"
	OverflowBlock                  OverflowPolicy = "block"
)

// ReceiptStatus reports how a PersistenceIntent was ultimately handled.
type ReceiptStatus string

const (
	ReceiptCommitted ReceiptStatus = "committed"
	ReceiptCoalesced ReceiptStatus = "coalesced"
	ReceiptRejected  ReceiptStatus = "rejected"
	ReceiptDropped   ReceiptStatus = "dropped"
)

// CommitReceipt is delivered back to the submitter once an intent has
// been drained from the pipeline, whatever its final disposition.
type CommitReceipt struct {
	IntentID     string        `json:"intent_id"`
	SessionID    string        `json:"session_id"`
	Status       ReceiptStatus `json:"status"`
	CoalescedInto string       `json:"coalesced_into,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	CommittedAt  time.Time     `json:"committed_at"`
}

// FlowControlLevel is the three-tier signal the Policy Gate emits.
type FlowControlLevel string

const (
	FlowGreen FlowControlLevel = "green"
	FlowAmber FlowControlLevel = "amber"
	FlowRed   FlowControlLevel = "red"
)

// FlowControlSignal is the Policy Gate's adaptive backpressure verdict,
// consumed by the pipeline's admission control and the Coordinator's
// scheduler (SPEC_FULL §4.9).
type FlowControlSignal struct {
	Level             FlowControlLevel `json:"level"`
	CompositeMetric   float64          `json:"composite_metric"`
	DynamicGreenUpper float64          `json:"dynamic_green_upper"`
	DynamicAmberUpper float64          `json:"dynamic_amber_upper"`
	DepthRatio        float64          `json:"depth_ratio"`
	LatencyRatio      float64          `json:"latency_ratio"`
	ErrorRatio        float64          `json:"error_ratio"`
	EmittedAt         time.Time        `json:"emitted_at"`
}

// CapacityFactor returns the token-bucket capacity/rate scaling factor a
// subscriber should apply for this signal level (SPEC_FULL §6 item 5).
func (s FlowControlSignal) CapacityFactor() float64 {
	switch s.Level {
	case FlowGreen:
		return 1.0
	case FlowAmber:
		return 0.6
	case FlowRed:
		return 0.25
	default:
		return 1.0
	}
}

// ProfileRecord is the Execution Profiler's per-fingerprint bookkeeping
// entry (SPEC_FULL §4.4).
type ProfileRecord struct {
	Fingerprint    string    `json:"fingerprint"`
	ExecutionCount int64     `json:"execution_count"`
	TotalDuration  int64     `json:"total_duration_ns"`
	LastExecutedAt time.Time `json:"last_executed_at"`
	JITCompiled    bool      `json:"jit_compiled"`
}

// AvgDuration returns the mean execution duration in nanoseconds, zero
// when no executions have been recorded yet.
func (r *ProfileRecord) AvgDuration() int64 {
	if r.ExecutionCount == 0 {
		return 0
	}
	return r.TotalDuration / r.ExecutionCount
}

// PolicyBundleStatus is the lifecycle state of a Policy Gate bundle
// (SPEC_FULL §6 item 4).
type PolicyBundleStatus string

const (
	BundleDraft   PolicyBundleStatus = "draft"
	BundleStaging PolicyBundleStatus = "staging"
	BundleShadow  PolicyBundleStatus = "shadow"
	BundleActive  PolicyBundleStatus = "active"
	BundleRetired PolicyBundleStatus = "retired"
)

// PolicyBundle is a versioned set of Policy Gate parameters (composite
// metric weights, quantile window, hysteresis band) moving through a
// quorum-signed activation lifecycle.
type PolicyBundle struct {
	ID           string             `json:"id"`
	Version      int                `json:"version"`
	Status       PolicyBundleStatus `json:"status"`
	Weights      MetricWeights      `json:"weights"`
	Signers      []string           `json:"signers,omitempty"`
	QuorumSize   int                `json:"quorum_size"`
	ActivatesAt  time.Time          `json:"activates_at,omitempty"` // time-lock grace window
	CreatedAt    time.Time          `json:"created_at"`
}

// MetricWeights are the composite-metric coefficients B = w_d*depth +
// w_l*latency + w_e*error (SPEC_FULL §6 item 1).
type MetricWeights struct {
	Depth   float64 `json:"depth"`
	Latency float64 `json:"latency"`
	Error   float64 `json:"error"`
}

// HasQuorum reports whether the bundle has collected enough distinct
// signer IDs to activate.
func (b *PolicyBundle) HasQuorum() bool {
	return len(uniqueStrings(b.Signers)) >= b.QuorumSize
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		seen[s] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	return out
}
