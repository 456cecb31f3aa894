package policy

import (
	"fmt"
	"sync"
	"time"

	"github.com/oriys/theatre/internal/domain"
	"github.com/oriys/theatre/internal/logging"
	"github.com/oriys/theatre/internal/metrics"
)

// GuardrailFunc reports whether a defined guardrail metric has breached
// its configured bound; reason is included in the rollback log entry
// when it has.
type GuardrailFunc func() (breached bool, reason string)

// BundleManager owns the PolicyBundle lifecycle (spec §4.9): every
// proposed bundle moves Draft -> Staging -> Shadow -> Active -> Retired.
// Only one bundle is ever Active; activating a new one retires whichever
// bundle held that slot. Automatic rollback restores the previously
// active bundle when a registered guardrail breaches.
type BundleManager struct {
	mu         sync.Mutex
	bundles    map[string]*domain.PolicyBundle
	active     *domain.PolicyBundle
	previous   *domain.PolicyBundle
	guardrails []GuardrailFunc
}

// NewBundleManager constructs an empty manager with no active bundle.
func NewBundleManager() *BundleManager {
	return &BundleManager{bundles: make(map[string]*domain.PolicyBundle)}
}

// Propose registers a new bundle in Draft status.
func (m *BundleManager) Propose(b *domain.PolicyBundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.bundles[b.ID]; exists {
		return fmt.Errorf("policy bundle %q already proposed", b.ID)
	}
	b.Status = domain.BundleDraft
	b.CreatedAt = time.Now()
	m.bundles[b.ID] = b
	return nil
}

// bundleTransitions is the only path a bundle's status may advance along
// outside of Activate/Rollback, which have their own preconditions.
var bundleTransitions = map[domain.PolicyBundleStatus]domain.PolicyBundleStatus{
	domain.BundleDraft:   domain.BundleStaging,
	domain.BundleStaging: domain.BundleShadow,
}

// Advance moves a bundle from Draft to Staging, or Staging to Shadow. Use
// Activate to move a Shadow bundle to Active.
func (m *BundleManager) Advance(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bundles[id]
	if !ok {
		return fmt.Errorf("unknown policy bundle %q", id)
	}
	next, ok := bundleTransitions[b.Status]
	if !ok {
		return fmt.Errorf("policy bundle %q cannot advance from %s", id, b.Status)
	}
	b.Status = next
	return nil
}

// Sign records a distinct signer ID against a bundle awaiting quorum.
func (m *BundleManager) Sign(id, signerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bundles[id]
	if !ok {
		return fmt.Errorf("unknown policy bundle %q", id)
	}
	b.Signers = append(b.Signers, signerID)
	return nil
}

// Activate promotes a Shadow bundle to Active, retiring whichever bundle
// was previously Active. It requires quorum and, unless emergency is
// true, that now has passed the bundle's time-lock ActivatesAt.
func (m *BundleManager) Activate(id string, now time.Time, emergency bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bundles[id]
	if !ok {
		metrics.RecordPolicyBundleActivation("unknown_bundle")
		return fmt.Errorf("unknown policy bundle %q", id)
	}
	if b.Status != domain.BundleShadow {
		metrics.RecordPolicyBundleActivation("wrong_status")
		return fmt.Errorf("policy bundle %q must be in shadow to activate, is %s", id, b.Status)
	}
	if !b.HasQuorum() {
		metrics.RecordPolicyBundleActivation("no_quorum")
		return fmt.Errorf("policy bundle %q lacks quorum: %d/%d signers", id, len(b.Signers), b.QuorumSize)
	}
	if !emergency && !b.ActivatesAt.IsZero() && now.Before(b.ActivatesAt) {
		metrics.RecordPolicyBundleActivation("time_locked")
		return fmt.Errorf("policy bundle %q is time-locked until %s", id, b.ActivatesAt)
	}

	if m.active != nil {
		m.active.Status = domain.BundleRetired
		m.previous = m.active
	}
	b.Status = domain.BundleActive
	m.active = b
	metrics.RecordPolicyBundleActivation("activated")
	logging.Op().Info("policy bundle activated", "bundle_id", id, "version", b.Version, "emergency", emergency)
	return nil
}

// RegisterGuardrail adds a guardrail check consulted by CheckGuardrails.
func (m *BundleManager) RegisterGuardrail(fn GuardrailFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guardrails = append(m.guardrails, fn)
}

// CheckGuardrails runs every registered guardrail; the first breach
// triggers an automatic Rollback and stops evaluating the rest.
func (m *BundleManager) CheckGuardrails() {
	m.mu.Lock()
	guardrails := append([]GuardrailFunc(nil), m.guardrails...)
	m.mu.Unlock()

	for _, g := range guardrails {
		if breached, reason := g(); breached {
			m.Rollback(reason)
			return
		}
	}
}

// Rollback retires the current Active bundle and restores the
// previously Active one, if any.
func (m *BundleManager) Rollback(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return
	}
	retired := m.active
	retired.Status = domain.BundleRetired
	m.active = nil

	if m.previous != nil {
		m.previous.Status = domain.BundleActive
		m.active = m.previous
		m.previous = nil
	}

	metrics.RecordPolicyBundleActivation("rolled_back")
	logging.Op().Warn("policy bundle rolled back", "bundle_id", retired.ID, "reason", reason, "restored", activeIDOrNone(m.active))
}

func activeIDOrNone(b *domain.PolicyBundle) string {
	if b == nil {
		return "none"
	}
	return b.ID
}

// Active returns the currently Active bundle, if any.
func (m *BundleManager) Active() (*domain.PolicyBundle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.active != nil
}

// Get returns a bundle by ID.
func (m *BundleManager) Get(id string) (*domain.PolicyBundle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bundles[id]
	return b, ok
}
