package coordinator

import (
	"sync"

	"github.com/oriys/theatre/internal/domain"
)

// ContractRegistry holds transpiled Contracts by name, ready for repeated
// Session execution. The Transpiler produces a Contract once per flow
// submission; the Coordinator only ever reads from this registry.
type ContractRegistry struct {
	mu   sync.RWMutex
	byID map[string]*domain.Contract
}

// NewContractRegistry constructs an empty registry.
func NewContractRegistry() *ContractRegistry {
	return &ContractRegistry{byID: make(map[string]*domain.Contract)}
}

// Register adds or replaces a compiled Contract under its own Name.
func (r *ContractRegistry) Register(c *domain.Contract) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[c.Name] = c
}

// Lookup returns the Contract by name, false if none is registered.
func (r *ContractRegistry) Lookup(name string) (*domain.Contract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[name]
	return c, ok
}

// Remove drops a Contract from the registry, e.g. on a policy rollback
// that retires a flow version.
func (r *ContractRegistry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, name)
}

// Names returns every registered Contract's name.
func (r *ContractRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byID))
	for name := range r.byID {
		out = append(out, name)
	}
	return out
}
