// Package jit implements the JIT Compiler (SPEC_FULL §4.5): once the
// Execution Profiler marks a bytecode fingerprint hot, this package
// compiles its "pure" (state/FFI-free) instruction subsequences into a
// single fused Go closure that runs without per-instruction dispatch
// overhead, splitting the stream around impure opcodes (Load/Store/
// CallFfi/yields) into trampolines that fall back to the interpreter.
// Compiled routines are cached by content-addressed fingerprint in an LRU
// cache that evicts the least recently used routine once it holds its
// capacity; routines have no idle-time expiry.
package jit

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/oriys/theatre/internal/bytecode"
	"github.com/oriys/theatre/internal/logging"
	"github.com/oriys/theatre/internal/metrics"
	"github.com/oriys/theatre/internal/value"
)

// Region is one contiguous run of pure opcodes compiled into a single
// closure, or a single impure instruction left for the interpreter.
type Region struct {
	Pure bool
	// Run executes a pure region against the stack, returning an error if
	// the region hits a runtime fault (division by zero, type mismatch).
	Run func(stack []value.Value) ([]value.Value, error)
	// Instr is populated for an impure (non-fused) region of exactly one
	// instruction, left for the interpreter trampoline.
	Instr bytecode.Instruction
	// StartPC/EndPC bound the original instruction range this region
	// covers (inclusive), so a caller running a fused region can charge
	// gas for each original instruction in it.
	StartPC, EndPC int
}

// Routine is a compiled program: an ordered list of Regions covering the
// full original instruction stream.
type Routine struct {
	Fingerprint string
	Regions     []Region
	CompiledAt  time.Time
}

// Compiler builds and caches Routines.
type Compiler struct {
	cache *lru.Cache[string, *Routine]
}

// New constructs a Compiler with an LRU cache capped at capacity
// routines.
func New(capacity int) *Compiler {
	if capacity <= 0 {
		capacity = 256
	}
	cache, err := lru.New[string, *Routine](capacity)
	if err != nil {
		// lru.New only errors on capacity <= 0, already guarded above.
		panic(fmt.Sprintf("jit: lru cache init failed: %v", err))
	}
	return &Compiler{cache: cache}
}

// Lookup returns a cached Routine for a fingerprint, if one was compiled.
func (c *Compiler) Lookup(fingerprint string) (*Routine, bool) {
	return c.cache.Get(fingerprint)
}

// Compile splits code's instruction stream into fused-pure and
// single-impure regions and stores the result under its fingerprint. It
// is safe to call concurrently; the LRU cache serializes internally.
func (c *Compiler) Compile(code *bytecode.Bytecode) *Routine {
	fp := code.Fingerprint()
	if r, ok := c.cache.Get(fp); ok {
		return r
	}

	start := time.Now()
	var regions []Region
	i := 0
	n := code.Len()
	for i < n {
		ins := code.Instructions[i]
		if !ins.Op.IsPure() {
			regions = append(regions, Region{Pure: false, Instr: ins, StartPC: i, EndPC: i})
			i++
			continue
		}
		j := i
		for j < n && code.Instructions[j].Op.IsPure() {
			j++
		}
		run := fuseRegion(code.Instructions[i:j], code.Constants)
		regions = append(regions, Region{Pure: true, Run: run, StartPC: i, EndPC: j - 1})
		i = j
	}

	routine := &Routine{Fingerprint: fp, Regions: regions, CompiledAt: time.Now()}
	c.cache.Add(fp, routine)
	metrics.IncJITCompiled()
	metrics.SetJITCacheSize(c.cache.Len())
	logging.Op().Info("jit compiled routine", "fingerprint", fp, "regions", len(regions), "instructions", n, "duration", time.Since(start))
	return routine
}

// Evict removes a cached routine, used when a Contract is retired or a
// fingerprint is invalidated.
func (c *Compiler) Evict(fingerprint string) {
	c.cache.Remove(fingerprint)
	metrics.SetJITCacheSize(c.cache.Len())
}
