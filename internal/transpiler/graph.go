// Package transpiler implements the Flow Transpiler (SPEC_FULL §4.6): a
// two-pass compilation of a declarative FlowDefinition into an immutable
// Contract. Pass 1 validates the block graph (symbol table, reachability,
// strongly-connected-components without a terminator); Pass 2 compiles
// each block's expression bodies into bytecode.
package transpiler

import (
	"fmt"

	"github.com/oriys/theatre/internal/domain"
)

// successorsOf returns every edge target a block can transition to,
// independent of block kind, used by both reachability and SCC analysis.
func successorsOf(b domain.BlockDef) []string {
	var out []string
	add := func(s string) {
		if s != "" {
			out = append(out, s)
		}
	}
	switch b.Kind {
	case domain.BlockConditional:
		add(b.ThenEdge)
		add(b.ElseEdge)
	case domain.BlockForEach:
		add(b.BodyEntry)
		add(b.AfterEdge)
	case domain.BlockContinue, domain.BlockBreak:
		// resolved dynamically against the enclosing ForEach frame at
		// execution time; no static successor beyond Next if present.
		add(b.Next)
	case domain.BlockTryCatch:
		add(b.BodyEntry)
		add(b.ErrorEdge)
		add(b.AfterEdge)
	case domain.BlockTerminate:
		// no successors
	default:
		add(b.Next)
	}
	return out
}

// validateGraph checks every edge references a declared block, that the
// entry block exists, that every block is reachable from the entry block
// (reachability), and that every strongly-connected component
// lacking a Terminate/Break path cannot loop forever without an exit
// (spec error taxonomy: graph_unreachable_block, graph_cycle_without_terminator).
func validateGraph(def *domain.FlowDefinition) error {
	if len(def.Blocks) == 0 {
		return fmt.Errorf("compile_error: flow must declare at least one block")
	}
	byID := make(map[string]domain.BlockDef, len(def.Blocks))
	for _, b := range def.Blocks {
		if b.ID == "" {
			return fmt.Errorf("compile_error: block_id cannot be empty")
		}
		if _, dup := byID[b.ID]; dup {
			return fmt.Errorf("compile_error: duplicate block id %q", b.ID)
		}
		byID[b.ID] = b
	}
	if def.EntryBlock == "" {
		return fmt.Errorf("compile_error: entry_block is required")
	}
	if _, ok := byID[def.EntryBlock]; !ok {
		return fmt.Errorf("compile_error: entry_block %q is not declared", def.EntryBlock)
	}

	succ := make(map[string][]string, len(byID))
	for id, b := range byID {
		for _, s := range successorsOf(b) {
			if _, ok := byID[s]; !ok {
				return fmt.Errorf("graph_unreachable_block: block %q references undeclared block %q", id, s)
			}
			succ[id] = append(succ[id], s)
		}
	}

	if err := checkReachability(def.EntryBlock, byID, succ); err != nil {
		return err
	}
	if err := checkTerminatingSCCs(byID, succ); err != nil {
		return err
	}
	return nil
}

// checkReachability verifies every declared block is reachable from the
// entry block; an unreachable block is a compile-time defect the flow
// author should fix, not silently dead code.
func checkReachability(entry string, byID map[string]domain.BlockDef, succ map[string][]string) error {
	visited := map[string]bool{entry: true}
	queue := []string{entry}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range succ[cur] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	for id := range byID {
		if !visited[id] {
			return fmt.Errorf("graph_unreachable_block: block %q is not reachable from entry_block %q", id, entry)
		}
	}
	return nil
}

// checkTerminatingSCCs finds strongly-connected components (Tarjan) and
// rejects any component of size > 1, or a self-loop, that contains no
// Terminate block and no edge leaving the component — such a component
// can never reach a terminal state.
func checkTerminatingSCCs(byID map[string]domain.BlockDef, succ map[string][]string) error {
	sccs := tarjanSCC(byID, succ)
	for _, comp := range sccs {
		if len(comp) == 1 {
			id := comp[0]
			selfLoop := false
			for _, s := range succ[id] {
				if s == id {
					selfLoop = true
				}
			}
			if !selfLoop {
				continue
			}
		}
		hasExit := false
		compSet := make(map[string]bool, len(comp))
		for _, id := range comp {
			compSet[id] = true
		}
		for _, id := range comp {
			if byID[id].Kind == domain.BlockTerminate {
				hasExit = true
				break
			}
			for _, s := range succ[id] {
				if !compSet[s] {
					hasExit = true
					break
				}
			}
			if hasExit {
				break
			}
		}
		if !hasExit {
			return fmt.Errorf("graph_cycle_without_terminator: cycle among blocks %v has no Terminate block and no exit edge", comp)
		}
	}
	return nil
}

// tarjanSCC returns the strongly-connected components of the block graph.
func tarjanSCC(byID map[string]domain.BlockDef, succ map[string][]string) [][]string {
	index := 0
	indices := map[string]int{}
	lowlink := map[string]int{}
	onStack := map[string]bool{}
	var stack []string
	var result [][]string

	var strongconnect func(v string)
	strongconnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range succ[v] {
			if _, seen := indices[w]; !seen {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] {
				if indices[w] < lowlink[v] {
					lowlink[v] = indices[w]
				}
			}
		}

		if lowlink[v] == indices[v] {
			var comp []string
			for {
				n := len(stack) - 1
				w := stack[n]
				stack = stack[:n]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			result = append(result, comp)
		}
	}

	for id := range byID {
		if _, seen := indices[id]; !seen {
			strongconnect(id)
		}
	}
	return result
}
