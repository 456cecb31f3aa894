package value

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultMaxAutoExtend bounds how far a single Set call will null-pad a
// sequence to satisfy an out-of-range index write, absent an explicit
// limit from NewStateWithLimit.
const DefaultMaxAutoExtend = 1024

// State is scoped, dot-path-addressed mutable storage backing a Session's
// working memory. Paths look like "a.b[2].c": dotted field segments and
// bracketed integer indices into sequences, addressing into nested Map and
// Seq values.
type State struct {
	root          map[string]Value
	maxAutoExtend int
}

// NewState builds a State seeded with the given top-level bindings, using
// DefaultMaxAutoExtend as the sequence auto-extension bound.
func NewState(seed map[string]Value) *State {
	return NewStateWithLimit(seed, DefaultMaxAutoExtend)
}

// NewStateWithLimit builds a State whose Set calls will null-pad a
// sequence to satisfy an out-of-range index write, up to maxAutoExtend
// (a non-positive value falls back to DefaultMaxAutoExtend).
func NewStateWithLimit(seed map[string]Value, maxAutoExtend int) *State {
	if seed == nil {
		seed = map[string]Value{}
	}
	if maxAutoExtend <= 0 {
		maxAutoExtend = DefaultMaxAutoExtend
	}
	return &State{root: seed, maxAutoExtend: maxAutoExtend}
}

// Get resolves a dot-path, returning (Null, false) if any segment is
// missing or addresses into a non-container value.
func (s *State) Get(path string) (Value, bool) {
	segs, err := parsePath(path)
	if err != nil {
		return Null(), false
	}
	cur := Map(s.root)
	for _, seg := range segs {
		next, ok := index(cur, seg)
		if !ok {
			return Null(), false
		}
		cur = next
	}
	return cur, true
}

// Set writes a value at a dot-path, creating intermediate maps as needed.
// Sequence auto-extension is bounded: writing past the end of a seq
// null-pads it up to and including the target index, as long as that
// index is below maxAutoExtend; beyond that bound the write fails with
// state_path_out_of_bounds.
func (s *State) Set(path string, v Value) error {
	segs, err := parsePath(path)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return fmt.Errorf("state_path_invalid: empty path")
	}
	if s.root == nil {
		s.root = map[string]Value{}
	}
	newRoot, err := s.setRec(Map(s.root), segs, v)
	if err != nil {
		return err
	}
	m, ok := newRoot.AsMap()
	if !ok {
		return fmt.Errorf("state_path_invalid: root must remain a map")
	}
	s.root = m
	return nil
}

type pathSeg struct {
	field string
	index int
	isIdx bool
}

func parsePath(path string) ([]pathSeg, error) {
	if path == "" {
		return nil, fmt.Errorf("state_path_invalid: empty path")
	}
	var segs []pathSeg
	for _, dotPart := range strings.Split(path, ".") {
		if dotPart == "" {
			return nil, fmt.Errorf("state_path_invalid: empty segment in %q", path)
		}
		field := dotPart
		var idxParts []string
		if i := strings.IndexByte(dotPart, '['); i >= 0 {
			field = dotPart[:i]
			rest := dotPart[i:]
			for len(rest) > 0 {
				if rest[0] != '[' {
					return nil, fmt.Errorf("state_path_invalid: malformed index in %q", path)
				}
				close := strings.IndexByte(rest, ']')
				if close < 0 {
					return nil, fmt.Errorf("state_path_invalid: unterminated index in %q", path)
				}
				idxParts = append(idxParts, rest[1:close])
				rest = rest[close+1:]
			}
		}
		if field != "" {
			segs = append(segs, pathSeg{field: field})
		}
		for _, ip := range idxParts {
			n, err := strconv.Atoi(ip)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("state_path_invalid: bad index %q in %q", ip, path)
			}
			segs = append(segs, pathSeg{index: n, isIdx: true})
		}
	}
	return segs, nil
}

func index(cur Value, seg pathSeg) (Value, bool) {
	if seg.isIdx {
		seq, ok := cur.AsSeq()
		if !ok || seg.index >= len(seq) {
			return Null(), false
		}
		return seq[seg.index], true
	}
	m, ok := cur.AsMap()
	if !ok {
		return Null(), false
	}
	e, ok := m[seg.field]
	return e, ok
}

// setRec descends through segs, rebuilding and returning the container at
// each level instead of mutating in place, so copying a Value read before
// a Set (via Clone, or just holding onto an old map/seq header) never
// observes the write.
func (s *State) setRec(cur Value, segs []pathSeg, v Value) (Value, error) {
	if len(segs) == 1 {
		return s.setLeaf(cur, segs[0], v)
	}
	seg := segs[0]
	if seg.isIdx {
		seq, ok := cur.AsSeq()
		if !ok {
			return Null(), fmt.Errorf("state_path_invalid: index into non-sequence")
		}
		if seg.index >= len(seq) {
			return Null(), fmt.Errorf("state_path_out_of_bounds: index %d beyond sequence length %d", seg.index, len(seq))
		}
		out := make([]Value, len(seq))
		copy(out, seq)
		child, err := s.setRec(out[seg.index], segs[1:], v)
		if err != nil {
			return Null(), err
		}
		out[seg.index] = child
		return Seq(out), nil
	}
	m, ok := cur.AsMap()
	if !ok {
		return Null(), fmt.Errorf("state_path_invalid: field access into non-map")
	}
	out := make(map[string]Value, len(m)+1)
	for k, val := range m {
		out[k] = val
	}
	child, exists := out[seg.field]
	if !exists {
		child = Map(map[string]Value{})
	}
	newChild, err := s.setRec(child, segs[1:], v)
	if err != nil {
		return Null(), err
	}
	out[seg.field] = newChild
	return Map(out), nil
}

// setLeaf writes v at seg. An index past the end of a sequence null-pads
// the sequence up to and including that index (PathError beyond
// maxAutoExtend), per the bounded auto-extension-on-write rule.
func (s *State) setLeaf(cur Value, seg pathSeg, v Value) (Value, error) {
	if seg.isIdx {
		seq, ok := cur.AsSeq()
		if !ok {
			return Null(), fmt.Errorf("state_path_invalid: index into non-sequence")
		}
		out := make([]Value, len(seq))
		copy(out, seq)
		switch {
		case seg.index < len(out):
			out[seg.index] = v
		case seg.index >= s.maxAutoExtend:
			return Null(), fmt.Errorf("state_path_out_of_bounds: index %d exceeds max_auto_extend %d", seg.index, s.maxAutoExtend)
		default:
			for len(out) < seg.index {
				out = append(out, Null())
			}
			out = append(out, v)
		}
		return Seq(out), nil
	}
	m, ok := cur.AsMap()
	if !ok {
		return Null(), fmt.Errorf("state_path_invalid: field access into non-map")
	}
	out := make(map[string]Value, len(m)+1)
	for k, val := range m {
		out[k] = val
	}
	out[seg.field] = v
	return Map(out), nil
}

// Snapshot returns the state as a Value suitable for serialization into a
// checkpoint or CommitReceipt payload.
func (s *State) Snapshot() Value {
	return Map(s.root).Clone()
}

// Restore replaces the state wholesale, used when resuming a session from
// a checkpoint.
func (s *State) Restore(snapshot Value) error {
	m, ok := snapshot.AsMap()
	if !ok {
		return fmt.Errorf("state_restore_invalid: snapshot is not a map")
	}
	s.root = Map(m).Clone().m
	return nil
}
