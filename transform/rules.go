package transform

import (
	"fmt"

	"stateroom/op"
)

// ErrStructural reports a transform that is impossible rather than merely
// conflicting, e.g. inserting at a position a concurrent delete removed.
type ErrStructural struct {
	Candidate string
	Against   string
	Detail    string
	// Manual marks conflicts the engine refuses to auto-resolve at all,
	// such as overlapping concurrent moves.
	Manual bool
}

func (e *ErrStructural) Error() string {
	return fmt.Sprintf("structural conflict between %s and %s: %s", e.Candidate, e.Against, e.Detail)
}

// transformPair derives the candidate's side of the OT diamond against one
// already-committed operation. ok=false means the pair rule itself failed
// and the caller should pass the candidate through unmodified (fail-soft).
func (e *Engine) transformPair(cand, other *op.Operation) (next *op.Operation, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("transform rule panicked", "candidate", cand.ID, "against", other.ID, "panic", r)
			next, ok, err = nil, false, nil
		}
	}()

	if !cand.SamePath(other) {
		// Overlapping (prefix) paths conflict but carry no index math; the
		// candidate applies as-is after the other.
		return cand, true, nil
	}

	switch cp := cand.Payload.(type) {
	case op.Set:
		return transformSet(cand, cp, other), true, nil
	case op.ArrayInsert:
		return transformInsert(cand, cp, other)
	case op.ArrayDelete:
		return transformDelete(cand, cp, other), true, nil
	case op.ArrayMove:
		return transformMove(cand, cp, other)
	case op.ObjectMerge:
		return transformMerge(cand, cp, other), true, nil
	case op.Noop:
		return cand, true, nil
	default:
		return nil, false, fmt.Errorf("unhandled payload type %T", cand.Payload)
	}
}

// transformSet: last write wins at the leaf. When the candidate loses it
// adopts the winner's value, so applying it is an idempotent no-op merge.
func transformSet(cand *op.Operation, cp op.Set, other *op.Operation) *op.Operation {
	ws, isSet := other.Payload.(op.Set)
	if !isSet {
		return cand
	}
	if cand.Timestamp >= other.Timestamp {
		return cand
	}
	return cand.WithPayload(op.Set{Value: ws.Value})
}

func transformInsert(cand *op.Operation, cp op.ArrayInsert, other *op.Operation) (*op.Operation, bool, error) {
	switch wp := other.Payload.(type) {
	case op.ArrayInsert:
		// The committed insert shifted everything at or after its index.
		if wp.Index <= cp.Index {
			return cand.WithPayload(op.ArrayInsert{Index: cp.Index + 1, Value: cp.Value}), true, nil
		}
	case op.ArrayDelete:
		if wp.Index < cp.Index {
			return cand.WithPayload(op.ArrayInsert{Index: cp.Index - 1, Value: cp.Value}), true, nil
		}
		if wp.Index == cp.Index {
			return nil, false, &ErrStructural{
				Candidate: cand.ID,
				Against:   other.ID,
				Detail:    fmt.Sprintf("insert position %d no longer exists", cp.Index),
			}
		}
	case op.ArrayMove:
		idx, overlap := shiftForMove(cp.Index, wp)
		if overlap {
			return cand, true, nil
		}
		return cand.WithPayload(op.ArrayInsert{Index: idx, Value: cp.Value}), true, nil
	}
	return cand, true, nil
}

func transformDelete(cand *op.Operation, cp op.ArrayDelete, other *op.Operation) *op.Operation {
	switch wp := other.Payload.(type) {
	case op.ArrayInsert:
		if wp.Index <= cp.Index {
			return cand.WithPayload(op.ArrayDelete{Index: cp.Index + 1})
		}
	case op.ArrayDelete:
		if wp.Index == cp.Index {
			// Already gone: idempotent double delete.
			return cand.WithPayload(op.Noop{})
		}
		if wp.Index < cp.Index {
			return cand.WithPayload(op.ArrayDelete{Index: cp.Index - 1})
		}
	case op.ArrayMove:
		idx, overlap := shiftForMove(cp.Index, wp)
		if overlap {
			return cand
		}
		return cand.WithPayload(op.ArrayDelete{Index: idx})
	}
	return cand
}

// transformMove recomputes both endpoints with the insert/delete shift
// rules. Two moves over overlapping ranges are left to manual resolution:
// the pair rule reports a structural conflict and Process surfaces it.
func transformMove(cand *op.Operation, cp op.ArrayMove, other *op.Operation) (*op.Operation, bool, error) {
	switch wp := other.Payload.(type) {
	case op.ArrayInsert:
		from, to := cp.From, cp.To
		if wp.Index <= from {
			from++
		}
		if wp.Index <= to {
			to++
		}
		return cand.WithPayload(op.ArrayMove{From: from, To: to}), true, nil
	case op.ArrayDelete:
		from, to := cp.From, cp.To
		if wp.Index == from {
			return nil, false, &ErrStructural{
				Candidate: cand.ID,
				Against:   other.ID,
				Detail:    fmt.Sprintf("moved element at %d no longer exists", from),
			}
		}
		if wp.Index < from {
			from--
		}
		if wp.Index < to {
			to--
		}
		return cand.WithPayload(op.ArrayMove{From: from, To: to}), true, nil
	case op.ArrayMove:
		if rangesOverlap(cp, wp) {
			return nil, false, &ErrStructural{
				Candidate: cand.ID,
				Against:   other.ID,
				Detail:    "concurrent moves over overlapping ranges require manual resolution",
				Manual:    true,
			}
		}
		from, _ := shiftForMove(cp.From, wp)
		to, _ := shiftForMove(cp.To, wp)
		return cand.WithPayload(op.ArrayMove{From: from, To: to}), true, nil
	}
	return cand, true, nil
}

// transformMerge: shallow union, candidate's keys win on collision. The
// union is commutative over disjoint keys by construction.
func transformMerge(cand *op.Operation, cp op.ObjectMerge, other *op.Operation) *op.Operation {
	wm, isMerge := other.Payload.(op.ObjectMerge)
	if !isMerge {
		return cand
	}
	union := make(map[string]any, len(cp.Fields)+len(wm.Fields))
	for k, v := range wm.Fields {
		union[k] = v
	}
	for k, v := range cp.Fields {
		union[k] = v
	}
	return cand.WithPayload(op.ObjectMerge{Fields: union})
}

// shiftForMove adjusts an index for a committed move: the move behaves like
// a delete at From followed by an insert at To. overlap reports the index
// landing inside the move itself.
func shiftForMove(idx int, mv op.ArrayMove) (int, bool) {
	if idx == mv.From {
		return mv.To, true
	}
	if mv.From < idx {
		idx--
	}
	if mv.To <= idx {
		idx++
	}
	return idx, false
}

func rangesOverlap(a, b op.ArrayMove) bool {
	aLo, aHi := ordered(a.From, a.To)
	bLo, bHi := ordered(b.From, b.To)
	return aLo <= bHi && bLo <= aHi
}

func ordered(a, b int) (int, int) {
	if a > b {
		return b, a
	}
	return a, b
}
