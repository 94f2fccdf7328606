// Package conflict classifies an incoming operation against the window of
// operations committed since its causal snapshot was taken.
package conflict

import (
	"fmt"
	"reflect"

	"stateroom/op"
)

// Kind names what went wrong between two operations.
type Kind string

const (
	KindPath      Kind = "path"
	KindStale     Kind = "stale_version"
	KindCausality Kind = "causality_violation"
	KindSemantic  Kind = "semantic"
)

// Severity ranks a conflict for strategy selection: merge auto-resolves
// everything below Critical; critical conflicts always escalate.
type Severity int

const (
	Low Severity = iota
	Medium
	High
	Critical
)

func (s Severity) String() string {
	switch s {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return "critical"
	}
}

// Conflict pairs the candidate with one concurrent operation it collides
// with. Conflicts are results, not errors: strategies decide what to do.
type Conflict struct {
	Kind        Kind          `json:"kind"`
	Severity    Severity      `json:"severity"`
	CandidateID string        `json:"candidateId"`
	Against     *op.Operation `json:"against"`
	Suggestion  string        `json:"suggestion"`
}

// Detector evaluates the four conflict checks in order for each operation in
// the window.
type Detector struct {
	// adjacent is the index distance at which two array operations on the
	// same path are considered to collide.
	adjacent int
}

func NewDetector(adjacentThreshold int) *Detector {
	if adjacentThreshold <= 0 {
		adjacentThreshold = 1
	}
	return &Detector{adjacent: adjacentThreshold}
}

// Detect returns every conflict between the candidate and the window, in
// window order. The window must contain only operations committed after the
// candidate's causal snapshot; the caller bounds its size and age.
func (d *Detector) Detect(cand *op.Operation, window []*op.Operation) []Conflict {
	var out []Conflict
	for _, w := range window {
		if w.Author.ClientID == cand.Author.ClientID {
			// A client never conflicts with its own earlier operations.
			continue
		}
		if c, ok := d.pathConflict(cand, w); ok {
			out = append(out, c)
		}
		if cand.Version <= w.Version && cand.OverlapsPath(w) {
			out = append(out, Conflict{
				Kind:        KindStale,
				Severity:    severityFor(cand, w),
				CandidateID: cand.ID,
				Against:     w,
				Suggestion:  fmt.Sprintf("rebase onto version %d and transform before applying", w.Version),
			})
		}
		if cand.Deps.Compare(w.Deps) == op.Before && cand.Timestamp > w.Timestamp {
			out = append(out, Conflict{
				Kind:        KindCausality,
				Severity:    severityFor(cand, w),
				CandidateID: cand.ID,
				Against:     w,
				Suggestion:  "delivery was reordered; replay in causal order",
			})
		}
		if c, ok := d.semanticConflict(cand, w); ok {
			out = append(out, c)
		}
	}
	return out
}

func (d *Detector) pathConflict(cand, w *op.Operation) (Conflict, bool) {
	if !cand.OverlapsPath(w) {
		return Conflict{}, false
	}
	collides := false
	switch cp := cand.Payload.(type) {
	case op.Set:
		// Same-path set/set always conflicts; set against anything editing
		// inside the replaced subtree conflicts too.
		collides = true
	case op.ArrayInsert:
		collides = d.indexNear(cp.Index, w)
	case op.ArrayDelete:
		collides = d.indexNear(cp.Index, w)
	case op.ArrayMove:
		collides = d.indexNear(cp.From, w) || d.indexNear(cp.To, w)
	case op.ObjectMerge:
		// Merges only collide when the other side touches the same subtree
		// with a structural edit.
		_, otherMerge := w.Payload.(op.ObjectMerge)
		collides = !otherMerge || cand.SamePath(w)
	case op.Noop:
		return Conflict{}, false
	}
	if !collides {
		return Conflict{}, false
	}
	return Conflict{
		Kind:        KindPath,
		Severity:    severityFor(cand, w),
		CandidateID: cand.ID,
		Against:     w,
		Suggestion:  suggestionFor(cand, w),
	}, true
}

// indexNear reports whether the candidate's index is equal or adjacent
// (within the threshold) to the other operation's index on the same path.
func (d *Detector) indexNear(idx int, w *op.Operation) bool {
	switch wp := w.Payload.(type) {
	case op.ArrayInsert:
		return abs(idx-wp.Index) <= d.adjacent
	case op.ArrayDelete:
		return abs(idx-wp.Index) <= d.adjacent
	case op.ArrayMove:
		return abs(idx-wp.From) <= d.adjacent || abs(idx-wp.To) <= d.adjacent
	case op.Set, op.ObjectMerge:
		// Structural edit of the whole array (or an ancestor).
		return true
	default:
		return false
	}
}

func (d *Detector) semanticConflict(cand, w *op.Operation) (Conflict, bool) {
	cs, ok1 := cand.Payload.(op.Set)
	ws, ok2 := w.Payload.(op.Set)
	if !ok1 || !ok2 || !cand.SamePath(w) {
		return Conflict{}, false
	}
	if reflect.DeepEqual(cs.Value, ws.Value) {
		return Conflict{}, false
	}
	return Conflict{
		Kind:        KindSemantic,
		Severity:    Medium,
		CandidateID: cand.ID,
		Against:     w,
		Suggestion:  "same field set to different values; merge strategy or last-write-wins applies",
	}, true
}

// severityFor ranks by operation-type pairing: double delete on one index is
// critical (data loss risk), competing inserts are high, competing sets are
// medium, everything else low.
func severityFor(cand, w *op.Operation) Severity {
	switch cp := cand.Payload.(type) {
	case op.ArrayDelete:
		if wp, ok := w.Payload.(op.ArrayDelete); ok && cp.Index == wp.Index && cand.SamePath(w) {
			return Critical
		}
	case op.ArrayInsert:
		if _, ok := w.Payload.(op.ArrayInsert); ok {
			return High
		}
	case op.Set:
		if _, ok := w.Payload.(op.Set); ok {
			return Medium
		}
	}
	return Low
}

func suggestionFor(cand, w *op.Operation) string {
	switch cand.Payload.(type) {
	case op.ArrayDelete:
		if _, ok := w.Payload.(op.ArrayDelete); ok {
			return "element already deleted; drop the duplicate delete"
		}
	case op.ArrayInsert:
		if _, ok := w.Payload.(op.ArrayInsert); ok {
			return "shift the insert index past the concurrent insert"
		}
	case op.Set:
		if _, ok := w.Payload.(op.Set); ok {
			return "keep the later write or merge both values"
		}
	}
	return fmt.Sprintf("transform %s against concurrent %s at the shared path", cand.Type, w.Type)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
