// Package transform reconciles a candidate operation with the concurrent
// operations it conflicts with, producing an operation that preserves the
// author's intent when applied after them.
package transform

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"stateroom/conflict"
	"stateroom/op"
)

// Strategy selects how conflicts are resolved.
type Strategy string

const (
	StrategyOT            Strategy = "ot"
	StrategyLastWriteWins Strategy = "last-write-wins"
	StrategyMerge         Strategy = "merge"
	StrategyVersionVector Strategy = "version-vector"
	StrategyManual        Strategy = "manual"
)

// Valid reports whether s names a known strategy. The empty strategy is
// valid and means the default (OT).
func (s Strategy) Valid() bool {
	switch s {
	case "", StrategyOT, StrategyLastWriteWins, StrategyMerge, StrategyVersionVector, StrategyManual:
		return true
	}
	return false
}

// Result is the outcome of processing one candidate. Conflicts are data, not
// errors: a rejected result carries them so the caller can retry with a
// different strategy or surface choices to the user.
type Result struct {
	Accepted       bool                `json:"accepted"`
	Transformed    *op.Operation       `json:"transformed,omitempty"`
	Conflicts      []conflict.Conflict `json:"conflicts,omitempty"`
	RequiresManual bool                `json:"requiresManualResolution"`
	// LowConfidence marks a result where a transform step failed and the
	// operation passed through that step unmodified.
	LowConfidence bool   `json:"lowConfidence,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Engine folds candidates through their concurrent conflicts.
type Engine struct {
	det *conflict.Detector
	log *slog.Logger
}

func New(det *conflict.Detector, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{det: det, log: logger}
}

// Process detects conflicts between the candidate and the window and runs
// the requested strategy. A ValidationError means the request itself is
// malformed; every resolution failure is reported through the Result.
func (e *Engine) Process(cand *op.Operation, window []*op.Operation, strategy Strategy) (Result, error) {
	if !strategy.Valid() {
		return Result{}, &op.ValidationError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", strategy)}
	}
	if strategy == "" {
		strategy = StrategyOT
	}
	conflicts := e.det.Detect(cand, window)
	if len(conflicts) == 0 {
		return Result{Accepted: true, Transformed: cand}, nil
	}

	switch strategy {
	case StrategyOT:
		return e.resolveOT(cand, conflicts)
	case StrategyLastWriteWins:
		return resolveLWW(cand, conflicts), nil
	case StrategyMerge:
		return e.resolveMerge(cand, conflicts)
	case StrategyVersionVector:
		return resolveVersionVector(cand, conflicts), nil
	default: // StrategyManual
		return Result{
			Conflicts:      conflicts,
			RequiresManual: true,
			Reason:         "manual strategy: conflicts present",
		}, nil
	}
}

// resolveOT folds the candidate through each conflicting operation in causal
// order. A panic or error in a single pair is fail-soft: the candidate
// passes that pair unmodified and the result is flagged low-confidence.
func (e *Engine) resolveOT(cand *op.Operation, conflicts []conflict.Conflict) (Result, error) {
	others := conflictingOps(conflicts)
	sortCausal(others)

	transformed := cand.Clone()
	lowConfidence := false
	for _, other := range others {
		next, ok, err := e.transformPair(transformed, other)
		if err != nil {
			// Structural conflict: the transform itself is impossible
			// (e.g. inserting at a deleted position).
			var structural *ErrStructural
			manual := false
			if errors.As(err, &structural) {
				manual = structural.Manual
			}
			return Result{
				Conflicts:      conflicts,
				RequiresManual: manual,
				Reason:         err.Error(),
			}, nil
		}
		if !ok {
			e.log.Warn("transform step failed, passing operation through unmodified",
				"operation", transformed.ID, "against", other.ID)
			lowConfidence = true
			continue
		}
		transformed = next
	}
	return Result{
		Accepted:      true,
		Transformed:   transformed,
		Conflicts:     conflicts,
		LowConfidence: lowConfidence,
	}, nil
}

// resolveLWW keeps only the operation with the latest timestamp among the
// candidate and everything it conflicts with.
func resolveLWW(cand *op.Operation, conflicts []conflict.Conflict) Result {
	latest := cand.Timestamp
	for _, c := range conflicts {
		if c.Against.Timestamp > latest {
			latest = c.Against.Timestamp
		}
	}
	if cand.Timestamp >= latest {
		return Result{Accepted: true, Transformed: cand, Conflicts: conflicts}
	}
	return Result{
		Conflicts: conflicts,
		Reason:    "a concurrent operation carries a later timestamp",
	}
}

// resolveMerge auto-resolves via the OT fold unless any conflict is
// critical, which always escalates to manual resolution.
func (e *Engine) resolveMerge(cand *op.Operation, conflicts []conflict.Conflict) (Result, error) {
	for _, c := range conflicts {
		if c.Severity == conflict.Critical {
			return Result{
				Conflicts:      conflicts,
				RequiresManual: true,
				Reason:         "critical conflict cannot be merged automatically",
			}, nil
		}
	}
	return e.resolveOT(cand, conflicts)
}

// resolveVersionVector accepts the candidate only if its declared version
// beats every concurrent operation's.
func resolveVersionVector(cand *op.Operation, conflicts []conflict.Conflict) Result {
	var max int64
	for _, c := range conflicts {
		if c.Against.Version > max {
			max = c.Against.Version
		}
	}
	if cand.Version > max {
		return Result{Accepted: true, Transformed: cand, Conflicts: conflicts}
	}
	return Result{
		Conflicts: conflicts,
		Reason:    fmt.Sprintf("version %d does not exceed concurrent maximum %d", cand.Version, max),
	}
}

// conflictingOps deduplicates the operations referenced by a conflict list,
// preserving first-seen order.
func conflictingOps(conflicts []conflict.Conflict) []*op.Operation {
	seen := make(map[string]bool, len(conflicts))
	var ops []*op.Operation
	for _, c := range conflicts {
		if c.Against == nil || seen[c.Against.ID] {
			continue
		}
		seen[c.Against.ID] = true
		ops = append(ops, c.Against)
	}
	return ops
}

// sortCausal orders operations by vector-clock position, breaking ties (and
// concurrency) by timestamp, then id for determinism.
func sortCausal(ops []*op.Operation) {
	sort.SliceStable(ops, func(i, j int) bool {
		switch ops[i].Deps.Compare(ops[j].Deps) {
		case op.Before:
			return true
		case op.After:
			return false
		}
		if ops[i].Timestamp != ops[j].Timestamp {
			return ops[i].Timestamp < ops[j].Timestamp
		}
		return ops[i].ID < ops[j].ID
	})
}
