package timetravel

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"

	"stateroom/conflict"
	"stateroom/state"
)

// MergeStrategy selects how branch merges resolve differing paths.
type MergeStrategy string

const (
	MergeAuto   MergeStrategy = "auto"   // deep union, target wins leaves; critical conflicts abort
	MergeManual MergeStrategy = "manual" // any conflict aborts; clean merges proceed
	MergeOurs   MergeStrategy = "ours"   // keep the target branch's state
	MergeTheirs MergeStrategy = "theirs" // take the source branch's state
)

// MergeConflict is one differing path between the two branch states.
type MergeConflict struct {
	Path     string            `json:"path"`
	Type     string            `json:"type"` // type_mismatch | concurrent_modification
	Severity conflict.Severity `json:"severity"`
	Source   any               `json:"source"`
	Target   any               `json:"target"`
}

// MergeResult reports a merge attempt. A failed merge is a result, not an
// error: the conflict list is what the caller shows the user.
type MergeResult struct {
	Merged         bool            `json:"merged"`
	RequiresManual bool            `json:"requiresManualResolution,omitempty"`
	Conflicts      []MergeConflict `json:"conflicts,omitempty"`
	Snapshot       *Snapshot       `json:"snapshot,omitempty"`
	State          *state.State    `json:"-"`
}

// Err summarizes a failed merge's conflicts as one error value, for callers
// that need an error to log or return.
func (r *MergeResult) Err() error {
	if r.Merged {
		return nil
	}
	var merr *multierror.Error
	for _, c := range r.Conflicts {
		merr = multierror.Append(merr, fmt.Errorf("%s at %q (%s)", c.Type, c.Path, c.Severity))
	}
	if merr == nil {
		return fmt.Errorf("merge failed")
	}
	return merr.ErrorOrNil()
}

// MergeBranch reconciles the source branch's latest snapshot into the
// target. On success a new snapshot lands on the target branch at
// max(sourceVersion, targetVersion)+1 and the target's live state is
// updated; the returned state must replace the caller's in-memory copy.
func (s *Service) MergeBranch(ctx context.Context, roomID, source, target string, strategy MergeStrategy) (*MergeResult, error) {
	if strategy == "" {
		strategy = MergeAuto
	}
	srcBranch, err := s.store.Branch(ctx, roomID, source)
	if err != nil {
		return nil, err
	}
	tgtBranch, err := s.store.Branch(ctx, roomID, target)
	if err != nil {
		return nil, err
	}
	srcSnap, err := s.store.LatestSnapshot(ctx, roomID, source)
	if err != nil {
		return nil, err
	}
	tgtSnap, err := s.store.LatestSnapshot(ctx, roomID, target)
	if err != nil {
		return nil, err
	}

	conflicts := diffConflicts(nil, srcSnap.Doc, tgtSnap.Doc)

	var merged state.Doc
	switch strategy {
	case MergeOurs:
		merged = state.CloneDoc(tgtSnap.Doc)
	case MergeTheirs:
		merged = state.CloneDoc(srcSnap.Doc)
	case MergeManual:
		if len(conflicts) > 0 {
			return &MergeResult{RequiresManual: true, Conflicts: conflicts}, nil
		}
		merged = deepUnion(srcSnap.Doc, tgtSnap.Doc).(map[string]any)
	default: // MergeAuto
		for _, c := range conflicts {
			if c.Severity == conflict.Critical {
				return &MergeResult{RequiresManual: true, Conflicts: conflicts}, nil
			}
		}
		merged = deepUnion(srcSnap.Doc, tgtSnap.Doc).(map[string]any)
	}

	version := maxInt64(srcBranch.Version, tgtBranch.Version) + 1
	snap, err := s.CreateSnapshot(ctx, roomID, target, merged, version,
		fmt.Sprintf("merge %s into %s (%s)", source, target, strategy), "")
	if err != nil {
		return nil, err
	}
	if err := s.store.SetBranchVersion(ctx, roomID, target, version); err != nil {
		return nil, err
	}
	st := &state.State{RoomID: roomID, Branch: target, Doc: state.CloneDoc(merged), Version: version}
	if err := s.store.SaveState(ctx, st); err != nil {
		return nil, err
	}
	return &MergeResult{Merged: true, Conflicts: conflicts, Snapshot: snap, State: st}, nil
}

// DiffEntry is one difference between two branches' states.
type DiffEntry struct {
	Path     string            `json:"path"`
	Type     string            `json:"type"` // added | removed | modified
	Severity conflict.Severity `json:"severity"`
}

// BranchDiff is the read-only comparison of two branches.
type BranchDiff struct {
	RoomID    string      `json:"roomId"`
	BranchA   string      `json:"branchA"`
	BranchB   string      `json:"branchB"`
	Entries   []DiffEntry `json:"entries"`
	Mergeable bool        `json:"mergeable"`
}

// CompareBranches deep-diffs the two branches' latest snapshots. Additions
// and removals merge cleanly; only modified paths count against the
// mergeability verdict.
func (s *Service) CompareBranches(ctx context.Context, roomID, branchA, branchB string) (*BranchDiff, error) {
	a, err := s.store.LatestSnapshot(ctx, roomID, branchA)
	if err != nil {
		return nil, err
	}
	b, err := s.store.LatestSnapshot(ctx, roomID, branchB)
	if err != nil {
		return nil, err
	}
	var entries []DiffEntry
	diffEntries(nil, a.Doc, b.Doc, &entries)
	mergeable := true
	for _, e := range entries {
		if e.Type == "modified" {
			mergeable = false
			break
		}
	}
	return &BranchDiff{
		RoomID:    roomID,
		BranchA:   branchA,
		BranchB:   branchB,
		Entries:   entries,
		Mergeable: mergeable,
	}, nil
}

// diffConflicts walks both trees and classifies each differing path. Keys
// present on only one side are not conflicts: the union keeps them.
func diffConflicts(path []string, src, tgt any) []MergeConflict {
	if reflect.DeepEqual(src, tgt) {
		return nil
	}
	srcMap, srcIsMap := src.(map[string]any)
	tgtMap, tgtIsMap := tgt.(map[string]any)
	if srcIsMap && tgtIsMap {
		var out []MergeConflict
		for _, k := range sortedKeys(srcMap) {
			tv, ok := tgtMap[k]
			if !ok {
				continue
			}
			out = append(out, diffConflicts(childPath(path, k), srcMap[k], tv)...)
		}
		return out
	}
	if kindOf(src) != kindOf(tgt) {
		return []MergeConflict{{
			Path:     joinPath(path),
			Type:     "type_mismatch",
			Severity: conflict.Critical,
			Source:   src,
			Target:   tgt,
		}}
	}
	return []MergeConflict{{
		Path:     joinPath(path),
		Type:     "concurrent_modification",
		Severity: conflict.Medium,
		Source:   src,
		Target:   tgt,
	}}
}

// diffEntries produces the read-only diff from branch A's perspective.
func diffEntries(path []string, a, b any, out *[]DiffEntry) {
	if reflect.DeepEqual(a, b) {
		return
	}
	aMap, aIsMap := a.(map[string]any)
	bMap, bIsMap := b.(map[string]any)
	if aIsMap && bIsMap {
		for _, k := range sortedKeys(aMap) {
			bv, ok := bMap[k]
			if !ok {
				*out = append(*out, DiffEntry{Path: joinPath(childPath(path, k)), Type: "removed", Severity: conflict.Low})
				continue
			}
			diffEntries(childPath(path, k), aMap[k], bv, out)
		}
		for _, k := range sortedKeys(bMap) {
			if _, ok := aMap[k]; !ok {
				*out = append(*out, DiffEntry{Path: joinPath(childPath(path, k)), Type: "added", Severity: conflict.Low})
			}
		}
		return
	}
	severity := conflict.Medium
	if kindOf(a) != kindOf(b) {
		severity = conflict.Critical
	}
	*out = append(*out, DiffEntry{Path: joinPath(path), Type: "modified", Severity: severity})
}

// deepUnion merges src into tgt recursively; the target branch's value wins
// every leaf collision.
func deepUnion(src, tgt any) any {
	srcMap, srcIsMap := src.(map[string]any)
	tgtMap, tgtIsMap := tgt.(map[string]any)
	if srcIsMap && tgtIsMap {
		out := make(map[string]any, len(tgtMap)+len(srcMap))
		for k, v := range srcMap {
			out[k] = state.Clone(v)
		}
		for k, v := range tgtMap {
			if sv, ok := srcMap[k]; ok {
				out[k] = deepUnion(sv, v)
			} else {
				out[k] = state.Clone(v)
			}
		}
		return out
	}
	return state.Clone(tgt)
}

func kindOf(v any) string {
	switch v.(type) {
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "string"
	default:
		return "number"
	}
}

func joinPath(path []string) string {
	return strings.Join(path, "/")
}

// childPath copies before appending so sibling recursions don't share a
// backing array.
func childPath(path []string, key string) []string {
	next := make([]string, len(path), len(path)+1)
	copy(next, path)
	return append(next, key)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
