package state

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stateroom/op"
)

func apply(st *State, path []string, p op.Payload) *State {
	return Apply(st, &op.Operation{Path: path, Payload: p, Author: op.Author{ClientID: "c1"}})
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	st := New("r1", "main")
	st.Doc = Doc{
		"title": "old",
		"meta":  map[string]any{"tags": []any{"a", "b"}},
	}
	before := CloneDoc(st.Doc)

	next := apply(st, []string{"meta", "tags"}, op.ArrayInsert{Index: 1, Value: "c"})

	if diff := cmp.Diff(before, st.Doc); diff != "" {
		t.Fatalf("input state mutated (-want +got):\n%s", diff)
	}
	assert.Equal(t, []any{"a", "c", "b"}, next.Doc["meta"].(map[string]any)["tags"])
	assert.Equal(t, st.Version+1, next.Version)
	assert.Equal(t, "c1", next.LastModifiedBy)

	// Untouched siblings are shared, not copied.
	assert.Equal(t, "old", next.Doc["title"])
}

func TestApplySetCreatesIntermediateObjects(t *testing.T) {
	st := New("r1", "main")
	next := apply(st, []string{"a", "b", "c"}, op.Set{Value: 42})

	a, ok := next.Doc["a"].(map[string]any)
	require.True(t, ok)
	b, ok := a["b"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 42, b["c"])
}

func TestApplyNoopBumpsVersion(t *testing.T) {
	st := New("r1", "main")
	st.Doc["title"] = "x"
	st.Version = 7

	next := apply(st, []string{"items"}, op.Noop{})
	assert.Equal(t, int64(8), next.Version)
	assert.Equal(t, "x", next.Doc["title"])
}

func TestApplyArrayOps(t *testing.T) {
	st := New("r1", "main")
	st.Doc["items"] = []any{"a", "b", "c"}

	tests := []struct {
		name string
		p    op.Payload
		want []any
	}{
		{"insert middle", op.ArrayInsert{Index: 1, Value: "x"}, []any{"a", "x", "b", "c"}},
		{"insert clamped past tail", op.ArrayInsert{Index: 99, Value: "x"}, []any{"a", "b", "c", "x"}},
		{"delete", op.ArrayDelete{Index: 1}, []any{"a", "c"}},
		{"move forward", op.ArrayMove{From: 0, To: 2}, []any{"b", "c", "a"}},
		{"move backward", op.ArrayMove{From: 2, To: 0}, []any{"c", "a", "b"}},
		{"move to clamped tail", op.ArrayMove{From: 0, To: 99}, []any{"b", "c", "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := apply(st, []string{"items"}, tt.p)
			assert.Equal(t, tt.want, next.Doc["items"])
		})
	}
}

func TestApplyInsertIntoMissingKeyCreatesArray(t *testing.T) {
	st := New("r1", "main")
	next := apply(st, []string{"items"}, op.ArrayInsert{Index: 0, Value: "a"})
	assert.Equal(t, []any{"a"}, next.Doc["items"])
}

// Structural mismatches commit as no-ops: the version advances but the tree
// is untouched.
func TestApplyDegradesToNoop(t *testing.T) {
	st := New("r1", "main")
	st.Doc["title"] = "x"
	st.Doc["items"] = []any{"a"}

	tests := []struct {
		name string
		path []string
		p    op.Payload
	}{
		{"merge into missing key", []string{"cfg"}, op.ObjectMerge{Fields: map[string]any{"a": 1}}},
		{"merge into scalar", []string{"title"}, op.ObjectMerge{Fields: map[string]any{"a": 1}}},
		{"delete out of range", []string{"items"}, op.ArrayDelete{Index: 5}},
		{"delete on scalar", []string{"title"}, op.ArrayDelete{Index: 0}},
		{"move from out of range", []string{"items"}, op.ArrayMove{From: 3, To: 0}},
		{"descend through scalar", []string{"title", "x"}, op.ArrayDelete{Index: 0}},
		{"non-numeric array segment", []string{"items", "x"}, op.Set{Value: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := apply(st, tt.path, tt.p)
			assert.Equal(t, st.Version+1, next.Version)
			if diff := cmp.Diff(st.Doc, next.Doc); diff != "" {
				t.Fatalf("doc changed (-want +got):\n%s", diff)
			}
		})
	}
}

func TestApplyNumericSegmentAddressesArray(t *testing.T) {
	st := New("r1", "main")
	st.Doc["rows"] = []any{
		map[string]any{"id": 1, "name": "one"},
		map[string]any{"id": 2, "name": "two"},
	}

	next := apply(st, []string{"rows", "1", "name"}, op.Set{Value: "TWO"})
	row := next.Doc["rows"].([]any)[1].(map[string]any)
	assert.Equal(t, "TWO", row["name"])

	// The other element is shared with the input state.
	assert.Equal(t, "one", next.Doc["rows"].([]any)[0].(map[string]any)["name"])

	next = apply(st, []string{"rows", "0"}, op.ObjectMerge{Fields: map[string]any{"flag": true}})
	row = next.Doc["rows"].([]any)[0].(map[string]any)
	assert.Equal(t, true, row["flag"])
	assert.Equal(t, "one", row["name"])
}

func TestApplySetSnapshotsValue(t *testing.T) {
	st := New("r1", "main")
	val := map[string]any{"k": "v"}
	next := apply(st, []string{"obj"}, op.Set{Value: val})

	val["k"] = "mutated"
	assert.Equal(t, "v", next.Doc["obj"].(map[string]any)["k"])
}

func TestCloneDocIndependence(t *testing.T) {
	orig := Doc{"a": map[string]any{"b": []any{1, 2}}}
	cp := CloneDoc(orig)

	cp["a"].(map[string]any)["b"].([]any)[0] = 99
	assert.Equal(t, 1, orig["a"].(map[string]any)["b"].([]any)[0])

	assert.NotNil(t, CloneDoc(nil))
}
