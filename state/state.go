// Package state holds the materialized document tree for a (room, branch)
// and applies committed operations to it.
package state

import (
	"strconv"

	"stateroom/op"
)

// Doc is the document tree: nested map[string]any / []any / scalars, the
// shape encoding/json produces.
type Doc = map[string]any

// State is the authoritative document for one (room, branch). It is only
// mutated by Apply under the branch's commit lock; readers always see a
// fully applied tree because Apply copies along the mutated path instead of
// editing in place.
type State struct {
	RoomID         string `json:"roomId"`
	Branch         string `json:"branch"`
	Doc            Doc    `json:"doc"`
	Version        int64  `json:"version"`
	LastModifiedBy string `json:"lastModifiedBy"`
}

// New returns an empty state at version zero.
func New(roomID, branch string) *State {
	return &State{RoomID: roomID, Branch: branch, Doc: Doc{}}
}

// Clone deep-copies a document value structurally (no serialization round
// trip). Scalars are returned as-is.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = Clone(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = Clone(e)
		}
		return s
	default:
		return v
	}
}

// CloneDoc is Clone specialized to the tree root.
func CloneDoc(d Doc) Doc {
	if d == nil {
		return Doc{}
	}
	return Clone(d).(map[string]any)
}

// Apply commits one transformed operation, returning the successor state.
// The input state is never modified: containers along the operation's path
// are copied, untouched siblings are shared. Structural mismatches (a path
// segment that doesn't exist for a delete or merge, an index out of range)
// degrade to a no-op commit; under heavy concurrency they are expected and
// must not tear down the room.
func Apply(st *State, o *op.Operation) *State {
	next := &State{
		RoomID:         st.RoomID,
		Branch:         st.Branch,
		Doc:            st.Doc,
		Version:        st.Version + 1,
		LastModifiedBy: o.Author.ClientID,
	}
	if _, isNoop := o.Payload.(op.Noop); isNoop || len(o.Path) == 0 {
		return next
	}
	doc, changed := applyAt(st.Doc, o.Path, o.Payload)
	if changed {
		next.Doc = doc.(map[string]any)
	}
	return next
}

// applyAt walks the path, copying each container it descends through, and
// performs the edit at the final segment. It returns the (possibly new)
// node and whether anything changed.
func applyAt(node any, path []string, p op.Payload) (any, bool) {
	if len(path) == 1 {
		return applyLeaf(node, path[0], p)
	}
	switch t := node.(type) {
	case map[string]any:
		child, ok := t[path[0]]
		if !ok {
			// Sets create missing intermediate objects; everything else
			// has nothing to edit.
			if _, isSet := p.(op.Set); !isSet {
				return node, false
			}
			child = map[string]any{}
		}
		newChild, changed := applyAt(child, path[1:], p)
		if !changed {
			return node, false
		}
		m := shallowCopyMap(t)
		m[path[0]] = newChild
		return m, true
	case []any:
		i, err := strconv.Atoi(path[0])
		if err != nil || i < 0 || i >= len(t) {
			return node, false
		}
		newChild, changed := applyAt(t[i], path[1:], p)
		if !changed {
			return node, false
		}
		s := shallowCopySlice(t)
		s[i] = newChild
		return s, true
	default:
		return node, false
	}
}

func applyLeaf(node any, key string, p op.Payload) (any, bool) {
	switch t := node.(type) {
	case map[string]any:
		return applyMapLeaf(t, key, p)
	case []any:
		i, err := strconv.Atoi(key)
		if err != nil {
			return node, false
		}
		return applySliceElem(t, i, p)
	default:
		return node, false
	}
}

func applyMapLeaf(m map[string]any, key string, p op.Payload) (any, bool) {
	switch v := p.(type) {
	case op.Set:
		out := shallowCopyMap(m)
		out[key] = Clone(v.Value)
		return out, true
	case op.ObjectMerge:
		child, ok := m[key].(map[string]any)
		if !ok {
			return m, false
		}
		merged := shallowCopyMap(child)
		for k, val := range v.Fields {
			merged[k] = Clone(val)
		}
		out := shallowCopyMap(m)
		out[key] = merged
		return out, true
	case op.ArrayInsert:
		arr, ok := m[key].([]any)
		if !ok {
			if _, exists := m[key]; exists {
				return m, false
			}
			arr = nil
		}
		out := shallowCopyMap(m)
		out[key] = insertAt(arr, v.Index, Clone(v.Value))
		return out, true
	case op.ArrayDelete:
		arr, ok := m[key].([]any)
		if !ok || v.Index < 0 || v.Index >= len(arr) {
			return m, false
		}
		out := shallowCopyMap(m)
		out[key] = deleteAt(arr, v.Index)
		return out, true
	case op.ArrayMove:
		arr, ok := m[key].([]any)
		if !ok || v.From < 0 || v.From >= len(arr) {
			return m, false
		}
		out := shallowCopyMap(m)
		out[key] = moveElem(arr, v.From, v.To)
		return out, true
	default:
		return m, false
	}
}

// applySliceElem handles a path whose final segment addresses an array
// element directly; only Set and ObjectMerge make sense there.
func applySliceElem(arr []any, i int, p op.Payload) (any, bool) {
	if i < 0 || i >= len(arr) {
		return arr, false
	}
	switch v := p.(type) {
	case op.Set:
		out := shallowCopySlice(arr)
		out[i] = Clone(v.Value)
		return out, true
	case op.ObjectMerge:
		child, ok := arr[i].(map[string]any)
		if !ok {
			return arr, false
		}
		merged := shallowCopyMap(child)
		for k, val := range v.Fields {
			merged[k] = Clone(val)
		}
		out := shallowCopySlice(arr)
		out[i] = merged
		return out, true
	default:
		return arr, false
	}
}

// insertAt clamps the index into [0, len] rather than rejecting it; a
// transformed insert may legitimately land past the current tail.
func insertAt(arr []any, i int, v any) []any {
	if i < 0 {
		i = 0
	}
	if i > len(arr) {
		i = len(arr)
	}
	out := make([]any, 0, len(arr)+1)
	out = append(out, arr[:i]...)
	out = append(out, v)
	out = append(out, arr[i:]...)
	return out
}

func deleteAt(arr []any, i int) []any {
	out := make([]any, 0, len(arr)-1)
	out = append(out, arr[:i]...)
	out = append(out, arr[i+1:]...)
	return out
}

func moveElem(arr []any, from, to int) []any {
	v := arr[from]
	without := deleteAt(arr, from)
	return insertAt(without, to, v)
}

func shallowCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func shallowCopySlice(s []any) []any {
	out := make([]any, len(s))
	copy(out, s)
	return out
}
