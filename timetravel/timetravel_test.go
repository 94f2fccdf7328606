package timetravel

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stateroom/conflict"
	"stateroom/state"
)

// memStore is an in-memory Store for exercising the service without a
// database.
type memStore struct {
	snaps    map[string]*Snapshot
	branches map[string]*Branch
	states   map[string]*state.State
}

func newMemStore() *memStore {
	return &memStore{
		snaps:    make(map[string]*Snapshot),
		branches: make(map[string]*Branch),
		states:   make(map[string]*state.State),
	}
}

func branchKey(roomID, name string) string { return roomID + "\x00" + name }

func (m *memStore) InsertSnapshot(_ context.Context, s *Snapshot) error {
	m.snaps[s.ID] = s
	return nil
}

func (m *memStore) Snapshot(_ context.Context, roomID, snapshotID string) (*Snapshot, error) {
	s, ok := m.snaps[snapshotID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *memStore) branchSnaps(roomID, branch string) []*Snapshot {
	var out []*Snapshot
	for _, s := range m.snaps {
		if s.RoomID == roomID && s.Branch == branch {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out
}

func (m *memStore) LatestSnapshot(_ context.Context, roomID, branch string) (*Snapshot, error) {
	snaps := m.branchSnaps(roomID, branch)
	if len(snaps) == 0 {
		return nil, ErrNotFound
	}
	return snaps[0], nil
}

func (m *memStore) ListSnapshots(_ context.Context, roomID, branch string, limit int) ([]*Snapshot, error) {
	snaps := m.branchSnaps(roomID, branch)
	if len(snaps) > limit {
		snaps = snaps[:limit]
	}
	return snaps, nil
}

func (m *memStore) SnapshotCount(_ context.Context, roomID, branch string) (int, error) {
	return len(m.branchSnaps(roomID, branch)), nil
}

func (m *memStore) PruneSnapshots(_ context.Context, roomID, branch string, keep int) error {
	snaps := m.branchSnaps(roomID, branch)
	for _, s := range snaps[min(keep, len(snaps)):] {
		delete(m.snaps, s.ID)
	}
	return nil
}

func (m *memStore) InsertBranch(_ context.Context, b *Branch) error {
	m.branches[branchKey(b.RoomID, b.Name)] = b
	return nil
}

func (m *memStore) Branch(_ context.Context, roomID, name string) (*Branch, error) {
	b, ok := m.branches[branchKey(roomID, name)]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

func (m *memStore) ListBranches(_ context.Context, roomID string) ([]*Branch, error) {
	var out []*Branch
	for _, b := range m.branches {
		if b.RoomID == roomID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) BranchCount(_ context.Context, roomID string) (int, error) {
	n := 0
	for _, b := range m.branches {
		if b.RoomID == roomID {
			n++
		}
	}
	return n, nil
}

func (m *memStore) SetBranchVersion(_ context.Context, roomID, name string, version int64) error {
	b, ok := m.branches[branchKey(roomID, name)]
	if !ok {
		return ErrNotFound
	}
	b.Version = version
	return nil
}

func (m *memStore) SaveState(_ context.Context, st *state.State) error {
	key := branchKey(st.RoomID, st.Branch)
	// Monotonic per the Store contract.
	if cur, ok := m.states[key]; ok && st.Version < cur.Version {
		return nil
	}
	m.states[key] = st
	return nil
}

func newService(t *testing.T, store Store, lim Limits) *Service {
	t.Helper()
	return New(store, lim, nil)
}

func TestCreateSnapshotLinksParent(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, newMemStore(), Limits{})

	first, err := svc.CreateSnapshot(ctx, "r1", "main", state.Doc{"title": "v1"}, 1, "initial", "alice")
	require.NoError(t, err)
	assert.Empty(t, first.ParentID)
	assert.Len(t, first.Checksum, 64)

	second, err := svc.CreateSnapshot(ctx, "r1", "main", state.Doc{"title": "v2"}, 2, "", "alice")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ParentID)
	assert.NotEqual(t, first.Checksum, second.Checksum)
}

func TestCreateSnapshotSizeLimit(t *testing.T) {
	svc := newService(t, newMemStore(), Limits{MaxSnapshotBytes: 32})
	_, err := svc.CreateSnapshot(context.Background(), "r1", "main",
		state.Doc{"blob": "this payload is comfortably past the limit"}, 1, "", "")
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestSnapshotRetention(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := newService(t, store, Limits{SnapshotRetention: 3})

	for v := int64(1); v <= 6; v++ {
		_, err := svc.CreateSnapshot(ctx, "r1", "main", state.Doc{"v": v}, v, "", "")
		require.NoError(t, err)
	}
	snaps, err := svc.Timeline(ctx, "r1", "main", 10)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.Equal(t, int64(6), snaps[0].Version, "newest first")
	assert.Equal(t, int64(4), snaps[2].Version, "oldest pruned")
}

func TestCreateBranch(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := newService(t, store, Limits{MaxBranches: 2})

	base, err := svc.CreateSnapshot(ctx, "r1", "main", state.Doc{"title": "base"}, 5, "", "alice")
	require.NoError(t, err)

	b, err := svc.CreateBranch(ctx, "r1", base.ID, "feature")
	require.NoError(t, err)
	assert.Equal(t, int64(5), b.Version)
	assert.Equal(t, base.ID, b.BaseSnapshotID)

	// The branch opens with a snapshot parented on the base, and live state.
	first, err := store.LatestSnapshot(ctx, "r1", "feature")
	require.NoError(t, err)
	assert.Equal(t, base.ID, first.ParentID)
	assert.Equal(t, "base", first.Doc["title"])
	st := store.states[branchKey("r1", "feature")]
	require.NotNil(t, st)
	assert.Equal(t, int64(5), st.Version)

	_, err = svc.CreateBranch(ctx, "r1", base.ID, "feature")
	assert.ErrorIs(t, err, ErrBranchExists)

	_, err = svc.CreateBranch(ctx, "r1", base.ID, "another")
	require.NoError(t, err)
	_, err = svc.CreateBranch(ctx, "r1", base.ID, "one-too-many")
	assert.ErrorIs(t, err, ErrLimitExceeded)

	_, err = svc.CreateBranch(ctx, "r1", "no-such-snapshot", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRevertAppendsHistory(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := newService(t, store, Limits{})

	old, err := svc.CreateSnapshot(ctx, "r1", "main", state.Doc{"title": "good"}, 5, "", "alice")
	require.NoError(t, err)
	_, err = svc.CreateSnapshot(ctx, "r1", "main", state.Doc{"title": "bad"}, 9, "", "bob")
	require.NoError(t, err)
	require.NoError(t, store.InsertBranch(ctx, &Branch{RoomID: "r1", Name: "main", Version: 9}))

	snap, st, err := svc.RevertToSnapshot(ctx, "r1", "main", old.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), snap.Version, "revert appends, never rewinds the counter")
	assert.Equal(t, "good", snap.Doc["title"])
	assert.Equal(t, old.ID, snap.ParentID)
	assert.Equal(t, int64(10), st.Version)
	assert.Equal(t, "good", st.Doc["title"])

	b, err := store.Branch(ctx, "r1", "main")
	require.NoError(t, err)
	assert.Equal(t, int64(10), b.Version)

	// History still holds all three snapshots.
	snaps, err := svc.Timeline(ctx, "r1", "main", 10)
	require.NoError(t, err)
	assert.Len(t, snaps, 3)
}

func TestRevertDetectsTampering(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := newService(t, store, Limits{})

	snap, err := svc.CreateSnapshot(ctx, "r1", "main", state.Doc{"title": "good"}, 5, "", "")
	require.NoError(t, err)
	require.NoError(t, store.InsertBranch(ctx, &Branch{RoomID: "r1", Name: "main", Version: 5}))

	store.snaps[snap.ID].Doc["title"] = "tampered"
	_, _, err = svc.RevertToSnapshot(ctx, "r1", "main", snap.ID)
	assert.ErrorIs(t, err, ErrIntegrity)
}

// Merging a branch at version 10 into one at version 20 lands the merged
// snapshot at version 21.
func TestMergeVersionIsMaxPlusOne(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := newService(t, store, Limits{})

	require.NoError(t, store.InsertBranch(ctx, &Branch{RoomID: "r1", Name: "feature", Version: 10}))
	require.NoError(t, store.InsertBranch(ctx, &Branch{RoomID: "r1", Name: "main", Version: 20}))
	_, err := svc.CreateSnapshot(ctx, "r1", "feature", state.Doc{"title": "theirs", "extra": "kept"}, 10, "", "")
	require.NoError(t, err)
	_, err = svc.CreateSnapshot(ctx, "r1", "main", state.Doc{"title": "ours"}, 20, "", "")
	require.NoError(t, err)

	res, err := svc.MergeBranch(ctx, "r1", "feature", "main", MergeAuto)
	require.NoError(t, err)
	require.True(t, res.Merged)
	assert.NoError(t, res.Err())
	assert.Equal(t, int64(21), res.Snapshot.Version)

	// Target wins the colliding leaf; source-only keys survive.
	assert.Equal(t, "ours", res.State.Doc["title"])
	assert.Equal(t, "kept", res.State.Doc["extra"])

	b, err := store.Branch(ctx, "r1", "main")
	require.NoError(t, err)
	assert.Equal(t, int64(21), b.Version)
}

func TestMergeManualAbortsOnConflicts(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := newService(t, store, Limits{})

	require.NoError(t, store.InsertBranch(ctx, &Branch{RoomID: "r1", Name: "feature", Version: 2}))
	require.NoError(t, store.InsertBranch(ctx, &Branch{RoomID: "r1", Name: "main", Version: 3}))
	_, err := svc.CreateSnapshot(ctx, "r1", "feature", state.Doc{"title": "a"}, 2, "", "")
	require.NoError(t, err)
	_, err = svc.CreateSnapshot(ctx, "r1", "main", state.Doc{"title": "b"}, 3, "", "")
	require.NoError(t, err)

	res, err := svc.MergeBranch(ctx, "r1", "feature", "main", MergeManual)
	require.NoError(t, err)
	assert.False(t, res.Merged)
	assert.True(t, res.RequiresManual)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "concurrent_modification", res.Conflicts[0].Type)
	assert.Equal(t, "title", res.Conflicts[0].Path)
	assert.Error(t, res.Err())
}

func TestMergeAutoAbortsOnTypeMismatch(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := newService(t, store, Limits{})

	require.NoError(t, store.InsertBranch(ctx, &Branch{RoomID: "r1", Name: "feature", Version: 2}))
	require.NoError(t, store.InsertBranch(ctx, &Branch{RoomID: "r1", Name: "main", Version: 3}))
	_, err := svc.CreateSnapshot(ctx, "r1", "feature", state.Doc{"meta": "scalar"}, 2, "", "")
	require.NoError(t, err)
	_, err = svc.CreateSnapshot(ctx, "r1", "main", state.Doc{"meta": map[string]any{"k": 1}}, 3, "", "")
	require.NoError(t, err)

	res, err := svc.MergeBranch(ctx, "r1", "feature", "main", MergeAuto)
	require.NoError(t, err)
	assert.False(t, res.Merged)
	assert.True(t, res.RequiresManual)
	require.NotEmpty(t, res.Conflicts)
	assert.Equal(t, "type_mismatch", res.Conflicts[0].Type)
	assert.Equal(t, conflict.Critical, res.Conflicts[0].Severity)
}

func TestMergeOursAndTheirs(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := newService(t, store, Limits{})

	require.NoError(t, store.InsertBranch(ctx, &Branch{RoomID: "r1", Name: "feature", Version: 2}))
	require.NoError(t, store.InsertBranch(ctx, &Branch{RoomID: "r1", Name: "main", Version: 3}))
	_, err := svc.CreateSnapshot(ctx, "r1", "feature", state.Doc{"title": "theirs"}, 2, "", "")
	require.NoError(t, err)
	_, err = svc.CreateSnapshot(ctx, "r1", "main", state.Doc{"title": "ours"}, 3, "", "")
	require.NoError(t, err)

	res, err := svc.MergeBranch(ctx, "r1", "feature", "main", MergeOurs)
	require.NoError(t, err)
	require.True(t, res.Merged)
	assert.Equal(t, "ours", res.State.Doc["title"])

	res, err = svc.MergeBranch(ctx, "r1", "feature", "main", MergeTheirs)
	require.NoError(t, err)
	require.True(t, res.Merged)
	assert.Equal(t, "theirs", res.State.Doc["title"])
}

func TestCompareBranches(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := newService(t, store, Limits{})

	_, err := svc.CreateSnapshot(ctx, "r1", "a", state.Doc{"title": "x", "gone": 1}, 1, "", "")
	require.NoError(t, err)
	_, err = svc.CreateSnapshot(ctx, "r1", "b", state.Doc{"title": "y", "new": 2}, 1, "", "")
	require.NoError(t, err)

	diff, err := svc.CompareBranches(ctx, "r1", "a", "b")
	require.NoError(t, err)
	assert.False(t, diff.Mergeable)

	byPath := make(map[string]string, len(diff.Entries))
	for _, e := range diff.Entries {
		byPath[e.Path] = e.Type
	}
	assert.Equal(t, "modified", byPath["title"])
	assert.Equal(t, "removed", byPath["gone"])
	assert.Equal(t, "added", byPath["new"])

	// Additions and removals alone merge cleanly.
	_, err = svc.CreateSnapshot(ctx, "r2", "a", state.Doc{"only-a": 1}, 1, "", "")
	require.NoError(t, err)
	_, err = svc.CreateSnapshot(ctx, "r2", "b", state.Doc{"only-b": 2}, 1, "", "")
	require.NoError(t, err)
	diff, err = svc.CompareBranches(ctx, "r2", "a", "b")
	require.NoError(t, err)
	assert.True(t, diff.Mergeable)
}
