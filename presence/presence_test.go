package presence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives the tracker's notion of time.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordStore counts durable writes so throttling is observable.
type recordStore struct {
	mu      sync.Mutex
	upserts int
	deletes int
}

func (s *recordStore) UpsertPresence(context.Context, *Presence) error {
	s.mu.Lock()
	s.upserts++
	s.mu.Unlock()
	return nil
}

func (s *recordStore) DeletePresence(context.Context, string, string) error {
	s.mu.Lock()
	s.deletes++
	s.mu.Unlock()
	return nil
}

func (s *recordStore) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts, s.deletes
}

// recordNotifier captures published events in order.
type recordNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordNotifier) Publish(_ context.Context, _ string, event any) error {
	ev, ok := event.(Event)
	if !ok {
		return nil
	}
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
	return nil
}

func (n *recordNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	for i, ev := range n.events {
		out[i] = ev.Type
	}
	return out
}

func join(t *testing.T, tr *Tracker, roomID, sessionID string) {
	t.Helper()
	require.NoError(t, tr.Join(context.Background(), &Presence{
		RoomID:    roomID,
		SessionID: sessionID,
		UserID:    "u-" + sessionID,
	}))
}

func TestJoinCapacity(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(nil, nil, Options{MaxPerRoom: 100, Now: clock.Now})

	for i := 0; i < 100; i++ {
		join(t, tr, "r1", fmt.Sprintf("s-%03d", i))
	}
	assert.Equal(t, 100, tr.Count("r1"))

	err := tr.Join(context.Background(), &Presence{RoomID: "r1", SessionID: "s-one-more"})
	assert.ErrorIs(t, err, ErrRoomFull)

	// A rejoin of an existing session never counts against capacity.
	require.NoError(t, tr.Join(context.Background(), &Presence{RoomID: "r1", SessionID: "s-050"}))
	assert.Equal(t, 100, tr.Count("r1"))

	// Other rooms are unaffected.
	join(t, tr, "r2", "s-other")
	assert.Equal(t, 1, tr.Count("r2"))
}

func TestListIsOrderedAndCopied(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(nil, nil, Options{Now: clock.Now})

	join(t, tr, "r1", "s-b")
	clock.Advance(time.Second)
	join(t, tr, "r1", "s-a")

	list := tr.List("r1")
	require.Len(t, list, 2)
	assert.Equal(t, "s-b", list[0].SessionID, "join order, not session id order")
	assert.Equal(t, "s-a", list[1].SessionID)

	// Mutating the returned copy must not reach the tracked record.
	list[0].UserID = "hacked"
	assert.Equal(t, "u-s-b", tr.List("r1")[0].UserID)
}

func TestHeartbeatKeepsSessionAlive(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tr := NewTracker(nil, nil, Options{TTL: 30 * time.Second, Now: clock.Now})

	join(t, tr, "r1", "s1")
	join(t, tr, "r1", "s2")

	// s1 heartbeats, s2 goes quiet.
	clock.Advance(25 * time.Second)
	require.NoError(t, tr.Heartbeat(ctx, "r1", "s1"))
	clock.Advance(10 * time.Second)
	tr.Sweep(ctx)

	list := tr.List("r1")
	require.Len(t, list, 2)
	for _, p := range list {
		switch p.SessionID {
		case "s1":
			assert.True(t, p.Active)
		case "s2":
			assert.False(t, p.Active, "idle past TTL without a heartbeat")
		}
	}
}

func TestSweepEvictsAfterDoubleTTL(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := &recordStore{}
	notifier := &recordNotifier{}
	tr := NewTracker(store, notifier, Options{TTL: 30 * time.Second, Now: clock.Now})

	join(t, tr, "r1", "s1")

	clock.Advance(45 * time.Second)
	tr.Sweep(ctx)
	assert.Equal(t, 1, tr.Count("r1"), "idle but not yet evicted")
	assert.Equal(t, int64(0), tr.Evicted())

	clock.Advance(20 * time.Second)
	tr.Sweep(ctx)
	assert.Equal(t, 0, tr.Count("r1"))
	assert.Equal(t, int64(1), tr.Evicted())

	_, deletes := store.counts()
	assert.Equal(t, 1, deletes)
	assert.Equal(t, []string{"presence_joined", "presence_left"}, notifier.types())
}

func TestUpdatePersistThrottling(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := &recordStore{}
	tr := NewTracker(store, nil, Options{SyncEvery: 15 * time.Second, Now: clock.Now})

	join(t, tr, "r1", "s1")
	upserts, _ := store.counts()
	require.Equal(t, 1, upserts, "join always persists")

	// A burst of cursor updates inside the sync window stays in memory.
	for i := 0; i < 10; i++ {
		clock.Advance(time.Second)
		require.NoError(t, tr.Update(ctx, "r1", "s1", &Cursor{Start: i, End: i}, nil))
	}
	upserts, _ = store.counts()
	assert.Equal(t, 1, upserts)

	// Past the window the next update goes durable.
	clock.Advance(15 * time.Second)
	require.NoError(t, tr.Update(ctx, "r1", "s1", &Cursor{Start: 99, End: 99}, nil))
	upserts, _ = store.counts()
	assert.Equal(t, 2, upserts)

	// The in-memory record always has the latest cursor regardless.
	list := tr.List("r1")
	require.Len(t, list, 1)
	assert.Equal(t, 99, list[0].Cursor.Start)
}

func TestUpdateUnknownSession(t *testing.T) {
	tr := NewTracker(nil, nil, Options{})
	err := tr.Update(context.Background(), "r1", "ghost", nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)
	err = tr.Heartbeat(context.Background(), "r1", "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLeaveRemovesAndNotifies(t *testing.T) {
	ctx := context.Background()
	store := &recordStore{}
	notifier := &recordNotifier{}
	tr := NewTracker(store, notifier, Options{})

	join(t, tr, "r1", "s1")
	tr.Leave(ctx, "r1", "s1")
	assert.Equal(t, 0, tr.Count("r1"))

	_, deletes := store.counts()
	assert.Equal(t, 1, deletes)
	assert.Equal(t, []string{"presence_joined", "presence_left"}, notifier.types())

	// Leaving twice is a no-op.
	tr.Leave(ctx, "r1", "s1")
	_, deletes = store.counts()
	assert.Equal(t, 1, deletes)
}

func TestStartStopSweepLoop(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(nil, nil, Options{TTL: time.Second, SweepEvery: 5 * time.Millisecond, Now: clock.Now})

	join(t, tr, "r1", "s1")
	clock.Advance(3 * time.Second)

	tr.Start(context.Background())
	assert.Eventually(t, func() bool { return tr.Count("r1") == 0 }, time.Second, 5*time.Millisecond)
	tr.Stop()
}
