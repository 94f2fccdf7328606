// Package presence tracks who is in a room right now: per-session liveness,
// cursor and viewport, refreshed by heartbeats and expired by a background
// sweep. Presence is soft state: the in-memory copy is authoritative and
// durable writes are throttled, since a lost record is recovered by
// rejoining.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
)

var (
	ErrRoomFull = errors.New("room presence capacity exceeded")
	ErrNotFound = errors.New("presence not found")
)

// Cursor is the author's position in the document.
type Cursor struct {
	Path  []string `json:"path,omitempty"`
	Start int      `json:"start"`
	End   int      `json:"end"`
}

// Viewport is the visible document region.
type Viewport struct {
	Top    float64 `json:"top"`
	Bottom float64 `json:"bottom"`
}

// Presence is one session's ephemeral record in a room.
type Presence struct {
	RoomID      string            `json:"roomId"`
	SessionID   string            `json:"sessionId"`
	UserID      string            `json:"userId"`
	DisplayName string            `json:"displayName,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
	Cursor      *Cursor           `json:"cursor,omitempty"`
	Viewport    *Viewport         `json:"viewport,omitempty"`
	Active      bool              `json:"isActive"`
	JoinedAt    time.Time         `json:"joinedAt"`
	LastSeen    time.Time         `json:"lastSeen"`
}

// Store is the optional durable sink. Failures are logged, never surfaced:
// presence must not abort on a persistence hiccup.
type Store interface {
	UpsertPresence(ctx context.Context, p *Presence) error
	DeletePresence(ctx context.Context, roomID, sessionID string) error
}

// Notifier receives presence change events for fan-out.
type Notifier interface {
	Publish(ctx context.Context, roomID string, event any) error
}

// Event is what the tracker publishes.
type Event struct {
	Type     string    `json:"type"` // presence_joined | presence_updated | presence_left
	Presence *Presence `json:"presence"`
}

// Options bound the tracker; zero values fall back to defaults.
type Options struct {
	MaxPerRoom int
	TTL        time.Duration // active to idle after this without a heartbeat
	SweepEvery time.Duration
	SyncEvery  time.Duration // throttle for durable writes
	Logger     *slog.Logger
	Now        func() time.Time // test hook
}

func (o *Options) defaults() {
	if o.MaxPerRoom <= 0 {
		o.MaxPerRoom = 100
	}
	if o.TTL <= 0 {
		o.TTL = 30 * time.Second
	}
	if o.SweepEvery <= 0 {
		o.SweepEvery = 10 * time.Second
	}
	if o.SyncEvery <= 0 {
		o.SyncEvery = 15 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type entry struct {
	p           *Presence
	lastPersist time.Time
}

// Tracker holds every room's presence set.
type Tracker struct {
	opts  Options
	store Store    // may be nil
	bc    Notifier // may be nil

	mu    sync.RWMutex
	rooms map[string]map[string]*entry // roomID → sessionID → entry

	swept  atomic.Int64 // evictions total, for tests and logging
	cancel context.CancelFunc
	done   chan struct{}
}

func NewTracker(store Store, bc Notifier, opts Options) *Tracker {
	opts.defaults()
	return &Tracker{
		opts:  opts,
		store: store,
		bc:    bc,
		rooms: make(map[string]map[string]*entry),
	}
}

// Join registers a session in a room. A rejoin of the same session refreshes
// the existing record and never counts against capacity.
func (t *Tracker) Join(ctx context.Context, p *Presence) error {
	if p.RoomID == "" || p.SessionID == "" {
		return fmt.Errorf("%w: room and session ids are required", ErrNotFound)
	}
	now := t.opts.Now()

	t.mu.Lock()
	room := t.rooms[p.RoomID]
	if room == nil {
		room = make(map[string]*entry)
		t.rooms[p.RoomID] = room
	}
	if _, rejoining := room[p.SessionID]; !rejoining && len(room) >= t.opts.MaxPerRoom {
		t.mu.Unlock()
		return fmt.Errorf("%w: room %s is at %d presences", ErrRoomFull, p.RoomID, t.opts.MaxPerRoom)
	}
	cp := *p
	cp.Active = true
	cp.JoinedAt = now
	cp.LastSeen = now
	room[p.SessionID] = &entry{p: &cp, lastPersist: now}
	t.mu.Unlock()

	t.persist(ctx, &cp, true)
	t.notify(ctx, p.RoomID, Event{Type: "presence_joined", Presence: snapshotOf(&cp)})
	return nil
}

// Update refreshes cursor/viewport and the liveness window.
func (t *Tracker) Update(ctx context.Context, roomID, sessionID string, cursor *Cursor, viewport *Viewport) error {
	now := t.opts.Now()

	t.mu.Lock()
	e, ok := t.rooms[roomID][sessionID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: session %s in room %s", ErrNotFound, sessionID, roomID)
	}
	if cursor != nil {
		e.p.Cursor = cursor
	}
	if viewport != nil {
		e.p.Viewport = viewport
	}
	e.p.Active = true
	e.p.LastSeen = now
	throttled := now.Sub(e.lastPersist) < t.opts.SyncEvery
	if !throttled {
		e.lastPersist = now
	}
	cp := snapshotOf(e.p)
	t.mu.Unlock()

	if !throttled {
		t.persist(ctx, cp, false)
	}
	t.notify(ctx, roomID, Event{Type: "presence_updated", Presence: cp})
	return nil
}

// Heartbeat refreshes the liveness window without changing any metadata.
func (t *Tracker) Heartbeat(ctx context.Context, roomID, sessionID string) error {
	now := t.opts.Now()

	t.mu.Lock()
	e, ok := t.rooms[roomID][sessionID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: session %s in room %s", ErrNotFound, sessionID, roomID)
	}
	e.p.Active = true
	e.p.LastSeen = now
	throttled := now.Sub(e.lastPersist) < t.opts.SyncEvery
	if !throttled {
		e.lastPersist = now
	}
	cp := snapshotOf(e.p)
	t.mu.Unlock()

	if !throttled {
		t.persist(ctx, cp, false)
	}
	return nil
}

// Leave removes a session immediately.
func (t *Tracker) Leave(ctx context.Context, roomID, sessionID string) {
	t.mu.Lock()
	e, ok := t.rooms[roomID][sessionID]
	if ok {
		delete(t.rooms[roomID], sessionID)
		if len(t.rooms[roomID]) == 0 {
			delete(t.rooms, roomID)
		}
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	if t.store != nil {
		if err := t.store.DeletePresence(ctx, roomID, sessionID); err != nil {
			t.opts.Logger.Warn("presence delete failed", "room", roomID, "session", sessionID, "err", err)
		}
	}
	left := snapshotOf(e.p)
	left.Active = false
	t.notify(ctx, roomID, Event{Type: "presence_left", Presence: left})
}

// List returns copies of a room's presences, stable-ordered by join time.
func (t *Tracker) List(roomID string) []*Presence {
	t.mu.RLock()
	room := t.rooms[roomID]
	out := make([]*Presence, 0, len(room))
	for _, e := range room {
		out = append(out, snapshotOf(e.p))
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// Count returns a room's current presence count.
func (t *Tracker) Count(roomID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rooms[roomID])
}

// Start launches the sweep loop. Stop with Stop (or by canceling ctx).
func (t *Tracker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(t.opts.SweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it to exit.
func (t *Tracker) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
}

// Sweep marks presences idle after TTL without a heartbeat and evicts them
// after another TTL, emitting presence_left. It is best-effort: a missed
// sweep only delays eviction.
func (t *Tracker) Sweep(ctx context.Context) {
	now := t.opts.Now()
	type eviction struct {
		roomID string
		p      *Presence
	}
	var evicted []eviction

	t.mu.Lock()
	for roomID, room := range t.rooms {
		for sessionID, e := range room {
			idle := now.Sub(e.p.LastSeen)
			switch {
			case idle > 2*t.opts.TTL:
				delete(room, sessionID)
				gone := snapshotOf(e.p)
				gone.Active = false
				evicted = append(evicted, eviction{roomID: roomID, p: gone})
			case idle > t.opts.TTL:
				e.p.Active = false
			}
		}
		if len(room) == 0 {
			delete(t.rooms, roomID)
		}
	}
	t.mu.Unlock()

	for _, ev := range evicted {
		t.swept.Inc()
		if t.store != nil {
			if err := t.store.DeletePresence(ctx, ev.roomID, ev.p.SessionID); err != nil {
				t.opts.Logger.Warn("presence evict delete failed", "room", ev.roomID, "session", ev.p.SessionID, "err", err)
			}
		}
		t.notify(ctx, ev.roomID, Event{Type: "presence_left", Presence: ev.p})
	}
	if len(evicted) > 0 {
		t.opts.Logger.Debug("presence sweep evicted sessions", "count", len(evicted), "total", t.swept.Load())
	}
}

// Evicted reports how many sessions sweeps have removed since start.
func (t *Tracker) Evicted() int64 {
	return t.swept.Load()
}

func (t *Tracker) persist(ctx context.Context, p *Presence, must bool) {
	if t.store == nil {
		return
	}
	if err := t.store.UpsertPresence(ctx, p); err != nil {
		level := slog.LevelDebug
		if must {
			level = slog.LevelWarn
		}
		t.opts.Logger.Log(ctx, level, "presence persist failed", "room", p.RoomID, "session", p.SessionID, "err", err)
	}
}

func (t *Tracker) notify(ctx context.Context, roomID string, ev Event) {
	if t.bc == nil {
		return
	}
	if err := t.bc.Publish(ctx, roomID, ev); err != nil {
		t.opts.Logger.Debug("presence event publish failed", "room", roomID, "err", err)
	}
}

// snapshotOf copies a presence so callers never share the tracked record.
func snapshotOf(p *Presence) *Presence {
	cp := *p
	if p.Cursor != nil {
		c := *p.Cursor
		c.Path = append([]string(nil), p.Cursor.Path...)
		cp.Cursor = &c
	}
	if p.Viewport != nil {
		v := *p.Viewport
		cp.Viewport = &v
	}
	if p.Meta != nil {
		cp.Meta = make(map[string]string, len(p.Meta))
		for k, v := range p.Meta {
			cp.Meta[k] = v
		}
	}
	return &cp
}
