package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stateroom/cache"
	"stateroom/op"
	"stateroom/state"
	"stateroom/timetravel"
	"stateroom/transform"
)

// session is the live view of one (room, branch): the materialized state,
// the room's vector clock, and the recent-operation window conflict
// detection reasons over. All three are only touched while holding the
// session lock, which serializes the whole commit path.
type session struct {
	roomID string
	branch string

	// lockCh is a 1-slot semaphore so acquisition can race a context and a
	// timeout. Submissions for the same branch queue here in arrival order;
	// different branches proceed in parallel.
	lockCh chan struct{}

	st      *state.State
	clock   op.Clock
	window  []*op.Operation
	commits int // since the last automatic snapshot
}

// acquire takes the commit lock, giving up on ctx cancellation (the queued
// commit is skipped cooperatively) or after the configured timeout. Once
// acquired, the commit runs to completion regardless of ctx.
func (s *session) acquire(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.lockCh <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w: branch %q after %s", ErrTimeout, s.branch, timeout)
	}
}

func (s *session) release() {
	<-s.lockCh
}

// copyState returns a copy of the current doc and version for snapshotting,
// holding the lock just long enough to copy. The session fields are only
// read under the lock, so an acquisition failure propagates.
func (s *session) copyState(ctx context.Context, timeout time.Duration) (state.Doc, int64, error) {
	if err := s.acquire(ctx, timeout); err != nil {
		return nil, 0, err
	}
	defer s.release()
	return state.CloneDoc(s.st.Doc), s.st.Version, nil
}

// session returns the live session for (room, branch), loading it from the
// durable store on first touch: saved state if present, else the latest
// snapshot, then any operations persisted past it are replayed (the store
// may lag the in-memory state since commits persist asynchronously).
func (e *Engine) session(ctx context.Context, roomID, branch string) (*session, error) {
	key := roomID + "\x00" + branch
	e.mu.Lock()
	if s, ok := e.sessions[key]; ok {
		e.mu.Unlock()
		return s, nil
	}
	e.mu.Unlock()

	s, err := e.loadSession(ctx, roomID, branch)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.sessions[key]; ok {
		return existing, nil
	}
	e.sessions[key] = s
	return s, nil
}

func (e *Engine) loadSession(ctx context.Context, roomID, branch string) (*session, error) {
	if _, err := e.store.Branch(ctx, roomID, branch); err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if branch != "main" {
			return nil, fmt.Errorf("%w: branch %q in room %s", ErrNotFound, branch, roomID)
		}
		// The default branch comes into being with the room.
		b := &timetravel.Branch{RoomID: roomID, Name: branch, CreatedAt: time.Now()}
		if err := e.store.InsertBranch(ctx, b); err != nil {
			return nil, err
		}
	}

	st, err := e.store.LoadState(ctx, roomID, branch)
	if errors.Is(err, ErrNotFound) {
		if snap, serr := e.store.LatestSnapshot(ctx, roomID, branch); serr == nil {
			st = &state.State{RoomID: roomID, Branch: branch, Doc: state.CloneDoc(snap.Doc), Version: snap.Version}
		} else if errors.Is(serr, ErrNotFound) {
			st = state.New(roomID, branch)
		} else {
			return nil, serr
		}
	} else if err != nil {
		return nil, err
	}

	// The clock is rebuilt from the full branch log, not the bounded replay
	// window: every committed operation advanced its author's counter by
	// one, so counters must survive a restart intact.
	clock, err := e.store.BranchClock(ctx, roomID, branch)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = op.Clock{}
	}

	s := &session{
		roomID: roomID,
		branch: branch,
		lockCh: make(chan struct{}, 1),
		st:     st,
		clock:  clock,
	}

	// Replay anything committed past the saved state: commits persist
	// asynchronously, so the log can be ahead of the saved state.
	notBefore := time.Now().Add(-e.cfg.ConflictWindowAge)
	ops, err := e.store.OperationsSince(ctx, roomID, branch, st.Version, notBefore, e.cfg.ConflictWindowOps)
	if err != nil {
		return nil, err
	}
	for _, o := range ops {
		s.st = state.Apply(s.st, o)
		s.window = append(s.window, o)
	}
	return s, nil
}

// swapSessionState replaces a branch's live state after a merge or revert.
// The recent-operation window is cleared: it described the previous tree.
func (e *Engine) swapSessionState(ctx context.Context, roomID, branch string, st *state.State) error {
	s, err := e.session(ctx, roomID, branch)
	if err != nil {
		return err
	}
	if err := s.acquire(ctx, e.cfg.CommitTimeout); err != nil {
		return err
	}
	defer s.release()
	s.st = st
	s.window = nil
	s.commits = 0
	return nil
}

// SubmitOperation runs the full pipeline for one client mutation: conflict
// detection over the branch's recent-operation window, resolution under the
// requested strategy, materialization, clock advance, async persistence,
// caching and broadcast. The whole sequence holds the branch's commit lock.
func (e *Engine) SubmitOperation(ctx context.Context, tenantID string, o *op.Operation, strategy transform.Strategy) (*CommitResult, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if o == nil {
		return nil, &op.ValidationError{Field: "operation", Reason: "required"}
	}
	// Operations decoded off the wire bypass op.New, so the structural
	// bounds are re-checked here.
	if err := o.Validate(op.Limits{MaxPathDepth: e.cfg.MaxPathDepth, MaxValueBytes: e.cfg.MaxValueBytes}); err != nil {
		return nil, err
	}
	if !strategy.Valid() {
		return nil, &op.ValidationError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", strategy)}
	}

	// Clients over the wire may omit identity fields; fill them so caching
	// and window filtering stay sound.
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Timestamp == 0 {
		o.Timestamp = time.Now().UnixNano()
	}

	room, err := e.EnsureRoom(ctx, tenantID, o.RoomID)
	if err != nil {
		return nil, err
	}
	if strategy == "" {
		strategy = room.Strategy
	}

	key := cache.Key(o.RoomID, o.ID)
	if cached, ok := e.cacheGet(ctx, key); ok {
		return cached, nil
	}

	s, err := e.session(ctx, o.RoomID, o.Branch)
	if err != nil {
		return nil, err
	}
	if err := s.acquire(ctx, e.cfg.CommitTimeout); err != nil {
		return nil, err
	}
	defer s.release()

	window := s.concurrentSince(o, e.cfg.ConflictWindowAge, e.cfg.ConflictWindowOps)
	res, err := e.ot.Process(o, window, strategy)
	if err != nil {
		return nil, err
	}

	cr := &CommitResult{
		Accepted:       res.Accepted,
		RequiresManual: res.RequiresManual,
		LowConfidence:  res.LowConfidence,
		Conflicts:      res.Conflicts,
		Reason:         res.Reason,
	}
	if !res.Accepted {
		// Rejections are not cached: the cache key identifies the operation,
		// not the (operation, strategy) pair, and a client retrying a
		// manual-strategy rejection under a different strategy must reach
		// the pipeline again.
		return cr, nil
	}

	committed := res.Transformed.Clone()
	s.st = state.Apply(s.st, committed)
	committed.Committed = s.st.Version
	s.clock.Advance(committed.Author.ClientID)
	s.appendWindow(committed, e.cfg.ConflictWindowOps)
	s.commits++

	cr.Operation = committed
	cr.Version = s.st.Version
	cr.Clock = s.clock.Clone()

	e.persistAsync(committed, s.st)
	if room.SnapshotEvery > 0 && s.commits >= room.SnapshotEvery {
		s.commits = 0
		e.snapshotAsync(o.RoomID, o.Branch, state.CloneDoc(s.st.Doc), s.st.Version)
	}

	e.cacheSet(ctx, key, cr)
	e.broadcast(ctx, o.RoomID, CommitEvent{Type: "operation_committed", RoomID: o.RoomID, Branch: o.Branch, Result: cr})
	return cr, nil
}

// concurrentSince selects window operations committed after the candidate's
// declared version, bounded by count and age. Caller holds the lock.
func (s *session) concurrentSince(cand *op.Operation, maxAge time.Duration, maxOps int) []*op.Operation {
	cutoff := time.Now().Add(-maxAge).UnixNano()
	var out []*op.Operation
	for _, w := range s.window {
		if w.Committed > cand.Version && w.Timestamp >= cutoff {
			out = append(out, w)
		}
	}
	if len(out) > maxOps {
		out = out[len(out)-maxOps:]
	}
	return out
}

func (s *session) appendWindow(o *op.Operation, maxOps int) {
	s.window = append(s.window, o)
	if len(s.window) > maxOps {
		s.window = s.window[len(s.window)-maxOps:]
	}
}

// persistAsync writes the operation and state in the background. The
// in-memory session is authoritative; a persistence failure is logged and
// never fails the commit.
func (e *Engine) persistAsync(o *op.Operation, st *state.State) {
	snapshot := &state.State{
		RoomID:         st.RoomID,
		Branch:         st.Branch,
		Doc:            st.Doc, // Apply never mutates a published tree
		Version:        st.Version,
		LastModifiedBy: st.LastModifiedBy,
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.store.InsertOperation(ctx, o); err != nil {
			e.log.Warn("operation persist failed", "room", o.RoomID, "operation", o.ID, "err", err)
		}
		if err := e.store.SaveState(ctx, snapshot); err != nil {
			e.log.Warn("state persist failed", "room", o.RoomID, "branch", o.Branch, "err", err)
		}
		if err := e.store.SetBranchVersion(ctx, o.RoomID, o.Branch, snapshot.Version); err != nil {
			e.log.Warn("branch version persist failed", "room", o.RoomID, "branch", o.Branch, "err", err)
		}
	}()
}

func (e *Engine) snapshotAsync(roomID, branch string, doc state.Doc, version int64) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := e.tt.CreateSnapshot(ctx, roomID, branch, doc, version, "automatic snapshot", ""); err != nil {
			e.log.Warn("automatic snapshot failed", "room", roomID, "branch", branch, "err", err)
		}
	}()
}

func (e *Engine) cacheGet(ctx context.Context, key string) (*CommitResult, bool) {
	if e.cache == nil {
		return nil, false
	}
	raw, ok := e.cache.Get(ctx, key)
	if !ok {
		return nil, false
	}
	var cr CommitResult
	if err := json.Unmarshal(raw, &cr); err != nil {
		e.log.Debug("cached result decode failed", "key", key, "err", err)
		return nil, false
	}
	return &cr, true
}

func (e *Engine) cacheSet(ctx context.Context, key string, cr *CommitResult) {
	if e.cache == nil {
		return
	}
	raw, err := json.Marshal(cr)
	if err != nil {
		e.log.Debug("result encode for cache failed", "key", key, "err", err)
		return
	}
	e.cache.Set(ctx, key, raw)
}
