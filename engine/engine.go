// Package engine is the collaborative state engine: it serializes commits
// per (room, branch), runs conflict detection and operational transform over
// each submission, materializes accepted operations, and hands committed
// results to the broadcast collaborator. The durable store, transformation
// cache and broadcaster are injected; the engine holds no global state.
package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/atomic"

	"stateroom/conflict"
	"stateroom/config"
	"stateroom/op"
	"stateroom/presence"
	"stateroom/state"
	"stateroom/timetravel"
	"stateroom/transform"
)

var (
	// ErrNotFound is shared with the time-travel subsystem so callers match
	// one sentinel everywhere.
	ErrNotFound = timetravel.ErrNotFound

	ErrTimeout = errors.New("commit serialization timed out")
	ErrClosed  = errors.New("engine is closed")
)

// Room is a named collaboration unit scoped to a tenant. Created on first
// use; only configuration ever changes afterwards.
type Room struct {
	ID            string             `json:"id"`
	TenantID      string             `json:"tenantId"`
	Name          string             `json:"name,omitempty"`
	Strategy      transform.Strategy `json:"strategy,omitempty"`
	SnapshotEvery int                `json:"snapshotEvery,omitempty"`
	CreatedAt     time.Time          `json:"createdAt"`
}

// Store is the durable collaborator. models.Store implements it; tests use
// an in-memory fake.
type Store interface {
	timetravel.Store
	presence.Store

	CreateRoom(ctx context.Context, r *Room) error
	Room(ctx context.Context, tenantID, roomID string) (*Room, error)
	InsertOperation(ctx context.Context, o *op.Operation) error
	// OperationsSince returns operations on the branch committed after the
	// given version and not older than notBefore, oldest first, capped at
	// limit.
	OperationsSince(ctx context.Context, roomID, branch string, sinceVersion int64, notBefore time.Time, limit int) ([]*op.Operation, error)
	// BranchClock rebuilds the branch's vector clock from the full operation
	// log: one count per author per committed operation.
	BranchClock(ctx context.Context, roomID, branch string) (op.Clock, error)
	LoadState(ctx context.Context, roomID, branch string) (*state.State, error)
}

// Cache memoizes commit results by operation identity. Purely an
// optimization: misses and failures are equivalent.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte)
}

// Broadcaster receives committed-operation and presence events; fan-out to
// sessions is the transport's concern.
type Broadcaster interface {
	Publish(ctx context.Context, roomID string, event any) error
}

// CommitResult is what a submission returns. Conflicts are part of the
// result so the collaboration UI can present choices instead of failing.
type CommitResult struct {
	Accepted       bool                `json:"accepted"`
	RequiresManual bool                `json:"requiresManualResolution,omitempty"`
	LowConfidence  bool                `json:"lowConfidence,omitempty"`
	Conflicts      []conflict.Conflict `json:"conflicts,omitempty"`
	Operation      *op.Operation       `json:"operation,omitempty"` // as committed
	Version        int64               `json:"version,omitempty"`
	Clock          op.Clock            `json:"clock,omitempty"`
	Reason         string              `json:"reason,omitempty"`
}

// CommitEvent is broadcast after every accepted commit.
type CommitEvent struct {
	Type   string        `json:"type"` // always "operation_committed"
	RoomID string        `json:"roomId"`
	Branch string        `json:"branch"`
	Result *CommitResult `json:"result"`
}

// Engine owns the per-branch sessions and the subsystem services.
type Engine struct {
	cfg   *config.Config
	log   *slog.Logger
	store Store
	cache Cache       // may be nil
	bc    Broadcaster // may be nil

	ot   *transform.Engine
	tt   *timetravel.Service
	pres *presence.Tracker

	mu       sync.Mutex
	sessions map[string]*session

	closed atomic.Bool
	wg     sync.WaitGroup
}

// New wires an engine from its collaborators. cache and bc may be nil.
func New(cfg *config.Config, store Store, cc Cache, bc Broadcaster) *Engine {
	if cfg == nil {
		cfg = &config.Config{}
	}
	cfg.Defaults()
	det := conflict.NewDetector(cfg.AdjacentIndexThreshold)
	e := &Engine{
		cfg:   cfg,
		log:   cfg.Logger,
		store: store,
		cache: cc,
		bc:    bc,
		ot:    transform.New(det, cfg.Logger),
		tt: timetravel.New(store, timetravel.Limits{
			MaxSnapshotBytes:  cfg.MaxSnapshotBytes,
			SnapshotRetention: cfg.SnapshotRetention,
			MaxBranches:       cfg.MaxBranches,
		}, cfg.Logger),
		sessions: make(map[string]*session),
	}
	e.pres = presence.NewTracker(store, bc, presence.Options{
		MaxPerRoom: cfg.MaxPresences,
		TTL:        cfg.PresenceTTL,
		SweepEvery: cfg.SweepInterval,
		SyncEvery:  cfg.PresenceSyncInterval,
		Logger:     cfg.Logger,
	})
	return e
}

// Start launches background work (the presence sweeper).
func (e *Engine) Start(ctx context.Context) {
	e.pres.Start(ctx)
}

// Close stops background work, waits for in-flight async persists, then
// closes any collaborator that is closeable.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.pres.Stop()
	e.wg.Wait()

	var merr *multierror.Error
	for _, c := range []any{e.cache, e.bc, e.store} {
		if closer, ok := c.(io.Closer); ok {
			merr = multierror.Append(merr, closer.Close())
		}
	}
	return merr.ErrorOrNil()
}

// EnsureRoom returns the room, creating it on first use.
func (e *Engine) EnsureRoom(ctx context.Context, tenantID, roomID string) (*Room, error) {
	r, err := e.store.Room(ctx, tenantID, roomID)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	r = &Room{
		ID:            roomID,
		TenantID:      tenantID,
		Strategy:      transform.StrategyOT,
		SnapshotEvery: e.cfg.SnapshotEvery,
		CreatedAt:     time.Now(),
	}
	if err := e.store.CreateRoom(ctx, r); err != nil {
		return nil, err
	}
	e.log.Info("room created on first use", "tenant", tenantID, "room", roomID)
	return r, nil
}

// --- time-travel surface ---

// CreateSnapshot captures the branch's current materialized state. The
// state is copied under the commit lock; the snapshot itself is written
// outside it, so snapshotting never blocks commits.
func (e *Engine) CreateSnapshot(ctx context.Context, tenantID, roomID, branch, description, createdBy string) (*timetravel.Snapshot, error) {
	if _, err := e.EnsureRoom(ctx, tenantID, roomID); err != nil {
		return nil, err
	}
	s, err := e.session(ctx, roomID, branch)
	if err != nil {
		return nil, err
	}
	doc, version, err := s.copyState(ctx, e.cfg.CommitTimeout)
	if err != nil {
		return nil, err
	}
	return e.tt.CreateSnapshot(ctx, roomID, branch, doc, version, description, createdBy)
}

// CreateBranch starts a new branch from a snapshot.
func (e *Engine) CreateBranch(ctx context.Context, tenantID, roomID, baseSnapshotID, name string) (*timetravel.Branch, error) {
	if _, err := e.store.Room(ctx, tenantID, roomID); err != nil {
		return nil, err
	}
	return e.tt.CreateBranch(ctx, roomID, baseSnapshotID, name)
}

// MergeBranch merges source into target and, on success, swaps the target
// branch's live session state to the merged tree.
func (e *Engine) MergeBranch(ctx context.Context, tenantID, roomID, source, target string, strategy timetravel.MergeStrategy) (*timetravel.MergeResult, error) {
	if _, err := e.store.Room(ctx, tenantID, roomID); err != nil {
		return nil, err
	}
	res, err := e.tt.MergeBranch(ctx, roomID, source, target, strategy)
	if err != nil {
		return nil, err
	}
	if res.Merged {
		if serr := e.swapSessionState(ctx, roomID, target, res.State); serr != nil {
			return nil, serr
		}
		e.broadcast(ctx, roomID, map[string]any{
			"type": "branch_merged", "roomId": roomID,
			"source": source, "target": target, "version": res.Snapshot.Version,
		})
	}
	return res, nil
}

// RevertToSnapshot rewinds a branch to a prior snapshot (append-only).
func (e *Engine) RevertToSnapshot(ctx context.Context, tenantID, roomID, branch, snapshotID string) (*timetravel.Snapshot, error) {
	if _, err := e.store.Room(ctx, tenantID, roomID); err != nil {
		return nil, err
	}
	snap, st, err := e.tt.RevertToSnapshot(ctx, roomID, branch, snapshotID)
	if err != nil {
		return nil, err
	}
	if serr := e.swapSessionState(ctx, roomID, branch, st); serr != nil {
		return nil, serr
	}
	e.broadcast(ctx, roomID, map[string]any{
		"type": "branch_reverted", "roomId": roomID,
		"branch": branch, "snapshotId": snapshotID, "version": snap.Version,
	})
	return snap, nil
}

// CompareBranches is a read-only deep diff of two branches.
func (e *Engine) CompareBranches(ctx context.Context, tenantID, roomID, branchA, branchB string) (*timetravel.BranchDiff, error) {
	if _, err := e.store.Room(ctx, tenantID, roomID); err != nil {
		return nil, err
	}
	return e.tt.CompareBranches(ctx, roomID, branchA, branchB)
}

// ListBranches returns the room's branches.
func (e *Engine) ListBranches(ctx context.Context, tenantID, roomID string) ([]*timetravel.Branch, error) {
	if _, err := e.store.Room(ctx, tenantID, roomID); err != nil {
		return nil, err
	}
	return e.tt.ListBranches(ctx, roomID)
}

// Timeline returns a branch's snapshot history, newest first.
func (e *Engine) Timeline(ctx context.Context, tenantID, roomID, branch string, limit int) ([]*timetravel.Snapshot, error) {
	if _, err := e.store.Room(ctx, tenantID, roomID); err != nil {
		return nil, err
	}
	return e.tt.Timeline(ctx, roomID, branch, limit)
}

// --- presence surface ---

func (e *Engine) JoinRoom(ctx context.Context, tenantID string, p *presence.Presence) error {
	if _, err := e.EnsureRoom(ctx, tenantID, p.RoomID); err != nil {
		return err
	}
	return e.pres.Join(ctx, p)
}

func (e *Engine) LeaveRoom(ctx context.Context, roomID, sessionID string) {
	e.pres.Leave(ctx, roomID, sessionID)
}

func (e *Engine) UpdatePresence(ctx context.Context, roomID, sessionID string, cursor *presence.Cursor, viewport *presence.Viewport) error {
	return e.pres.Update(ctx, roomID, sessionID, cursor, viewport)
}

func (e *Engine) SendHeartbeat(ctx context.Context, roomID, sessionID string) error {
	return e.pres.Heartbeat(ctx, roomID, sessionID)
}

func (e *Engine) ListPresences(roomID string) []*presence.Presence {
	return e.pres.List(roomID)
}

func (e *Engine) broadcast(ctx context.Context, roomID string, event any) {
	if e.bc == nil {
		return
	}
	if err := e.bc.Publish(ctx, roomID, event); err != nil {
		e.log.Debug("broadcast failed", "room", roomID, "err", err)
	}
}
