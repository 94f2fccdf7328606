// Package timetravel gives a room's document a version-controlled history:
// immutable checksummed snapshots, branches created from snapshots, merges,
// reverts and branch-to-branch diffs.
package timetravel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"stateroom/state"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrLimitExceeded   = errors.New("limit exceeded")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrIntegrity       = errors.New("snapshot checksum mismatch")
	ErrBranchExists    = errors.New("branch already exists")
)

// Snapshot is an immutable point-in-time copy of a branch's state. ParentID
// links snapshots into a DAG across branches.
type Snapshot struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"roomId"`
	Branch      string    `json:"branch"`
	Version     int64     `json:"version"`
	Doc         state.Doc `json:"doc"`
	Checksum    string    `json:"checksum"`
	Description string    `json:"description,omitempty"`
	CreatedBy   string    `json:"createdBy,omitempty"`
	ParentID    string    `json:"parentId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Branch is a named line of history in a room. Version counters are
// per-branch and never shared.
type Branch struct {
	RoomID         string    `json:"roomId"`
	Name           string    `json:"name"`
	BaseSnapshotID string    `json:"baseSnapshotId,omitempty"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Store is the durable-store surface the subsystem consumes.
type Store interface {
	InsertSnapshot(ctx context.Context, s *Snapshot) error
	Snapshot(ctx context.Context, roomID, snapshotID string) (*Snapshot, error)
	LatestSnapshot(ctx context.Context, roomID, branch string) (*Snapshot, error)
	ListSnapshots(ctx context.Context, roomID, branch string, limit int) ([]*Snapshot, error)
	SnapshotCount(ctx context.Context, roomID, branch string) (int, error)
	PruneSnapshots(ctx context.Context, roomID, branch string, keep int) error
	InsertBranch(ctx context.Context, b *Branch) error
	Branch(ctx context.Context, roomID, name string) (*Branch, error)
	ListBranches(ctx context.Context, roomID string) ([]*Branch, error)
	BranchCount(ctx context.Context, roomID string) (int, error)
	SetBranchVersion(ctx context.Context, roomID, name string, version int64) error
	// SaveState upserts the branch's materialized state. Writes are
	// monotonic: an implementation must drop a write whose version is below
	// the stored one, because async persists can arrive out of order.
	SaveState(ctx context.Context, st *state.State) error
}

// Limits bound the subsystem; zero values fall back to defaults.
type Limits struct {
	MaxSnapshotBytes  int
	SnapshotRetention int
	MaxBranches       int
}

func (l *Limits) defaults() {
	if l.MaxSnapshotBytes <= 0 {
		l.MaxSnapshotBytes = 1024 * 1024
	}
	if l.SnapshotRetention <= 0 {
		l.SnapshotRetention = 50
	}
	if l.MaxBranches <= 0 {
		l.MaxBranches = 20
	}
}

// Service implements the time-travel operations over a Store.
type Service struct {
	store Store
	lim   Limits
	log   *slog.Logger
	now   func() time.Time
}

func New(store Store, lim Limits, logger *slog.Logger) *Service {
	lim.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, lim: lim, log: logger, now: time.Now}
}

// CreateSnapshot captures doc at version on a branch. The document is copied
// so later commits can't reach into the stored payload. Oldest snapshots
// beyond the retention cap are pruned first.
func (s *Service) CreateSnapshot(ctx context.Context, roomID, branch string, doc state.Doc, version int64, description, createdBy string) (*Snapshot, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	if len(payload) > s.lim.MaxSnapshotBytes {
		return nil, fmt.Errorf("%w: snapshot is %d bytes, maximum %d", ErrPayloadTooLarge, len(payload), s.lim.MaxSnapshotBytes)
	}

	var parentID string
	if prev, err := s.store.LatestSnapshot(ctx, roomID, branch); err == nil {
		parentID = prev.ID
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	count, err := s.store.SnapshotCount(ctx, roomID, branch)
	if err != nil {
		return nil, err
	}
	if count >= s.lim.SnapshotRetention {
		if err := s.store.PruneSnapshots(ctx, roomID, branch, s.lim.SnapshotRetention-1); err != nil {
			return nil, fmt.Errorf("prune snapshots: %w", err)
		}
	}

	snap := &Snapshot{
		ID:          uuid.NewString(),
		RoomID:      roomID,
		Branch:      branch,
		Version:     version,
		Doc:         state.CloneDoc(doc),
		Checksum:    checksum(payload),
		Description: description,
		CreatedBy:   createdBy,
		ParentID:    parentID,
		CreatedAt:   s.now(),
	}
	if err := s.store.InsertSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// CreateBranch starts a new line of history from a snapshot, copying its
// state and version. The branch opens with its own snapshot whose parent is
// the base, so histories stay connected across branches.
func (s *Service) CreateBranch(ctx context.Context, roomID, baseSnapshotID, name string) (*Branch, error) {
	base, err := s.store.Snapshot(ctx, roomID, baseSnapshotID)
	if err != nil {
		return nil, err
	}
	if base.RoomID != roomID {
		return nil, fmt.Errorf("%w: snapshot %s does not belong to room %s", ErrNotFound, baseSnapshotID, roomID)
	}
	if _, err := s.store.Branch(ctx, roomID, name); err == nil {
		return nil, fmt.Errorf("%w: %q", ErrBranchExists, name)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	count, err := s.store.BranchCount(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if count >= s.lim.MaxBranches {
		return nil, fmt.Errorf("%w: room %s already has %d branches", ErrLimitExceeded, roomID, count)
	}

	b := &Branch{
		RoomID:         roomID,
		Name:           name,
		BaseSnapshotID: base.ID,
		Version:        base.Version,
		CreatedAt:      s.now(),
	}
	if err := s.store.InsertBranch(ctx, b); err != nil {
		return nil, err
	}
	doc := state.CloneDoc(base.Doc)
	first := &Snapshot{
		ID:          uuid.NewString(),
		RoomID:      roomID,
		Branch:      name,
		Version:     base.Version,
		Doc:         doc,
		Checksum:    base.Checksum,
		Description: fmt.Sprintf("branched from %s", base.Branch),
		CreatedBy:   base.CreatedBy,
		ParentID:    base.ID,
		CreatedAt:   s.now(),
	}
	if err := s.store.InsertSnapshot(ctx, first); err != nil {
		return nil, err
	}
	if err := s.store.SaveState(ctx, &state.State{RoomID: roomID, Branch: name, Doc: doc, Version: base.Version}); err != nil {
		return nil, err
	}
	return b, nil
}

// RevertToSnapshot rewinds a branch by appending: the target snapshot's
// payload becomes a new snapshot (history is never rewritten) and the
// branch's live state. The stored checksum is recomputed first; a mismatch
// means the payload was corrupted or tampered with.
func (s *Service) RevertToSnapshot(ctx context.Context, roomID, branch, snapshotID string) (*Snapshot, *state.State, error) {
	snap, err := s.store.Snapshot(ctx, roomID, snapshotID)
	if err != nil {
		return nil, nil, err
	}
	if snap.RoomID != roomID {
		return nil, nil, fmt.Errorf("%w: snapshot %s does not belong to room %s", ErrNotFound, snapshotID, roomID)
	}
	payload, err := json.Marshal(snap.Doc)
	if err != nil {
		return nil, nil, fmt.Errorf("encode snapshot: %w", err)
	}
	if got := checksum(payload); got != snap.Checksum {
		return nil, nil, fmt.Errorf("%w: snapshot %s: stored %s, computed %s", ErrIntegrity, snapshotID, snap.Checksum, got)
	}
	b, err := s.store.Branch(ctx, roomID, branch)
	if err != nil {
		return nil, nil, err
	}

	version := b.Version + 1
	doc := state.CloneDoc(snap.Doc)
	reverted := &Snapshot{
		ID:          uuid.NewString(),
		RoomID:      roomID,
		Branch:      branch,
		Version:     version,
		Doc:         doc,
		Checksum:    snap.Checksum,
		Description: fmt.Sprintf("revert to snapshot %s (v%d)", snap.ID, snap.Version),
		CreatedBy:   snap.CreatedBy,
		ParentID:    snap.ID,
		CreatedAt:   s.now(),
	}
	if err := s.store.InsertSnapshot(ctx, reverted); err != nil {
		return nil, nil, err
	}
	if err := s.store.SetBranchVersion(ctx, roomID, branch, version); err != nil {
		return nil, nil, err
	}
	st := &state.State{RoomID: roomID, Branch: branch, Doc: doc, Version: version, LastModifiedBy: snap.CreatedBy}
	if err := s.store.SaveState(ctx, st); err != nil {
		return nil, nil, err
	}
	return reverted, st, nil
}

// ListBranches returns the room's branches.
func (s *Service) ListBranches(ctx context.Context, roomID string) ([]*Branch, error) {
	return s.store.ListBranches(ctx, roomID)
}

// Timeline returns a branch's snapshots, newest first.
func (s *Service) Timeline(ctx context.Context, roomID, branch string, limit int) ([]*Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListSnapshots(ctx, roomID, branch, limit)
}

func checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
