package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"stateroom/state"
	"stateroom/timetravel"
)

// snapshotRecord is the row shape; toSnapshot decodes the payload.
type snapshotRecord struct {
	ID          string
	RoomID      string
	Branch      string
	Version     int64
	Payload     []byte
	Checksum    string
	Description sql.NullString
	CreatedBy   sql.NullString
	ParentID    sql.NullString
	CreatedAt   sql.NullTime
}

func (r *snapshotRecord) toSnapshot() (*timetravel.Snapshot, error) {
	var doc state.Doc
	if err := json.Unmarshal(r.Payload, &doc); err != nil {
		return nil, fmt.Errorf("decode snapshot payload: %w", err)
	}
	return &timetravel.Snapshot{
		ID:          r.ID,
		RoomID:      r.RoomID,
		Branch:      r.Branch,
		Version:     r.Version,
		Doc:         doc,
		Checksum:    r.Checksum,
		Description: r.Description.String,
		CreatedBy:   r.CreatedBy.String,
		ParentID:    r.ParentID.String,
		CreatedAt:   r.CreatedAt.Time,
	}, nil
}

const snapshotColumns = `id, room_id, branch, version, payload, checksum, description, created_by, parent_id, created_at`

func scanSnapshot(row interface{ Scan(...any) error }) (*timetravel.Snapshot, error) {
	var r snapshotRecord
	if err := row.Scan(&r.ID, &r.RoomID, &r.Branch, &r.Version, &r.Payload,
		&r.Checksum, &r.Description, &r.CreatedBy, &r.ParentID, &r.CreatedAt); err != nil {
		return nil, err
	}
	return r.toSnapshot()
}

func (s *Store) InsertSnapshot(ctx context.Context, snap *timetravel.Snapshot) error {
	payload, err := json.Marshal(snap.Doc)
	if err != nil {
		return fmt.Errorf("encode snapshot payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (`+snapshotColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10)
	`, snap.ID, snap.RoomID, snap.Branch, snap.Version, payload,
		snap.Checksum, snap.Description, snap.CreatedBy, snap.ParentID, snap.CreatedAt)
	return err
}

func (s *Store) Snapshot(ctx context.Context, roomID, snapshotID string) (*timetravel.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		WHERE room_id = $1 AND id = $2
	`, roomID, snapshotID)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: snapshot %s", ErrNotFound, snapshotID)
	}
	return snap, err
}

func (s *Store) LatestSnapshot(ctx context.Context, roomID, branch string) (*timetravel.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		WHERE room_id = $1 AND branch = $2
		ORDER BY version DESC, created_at DESC
		LIMIT 1
	`, roomID, branch)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no snapshots for %s/%s", ErrNotFound, roomID, branch)
	}
	return snap, err
}

func (s *Store) ListSnapshots(ctx context.Context, roomID, branch string, limit int) ([]*timetravel.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		WHERE room_id = $1 AND branch = $2
		ORDER BY version DESC, created_at DESC
		LIMIT $3
	`, roomID, branch, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []*timetravel.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func (s *Store) SnapshotCount(ctx context.Context, roomID, branch string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM snapshots WHERE room_id = $1 AND branch = $2
	`, roomID, branch).Scan(&n)
	return n, err
}

// PruneSnapshots keeps only the newest `keep` snapshots on the branch.
func (s *Store) PruneSnapshots(ctx context.Context, roomID, branch string, keep int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE room_id = $1 AND branch = $2 AND id NOT IN (
			SELECT id FROM snapshots
			WHERE room_id = $1 AND branch = $2
			ORDER BY version DESC, created_at DESC
			LIMIT $3
		)
	`, roomID, branch, keep)
	return err
}

// --- branches ---

func (s *Store) InsertBranch(ctx context.Context, b *timetravel.Branch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branches (room_id, name, base_snapshot_id, version, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
	`, b.RoomID, b.Name, b.BaseSnapshotID, b.Version, b.CreatedAt)
	return err
}

func (s *Store) Branch(ctx context.Context, roomID, name string) (*timetravel.Branch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT room_id, name, COALESCE(base_snapshot_id, ''), version, created_at
		FROM branches
		WHERE room_id = $1 AND name = $2
	`, roomID, name)

	var b timetravel.Branch
	if err := row.Scan(&b.RoomID, &b.Name, &b.BaseSnapshotID, &b.Version, &b.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: branch %s/%s", ErrNotFound, roomID, name)
		}
		return nil, err
	}
	return &b, nil
}

func (s *Store) ListBranches(ctx context.Context, roomID string) ([]*timetravel.Branch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT room_id, name, COALESCE(base_snapshot_id, ''), version, created_at
		FROM branches
		WHERE room_id = $1
		ORDER BY created_at ASC, name ASC
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var branches []*timetravel.Branch
	for rows.Next() {
		var b timetravel.Branch
		if err := rows.Scan(&b.RoomID, &b.Name, &b.BaseSnapshotID, &b.Version, &b.CreatedAt); err != nil {
			return nil, err
		}
		branches = append(branches, &b)
	}
	return branches, rows.Err()
}

func (s *Store) BranchCount(ctx context.Context, roomID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM branches WHERE room_id = $1
	`, roomID).Scan(&n)
	return n, err
}

func (s *Store) SetBranchVersion(ctx context.Context, roomID, name string, version int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE branches SET version = $3
		WHERE room_id = $1 AND name = $2 AND version <= $3
	`, roomID, name, version)
	return err
}
