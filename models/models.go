// Package models is the durable store: rooms, branches, states, snapshots,
// the operation log and presence records in Postgres. It implements the
// collaborator interfaces the engine and its subsystems consume.
package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"stateroom/engine"
	"stateroom/op"
	"stateroom/presence"
	"stateroom/state"
	"stateroom/timetravel"
	"stateroom/transform"
)

// ErrNotFound is the store's miss sentinel, shared with the rest of the
// engine so one errors.Is covers every layer.
var ErrNotFound = timetravel.ErrNotFound

// Store wraps the database handle. It is constructed explicitly and
// injected; there is no package-level connection.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open connects, runs migrations from the embedded filesystem, and pings.
func Open(databaseURL string, migrations fs.FS, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate driver: %w", err)
	}
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}
	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migrate new: %w", err)
	}
	if err := migrator.Up(); err != nil {
		switch err {
		case migrate.ErrNoChange:
			logger.Info("migration: no changes to apply")
		default:
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	} else {
		logger.Info("migration: applied successfully")
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Store{db: db, log: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// --- rooms ---

func (s *Store) CreateRoom(ctx context.Context, r *engine.Room) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (id, tenant_id, name, strategy, snapshot_every, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, id) DO NOTHING
	`, r.ID, r.TenantID, r.Name, string(r.Strategy), r.SnapshotEvery, r.CreatedAt)
	return err
}

func (s *Store) Room(ctx context.Context, tenantID, roomID string) (*engine.Room, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, strategy, snapshot_every, created_at
		FROM rooms
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, roomID)

	var r engine.Room
	var strategy string
	if err := row.Scan(&r.ID, &r.TenantID, &r.Name, &strategy, &r.SnapshotEvery, &r.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: room %s", ErrNotFound, roomID)
		}
		return nil, err
	}
	r.Strategy = transform.Strategy(strategy)
	return &r, nil
}

// --- operation log ---

// InsertOperation appends to the per-room operation log. The full operation
// is stored as JSON next to the columns used for window queries.
func (s *Store) InsertOperation(ctx context.Context, o *op.Operation) error {
	doc, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode operation: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO room_operations (id, room_id, branch, op_type, client_id, ts, committed_version, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, o.ID, o.RoomID, o.Branch, string(o.Type), o.Author.ClientID, o.Timestamp, o.Committed, doc)
	return err
}

func (s *Store) OperationsSince(ctx context.Context, roomID, branch string, sinceVersion int64, notBefore time.Time, limit int) ([]*op.Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc
		FROM room_operations
		WHERE room_id = $1 AND branch = $2 AND committed_version > $3 AND ts >= $4
		ORDER BY committed_version ASC
		LIMIT $5
	`, roomID, branch, sinceVersion, notBefore.UnixNano(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*op.Operation
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var o op.Operation
		if err := json.Unmarshal(doc, &o); err != nil {
			return nil, fmt.Errorf("decode operation: %w", err)
		}
		ops = append(ops, &o)
	}
	return ops, rows.Err()
}

// BranchClock rebuilds the branch's vector clock from the whole operation
// log. Each committed operation advanced its author's counter by exactly
// one, so per-author counts reproduce the clock.
func (s *Store) BranchClock(ctx context.Context, roomID, branch string) (op.Clock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, count(*)
		FROM room_operations
		WHERE room_id = $1 AND branch = $2
		GROUP BY client_id
	`, roomID, branch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	clock := op.Clock{}
	for rows.Next() {
		var clientID string
		var n int64
		if err := rows.Scan(&clientID, &n); err != nil {
			return nil, err
		}
		clock[clientID] = n
	}
	return clock, rows.Err()
}

// --- materialized state ---

func (s *Store) SaveState(ctx context.Context, st *state.State) error {
	doc, err := json.Marshal(st.Doc)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO room_states (room_id, branch, doc, version, last_modified_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (room_id, branch) DO UPDATE
		SET doc = EXCLUDED.doc,
		    version = EXCLUDED.version,
		    last_modified_by = EXCLUDED.last_modified_by,
		    updated_at = now()
		WHERE room_states.version <= EXCLUDED.version
	`, st.RoomID, st.Branch, doc, st.Version, st.LastModifiedBy)
	return err
}

func (s *Store) LoadState(ctx context.Context, roomID, branch string) (*state.State, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT doc, version, last_modified_by
		FROM room_states
		WHERE room_id = $1 AND branch = $2
	`, roomID, branch)

	var raw []byte
	st := &state.State{RoomID: roomID, Branch: branch}
	if err := row.Scan(&raw, &st.Version, &st.LastModifiedBy); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: state for %s/%s", ErrNotFound, roomID, branch)
		}
		return nil, err
	}
	if err := json.Unmarshal(raw, &st.Doc); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return st, nil
}

// --- presence (rows here are soft state; the tracker throttles writes) ---

func (s *Store) UpsertPresence(ctx context.Context, p *presence.Presence) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO presences (room_id, session_id, user_id, active, last_seen, doc)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (room_id, session_id) DO UPDATE
		SET user_id = EXCLUDED.user_id,
		    active = EXCLUDED.active,
		    last_seen = EXCLUDED.last_seen,
		    doc = EXCLUDED.doc
	`, p.RoomID, p.SessionID, p.UserID, p.Active, p.LastSeen, doc)
	return err
}

func (s *Store) DeletePresence(ctx context.Context, roomID, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM presences WHERE room_id = $1 AND session_id = $2
	`, roomID, sessionID)
	return err
}
