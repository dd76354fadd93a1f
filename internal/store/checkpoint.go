// Package store persists engine checkpoints in SQLite so a session's engine
// can be recreated after eviction or restart.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"specnerd/internal/logging"
)

// ErrNotFound is returned by Load when a session has no checkpoint.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is one engine snapshot. Payload is opaque to the store.
type Checkpoint struct {
	SessionID string
	Workspace string
	State     string
	Payload   []byte
	Version   int64 // incremented by the store on every save
	UpdatedAt time.Time
}

// CheckpointStore is a SQLite-backed checkpoint table.
type CheckpointStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
	now    func() time.Time
}

// NewCheckpointStore opens (or creates) the database at path. ":memory:"
// opens a private in-memory database.
func NewCheckpointStore(path string) (*CheckpointStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewCheckpointStore")
	defer timer.Stop()

	logging.Store("Initializing checkpoint store at path: %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logging.Get(logging.CategoryStore).Error("Failed to create directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
		}
		if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
			logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
		}
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &CheckpointStore{db: db, dbPath: path, now: time.Now}, nil
}

// Save upserts a checkpoint and returns its new version.
func (s *CheckpointStore) Save(ctx context.Context, cp Checkpoint) (int64, error) {
	if cp.SessionID == "" {
		return 0, errors.New("checkpoint requires a session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := cp.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, workspace, state, payload, version, updated_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			workspace  = excluded.workspace,
			state      = excluded.state,
			payload    = excluded.payload,
			version    = checkpoints.version + 1,
			updated_at = excluded.updated_at`,
		cp.SessionID, cp.Workspace, cp.State, cp.Payload, updated.UTC())
	if err != nil {
		return 0, fmt.Errorf("save checkpoint %s: %w", cp.SessionID, err)
	}

	var version int64
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM checkpoints WHERE session_id = ?", cp.SessionID).Scan(&version); err != nil {
		return 0, fmt.Errorf("read checkpoint version %s: %w", cp.SessionID, err)
	}
	logging.StoreDebug("Saved checkpoint %s (state=%s, version=%d, %d bytes)", cp.SessionID, cp.State, version, len(cp.Payload))
	return version, nil
}

// Load returns the checkpoint of a session or ErrNotFound.
func (s *CheckpointStore) Load(ctx context.Context, sessionID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := Checkpoint{SessionID: sessionID}
	err := s.db.QueryRowContext(ctx,
		"SELECT workspace, state, payload, version, updated_at FROM checkpoints WHERE session_id = ?", sessionID).
		Scan(&cp.Workspace, &cp.State, &cp.Payload, &cp.Version, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", sessionID, err)
	}
	return &cp, nil
}

// Delete removes a checkpoint. Deleting a missing checkpoint is not an error.
func (s *CheckpointStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", sessionID, err)
	}
	return nil
}

// List returns checkpoint headers (without payload), most recent first.
func (s *CheckpointStore) List(ctx context.Context) ([]Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT session_id, workspace, state, version, updated_at FROM checkpoints ORDER BY updated_at DESC, session_id")
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		if err := rows.Scan(&cp.SessionID, &cp.Workspace, &cp.State, &cp.Version, &cp.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// PurgeOlderThan deletes checkpoints not updated since cutoff.
func (s *CheckpointStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE updated_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge checkpoints: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Store("Purged %d checkpoint(s) older than %s", n, cutoff.Format(time.RFC3339))
	}
	return n, nil
}

// Close closes the database.
func (s *CheckpointStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
