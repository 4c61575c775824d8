// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session index and event mirror with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chatwire/chatwire/internal/broker"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS instances (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			note       TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS events (
			event_id   TEXT PRIMARY KEY,
			sequence   INTEGER NOT NULL UNIQUE,
			type       TEXT NOT NULL,
			scope      TEXT NOT NULL DEFAULT '',
			direction  TEXT NOT NULL,
			payload    TEXT,
			created_at TEXT NOT NULL,
			acked      INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_events_scope_sequence
			ON events(scope, sequence);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// SaveInstance upserts a session record.
func (s *SQLiteStore) SaveInstance(ctx context.Context, rec *InstanceRecord) error {
	query := `
		INSERT INTO instances (id, name, note, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			note = excluded.note,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Name,
		rec.Note,
		rec.CreatedAt.Format(time.RFC3339),
		rec.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving instance: %w", err)
	}
	return nil
}

// GetInstance retrieves a session record by id.
func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*InstanceRecord, error) {
	query := `SELECT id, name, note, created_at, updated_at FROM instances WHERE id = ?`

	rec := &InstanceRecord{}
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&rec.ID, &rec.Name, &rec.Note, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying instance: %w", err)
	}

	if rec.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return rec, nil
}

// ListInstances returns all session records ordered by creation time.
func (s *SQLiteStore) ListInstances(ctx context.Context) ([]*InstanceRecord, error) {
	query := `SELECT id, name, note, created_at, updated_at FROM instances ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}
	defer rows.Close()

	var out []*InstanceRecord
	for rows.Next() {
		rec := &InstanceRecord{}
		var createdAt, updatedAt string
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Note, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning instance: %w", err)
		}
		if rec.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if rec.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteInstance removes a session record and its mirrored events.
func (s *SQLiteStore) DeleteInstance(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if n == 0 {
		return ErrInstanceNotFound
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE scope = ?`, id); err != nil {
		return fmt.Errorf("deleting instance events: %w", err)
	}
	return nil
}

// SaveEvent mirrors one broker event.
func (s *SQLiteStore) SaveEvent(ctx context.Context, ev *broker.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	query := `
		INSERT INTO events (event_id, sequence, type, scope, direction, payload, created_at, acked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		ev.ID,
		ev.Sequence,
		ev.Type,
		ev.Scope,
		string(ev.Direction),
		string(payload),
		ev.CreatedAt.Format(time.RFC3339Nano),
		boolToInt(ev.Acked),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// RecentEvents returns mirrored events ascending by sequence.
func (s *SQLiteStore) RecentEvents(ctx context.Context, scope string, limit int) ([]*broker.Event, error) {
	if limit <= 0 {
		limit = broker.DefaultCapacity
	}

	query := `
		SELECT event_id, sequence, type, scope, direction, payload, created_at, acked
		FROM (
			SELECT * FROM events
			WHERE (? = '' OR scope = ?)
			ORDER BY sequence DESC
			LIMIT ?
		)
		ORDER BY sequence ASC
	`
	rows, err := s.db.QueryContext(ctx, query, scope, scope, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []*broker.Event
	for rows.Next() {
		ev := &broker.Event{}
		var direction, payload, createdAt string
		var acked int
		if err := rows.Scan(&ev.ID, &ev.Sequence, &ev.Type, &ev.Scope, &direction, &payload, &createdAt, &acked); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.Direction = broker.Direction(direction)
		ev.Acked = acked != 0
		if payload != "" {
			var decoded any
			if err := json.Unmarshal([]byte(payload), &decoded); err == nil {
				ev.Payload = decoded
			}
		}
		if ev.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PruneEvents keeps only the newest keep mirrored events.
func (s *SQLiteStore) PruneEvents(ctx context.Context, keep int) error {
	query := `
		DELETE FROM events WHERE sequence NOT IN (
			SELECT sequence FROM events ORDER BY sequence DESC LIMIT ?
		)
	`
	if _, err := s.db.ExecContext(ctx, query, keep); err != nil {
		return fmt.Errorf("pruning events: %w", err)
	}
	return nil
}

// LastEventSequence returns the highest mirrored sequence, zero when empty.
func (s *SQLiteStore) LastEventSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("querying last sequence: %w", err)
	}
	return seq, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
