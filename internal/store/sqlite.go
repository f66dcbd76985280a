package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Oz-Networks/fxn-protocol-sdk/internal/models"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/fxn-agent.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/fxn-agent.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS outcomes (
		id TEXT PRIMARY KEY,
		cycle_id TEXT NOT NULL,
		subscriber TEXT NOT NULL,
		recipient_url TEXT NOT NULL DEFAULT '',
		request_id TEXT NOT NULL DEFAULT '',
		stage TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_outcomes_created_at ON outcomes(created_at);
	CREATE INDEX IF NOT EXISTS idx_outcomes_subscriber ON outcomes(subscriber);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordOutcome inserts an outcome. Recording the same outcome twice is a no-op.
func (s *SQLiteStore) RecordOutcome(ctx context.Context, o *models.Outcome) error {
	if err := validate(o); err != nil {
		return err
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO outcomes (id, cycle_id, subscriber, recipient_url, request_id, stage, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID.String(), o.CycleID, o.Subscriber, o.RecipientURL, o.RequestID, o.Stage, o.Status, o.Error, o.CreatedAt.UTC())
	return err
}

// RecentOutcomes returns the newest outcomes first.
func (s *SQLiteStore) RecentOutcomes(ctx context.Context, limit int) ([]models.Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cycle_id, subscriber, recipient_url, request_id, stage, status, error, created_at
		FROM outcomes
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []models.Outcome
	for rows.Next() {
		var o models.Outcome
		var id string
		if err := rows.Scan(
			&id,
			&o.CycleID,
			&o.Subscriber,
			&o.RecipientURL,
			&o.RequestID,
			&o.Stage,
			&o.Status,
			&o.Error,
			&o.CreatedAt,
		); err != nil {
			return nil, err
		}
		o.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}
