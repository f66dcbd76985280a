package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Oz-Networks/fxn-protocol-sdk/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool and
// makes sure the outcomes table exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS outcomes (
			id UUID PRIMARY KEY,
			cycle_id TEXT NOT NULL,
			subscriber TEXT NOT NULL,
			recipient_url TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT '',
			stage TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_outcomes_created_at ON outcomes(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_outcomes_subscriber ON outcomes(subscriber);
	`)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RecordOutcome inserts an outcome. Recording the same outcome twice is a no-op.
func (s *PostgresStore) RecordOutcome(ctx context.Context, o *models.Outcome) error {
	if err := validate(o); err != nil {
		return err
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO outcomes (id, cycle_id, subscriber, recipient_url, request_id, stage, status, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, o.ID, o.CycleID, o.Subscriber, o.RecipientURL, o.RequestID, o.Stage, o.Status, o.Error, o.CreatedAt)
	return err
}

// RecentOutcomes returns the newest outcomes first.
func (s *PostgresStore) RecentOutcomes(ctx context.Context, limit int) ([]models.Outcome, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, cycle_id, subscriber, recipient_url, request_id, stage, status, error, created_at
		FROM outcomes
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []models.Outcome
	for rows.Next() {
		var o models.Outcome
		if err := rows.Scan(
			&o.ID,
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
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}
