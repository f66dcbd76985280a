package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/Oz-Networks/fxn-protocol-sdk/internal/models"
)

// DefaultRecentLimit caps RecentOutcomes when the caller passes no limit.
const DefaultRecentLimit = 50

// ErrInvalidOutcome is returned for outcomes missing their identity fields.
var ErrInvalidOutcome = errors.New("outcome requires id, subscriber and status")

// Ledger is the persistent record of how each subscriber was served.
// Both PostgresStore and SQLiteStore implement this interface.
type Ledger interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Outcome operations
	RecordOutcome(ctx context.Context, o *models.Outcome) error
	RecentOutcomes(ctx context.Context, limit int) ([]models.Outcome, error)
}

func validate(o *models.Outcome) error {
	if o == nil || o.ID == uuid.Nil || o.Subscriber == "" || o.Status == "" {
		return ErrInvalidOutcome
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return DefaultRecentLimit
	}
	return limit
}
