package models

import (
	"time"

	"github.com/google/uuid"
)

// Outcome statuses recorded per subscriber per cycle.
const (
	OutcomeDeclined      = "declined"
	OutcomeUnreachable   = "unreachable"
	OutcomeAcknowledged  = "acknowledged"
	OutcomeCompleted     = "completed"
	OutcomeFailed        = "failed"
	OutcomeReportFailed  = "report_failed"
	OutcomeSigningFailed = "signing_failed"
)

// Outcome records how one subscriber was handled in one poll cycle.
type Outcome struct {
	ID           uuid.UUID `json:"id"`
	CycleID      string    `json:"cycle_id"`
	Subscriber   string    `json:"subscriber"`
	RecipientURL string    `json:"recipient_url"`
	RequestID    string    `json:"request_id,omitempty"`
	Stage        string    `json:"stage"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
