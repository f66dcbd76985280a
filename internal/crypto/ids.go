package crypto

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewUUIDv7 generates a time-ordered UUID v7.
func NewUUIDv7() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewEventID returns a lexically sortable id for status events.
func NewEventID() string {
	return ulid.Make().String()
}
