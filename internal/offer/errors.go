package offer

import (
	"errors"
	"fmt"
)

// ErrNotOK is wrapped by TransportError when a subscriber answers with a
// non-200 status.
var ErrNotOK = errors.New("unexpected response status")

// TransportError is a failed or rejected POST to a subscriber endpoint.
type TransportError struct {
	URL    string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("post %s: status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("post %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a subscriber reply that could not be understood.
type ProtocolError struct {
	URL string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed reply from %s: %v", e.URL, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsDeclined reports whether err is a subscriber answering with a non-200 status.
func IsDeclined(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Status != 0
}
