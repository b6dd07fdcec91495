package remotecache

import (
	"errors"
	"fmt"
)

// ErrInvalidHash is returned when a hash cannot be used as a key prefix.
var ErrInvalidHash = errors.New("invalid cache hash")

// StatusError is returned when the asset store answers with a non-success status.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// TransferError is returned when a LIST, download or upload did not complete.
type TransferError struct {
	Op  string // "list", "download" or "upload"
	Key string
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status of the failed transfer, or 0 if the
// transfer failed before a response was received.
func (e *TransferError) StatusCode() int {
	var statusErr *StatusError
	if errors.As(e.Err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}
