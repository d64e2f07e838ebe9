package repository

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/user/price-tracker/internal/entity"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnknownKey is returned by Collect for a key that was never issued or was already collected.
	ErrUnknownKey = errors.New("unknown correlation key")
)

// FetchStatusError reports a response whose status code is outside the accepted set.
type FetchStatusError struct {
	URL        string
	StatusCode int
	Detail     string
}

func (e *FetchStatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("fetch %s: status %d: %s", e.URL, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
}

// ExtractionError reports a page that could not be parsed.
type ExtractionError struct {
	Reason string
}

func (e *ExtractionError) Error() string {
	return "extraction failed: " + e.Reason
}

// NewExtractionError builds an ExtractionError with a formatted reason.
func NewExtractionError(format string, args ...interface{}) error {
	return errors.WithStack(&ExtractionError{Reason: fmt.Sprintf(format, args...)})
}

// StoreError reports a failed data write, e.g. an integrity violation.
type StoreError struct {
	Entity string
	Reason string
	Err    error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("store %s: %s: %v", e.Entity, e.Reason, e.Err)
	}
	return fmt.Sprintf("store %s: %s", e.Entity, e.Reason)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError wraps err as a StoreError for the named entity.
func NewStoreError(entityName, reason string, err error) error {
	return errors.WithStack(&StoreError{Entity: entityName, Reason: reason, Err: err})
}

// DuplicateRunError reports an attempt to admit a second active run for one entity.
type DuplicateRunError struct {
	Kind     entity.EntityKind
	EntityID int64
}

func (e *DuplicateRunError) Error() string {
	return fmt.Sprintf("update run for %s %d already active", e.Kind, e.EntityID)
}

// ConnectError reports that the store could not be reached within the retry bound.
type ConnectError struct {
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// IsPerEntityFault reports whether err only concerns a single entity and the
// surrounding batch may continue.
func IsPerEntityFault(err error) bool {
	var ee *ExtractionError
	var se *StoreError
	return errors.As(err, &ee) || errors.As(err, &se)
}

// IsFetchStatus reports whether err carries a FetchStatusError.
func IsFetchStatus(err error) bool {
	var fe *FetchStatusError
	return errors.As(err, &fe)
}
