package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/calsync/internal/model"
)

// Error represents a failure detected by the engine or a component built on it.
//
// Categories:
//   - Storage corruption: a persisted blob failed to parse (recovered locally)
//   - Network unavailable: the remote could not be reached (work is retained)
//   - Stale remote write: a pulled record was not newer than local (discarded)
//   - Invalid input: rejected at the boundary before reaching the store
//   - Not found / invalid state: a derived-state operation was not applicable
//
// Only invalid input, not found and invalid state ever reach callers of
// write operations. Sync failures are logged and recorded in Status.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// EntityType and EntityID identify the affected record, if any.
	EntityType string
	EntityID   string

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	ErrCodeStorageCorruption  ErrorCode = "STORAGE_CORRUPTION"
	ErrCodeNetworkUnavailable ErrorCode = "NETWORK_UNAVAILABLE"
	ErrCodeStaleRemoteWrite   ErrorCode = "STALE_REMOTE_WRITE"
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeInvalidState       ErrorCode = "INVALID_STATE"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.EntityType != "" && e.EntityID != "" {
		return fmt.Sprintf("%s: %s (%s/%s)", e.Code, msg, e.EntityType, e.EntityID)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func hasCode(err error, code ErrorCode) bool {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// IsInvalidInput returns true for boundary validation failures, including a
// bare model.ValidationError.
func IsInvalidInput(err error) bool {
	return hasCode(err, ErrCodeInvalidInput) || model.IsValidationError(err)
}

// IsNotFound returns true if the error reports a missing record.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsInvalidState returns true if the error reports a disallowed transition.
func IsInvalidState(err error) bool {
	return hasCode(err, ErrCodeInvalidState)
}

// IsNetworkError returns true if the error reports an unreachable remote.
func IsNetworkError(err error) bool {
	return hasCode(err, ErrCodeNetworkUnavailable)
}

// NewInvalidInput wraps a validation failure.
func NewInvalidInput(entityType, entityID string, err error) *Error {
	return &Error{
		Code:       ErrCodeInvalidInput,
		EntityType: entityType,
		EntityID:   entityID,
		Err:        err,
	}
}

// NewNotFound reports that no live record has the given id.
func NewNotFound(entityType, entityID string) *Error {
	return &Error{
		Code:       ErrCodeNotFound,
		Message:    "record not found",
		EntityType: entityType,
		EntityID:   entityID,
	}
}

// NewInvalidState reports a transition that is not allowed from the
// record's current state.
func NewInvalidState(entityType, entityID, message string) *Error {
	return &Error{
		Code:       ErrCodeInvalidState,
		Message:    message,
		EntityType: entityType,
		EntityID:   entityID,
	}
}

// NewNetworkError wraps a remote failure for Status reporting.
func NewNetworkError(entityType, entityID string, err error) *Error {
	return &Error{
		Code:       ErrCodeNetworkUnavailable,
		EntityType: entityType,
		EntityID:   entityID,
		Err:        err,
	}
}
