package model

import (
	"fmt"
	"time"
)

// Sentinel errors shared across packages.
var (
	ErrNotFound   = fmt.Errorf("not found")
	ErrValidation = fmt.Errorf("validation error")
	ErrConflict   = fmt.Errorf("conflict")
)

// Structured result codes. Validation and not-found conditions are reported
// through these on result structs rather than raised as errors; only
// infrastructure failures travel as Go errors.
const (
	CodeCategoryExists   = "CATEGORY_EXISTS"
	CodeCategoryNotFound = "CATEGORY_NOT_FOUND"
	CodeCategoryInUse    = "CATEGORY_IN_USE"
	CodeCategoryLimit    = "CATEGORY_LIMIT"
	CodeValidation       = "VALIDATION_ERROR"
	CodeAlreadyClockedIn = "ALREADY_CLOCKED_IN"
	CodeNotClockedIn     = "NOT_CLOCKED_IN"
	CodeSessionTooLong   = "SESSION_TOO_LONG"
)

// CodecError reports a corrupt or unreadable stored record. Decoding never
// returns partial data alongside one of these.
type CodecError struct {
	Tag byte
	Err error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("codec: bad record (tag 0x%02x): %v", e.Tag, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

// PoolExhaustedError means no backing-store connection freed up within the
// acquisition timeout.
type PoolExhaustedError struct {
	Waited time.Duration
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("connection pool exhausted after %s", e.Waited)
}

// CircuitBreakerOpenError means the breaker is refusing backing-store calls.
// RetryAfter is the time remaining until the next recovery probe.
type CircuitBreakerOpenError struct {
	RetryAfter time.Duration
}

func (e *CircuitBreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open, retry in %s", e.RetryAfter.Round(time.Millisecond))
}

// BackendUnavailableError means the backing store is unreachable and no
// cached value or fallback could satisfy the request. Callers should treat it
// as transient.
type BackendUnavailableError struct {
	Err error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("backing store unavailable: %v", e.Err)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }
