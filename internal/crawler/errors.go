package crawler

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by the core components and the storage adapters.
var (
	ErrBusy              = errors.New("lease held by another holder")
	ErrExpired           = errors.New("lease expired or lost")
	ErrCapacityExhausted = errors.New("capacity exhausted")
	ErrDateClosed        = errors.New("date bucket closed")
	ErrFingerprintOwned  = errors.New("fingerprint already owned by a topic")
	ErrNotFound          = errors.New("not found")
	ErrSourceDisabled    = errors.New("source disabled")
	ErrConflict          = errors.New("state changed concurrently")
	ErrInvalid           = errors.New("invalid argument")
)

// ErrorKind classifies a failure for retry decisions and health bookkeeping.
type ErrorKind string

// Error kinds.
const (
	KindNone        ErrorKind = ""
	KindNetwork     ErrorKind = "network"
	KindTimeout     ErrorKind = "timeout"
	KindParse       ErrorKind = "parse"
	KindFormat      ErrorKind = "format"
	KindRateLimited ErrorKind = "rate_limited"
	KindInternal    ErrorKind = "internal"
	KindUnknown     ErrorKind = "unknown"
)

// Retryable reports whether failures of this kind may succeed on a later attempt.
// Parse and format failures are permanent: the upstream content will not change
// by asking again.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindParse, KindFormat, KindNone:
		return false
	default:
		return true
	}
}

// FetchError is returned by fetchers and enrichers to carry a failure kind.
type FetchError struct {
	Kind       ErrorKind
	Op         string
	RetryAfter time.Duration
	Err        error
}

// NewFetchError wraps err with kind.
func NewFetchError(kind ErrorKind, op string, err error) *FetchError {
	return &FetchError{Kind: kind, Op: op, Err: err}
}

func (e *FetchError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Transient reports whether the failure is worth retrying.
func (e *FetchError) Transient() bool { return e.Kind.Retryable() }
