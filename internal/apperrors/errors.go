package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrRunInProgress   = errors.New("pipeline run already in progress")
	ErrLockNotHeld     = errors.New("run lock not held")
	ErrLockLost        = errors.New("run lock lost during run")
	ErrMissingUpstream = errors.New("upstream source unavailable")
)

// Kind classifies a per-row error. Kinds double as run summary counter names.
type Kind string

const (
	KindIdentity           Kind = "identity_error"
	KindLifecycleIntegrity Kind = "lifecycle_integrity_error"
	KindRateLookup         Kind = "rate_lookup_error"
	KindStateTransition    Kind = "state_transition_error"
	KindMalformedEvent     Kind = "malformed_event"

	// Informational, counted but not failures.
	KindIdentityConflict Kind = "identity_conflict"
	KindUnattributed     Kind = "unattributed"
)

// ErrorKinds lists the kinds that turn a run partial.
var ErrorKinds = []Kind{
	KindIdentity,
	KindLifecycleIntegrity,
	KindRateLookup,
	KindStateTransition,
	KindMalformedEvent,
}

// IsFailure reports whether k counts against run status.
func (k Kind) IsFailure() bool {
	for _, e := range ErrorKinds {
		if e == k {
			return true
		}
	}
	return false
}

// RowError is a recoverable error scoped to a single event or lifecycle.
type RowError struct {
	Kind   Kind
	Ref    string // event id, distinct id or lifecycle id
	Reason string
	Err    error
}

func (e *RowError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	if e.Ref != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Ref)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *RowError) Unwrap() error { return e.Err }

// IdentityError reports an event whose identifiers cannot be resolved.
func IdentityError(ref, reason string) *RowError {
	return &RowError{Kind: KindIdentity, Ref: ref, Reason: reason}
}

// LifecycleIntegrityError reports an attempt to move an assigned credited date.
func LifecycleIntegrityError(ref, reason string) *RowError {
	return &RowError{Kind: KindLifecycleIntegrity, Ref: ref, Reason: reason}
}

// RateLookupError reports that no cohort level or default produced rates.
func RateLookupError(ref, reason string) *RowError {
	return &RowError{Kind: KindRateLookup, Ref: ref, Reason: reason}
}

// StateTransitionError reports that a lifecycle cannot be valued.
func StateTransitionError(ref, reason string) *RowError {
	return &RowError{Kind: KindStateTransition, Ref: ref, Reason: reason}
}

// MalformedEventError reports an event skipped for bad or missing data.
func MalformedEventError(ref, reason string, err error) *RowError {
	return &RowError{Kind: KindMalformedEvent, Ref: ref, Reason: reason, Err: err}
}

// KindOf extracts the row error kind from err.
func KindOf(err error) (Kind, bool) {
	var re *RowError
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return "", false
}
