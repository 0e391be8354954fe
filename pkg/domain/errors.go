package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrAlreadySigned   = errors.New("party already signed")
	ErrVersionConflict = errors.New("concurrent modification")
	ErrNotReady        = errors.New("relationship has unsettled clauses")
)

// ValidationError covers malformed or missing caller input. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransitionError reports an operation attempted from a clause state that
// does not permit it.
type TransitionError struct {
	ClauseType ClauseType
	From       ClauseStatus
	Attempted  string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("clause %s: cannot %s from %s", e.ClauseType, e.Attempted, e.From)
}

// ActorError reports a caller that is not a legitimate party to the
// relationship, or a party that must wait for the counterparty's response.
type ActorError struct {
	Party  Party
	Reason string
}

func (e *ActorError) Error() string {
	return fmt.Sprintf("actor %s: %s", e.Party, e.Reason)
}

// UpstreamError wraps a persistence/storage/notification collaborator
// failure. The operation it interrupted was not applied and may be retried
// whole.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
