package sequence

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sequencer/repository"
)

// ErrorKind classifies a step failure for retry decisions.
type ErrorKind string

const (
	KindNone       ErrorKind = ""
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindTransient  ErrorKind = "transient"
	KindPartial    ErrorKind = "partial"
)

// ValidationError is a malformed or incomplete configuration. Never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid configuration: " + e.Message
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError is an entity that vanished while a job was in flight.
type NotFoundError struct {
	Entity string
	ID     uint
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

// TransientError wraps a downstream failure worth retrying.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PartialFailure reports sub-actions that failed while their siblings ran.
type PartialFailure struct {
	Total    int
	Failures []string
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("%d of %d actions failed: %s", len(e.Failures), e.Total, strings.Join(e.Failures, "; "))
}

// Classify maps err onto the failure taxonomy. Unrecognised errors are
// treated as transient.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var (
		verr *ValidationError
		nerr *NotFoundError
		terr *TransientError
		perr *PartialFailure
	)
	switch {
	case errors.As(err, &verr):
		return KindValidation
	case errors.As(err, &nerr), errors.Is(err, repository.ErrNotFound):
		return KindNotFound
	case errors.As(err, &terr), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case errors.As(err, &perr):
		return KindPartial
	}
	return KindTransient
}

// Retryable reports whether a failure may succeed on a later attempt.
func Retryable(err error) bool {
	return Classify(err) == KindTransient
}
