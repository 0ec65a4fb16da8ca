package models

import (
	"errors"
	"fmt"
)

// ErrorKind is the flat enumeration of error sources the platform
// distinguishes for retry/propagation purposes. The kind determines how a
// handler error propagates: bus-level nack and requeue, dead-letter,
// immediate step failure, or in-process retry.
type ErrorKind string

const (
	// KindRetryable covers network errors, 5xx responses, rate limiting and
	// timeouts. The bus nacks with requeue, counted toward RETRY_LIMIT.
	KindRetryable ErrorKind = "retryable"
	// KindPoisonMessage covers malformed payloads and unknown message
	// types. The message is moved to dead-letter and an exception event is
	// emitted; the step is not failed.
	KindPoisonMessage ErrorKind = "poison_message"
	// KindProviderAuth covers provider authentication failures.
	KindProviderAuth ErrorKind = "provider_auth"
	// KindProviderSchema covers unexpected provider response shapes.
	KindProviderSchema ErrorKind = "provider_schema"
	// KindModelMismatch covers embedding model/dimension inconsistency.
	KindModelMismatch ErrorKind = "model_mismatch"
	// KindCancelled covers cooperative cancellation of a running job.
	KindCancelled ErrorKind = "cancelled"
	// KindTransientDB covers serialization conflicts and deadlocks that are
	// worth retrying in-process before nacking.
	KindTransientDB ErrorKind = "transient_db"
)

// Error wraps an underlying cause with a Kind the rest of the platform
// switches on. Use errors.As to recover it from a wrapped chain.
type Error struct {
	Kind ErrorKind
	Step string
	Stage Stage
	Err  error
}

func (e *Error) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s: step %s (%s): %v", e.Kind, e.Step, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a kind-tagged error with step/stage context for the
// status document and progress publisher to surface.
func NewError(kind ErrorKind, step string, stage Stage, err error) *Error {
	return &Error{Kind: kind, Step: step, Stage: stage, Err: err}
}

// KindOf extracts the ErrorKind from err if it (or something it wraps) is
// a *Error; ok is false for plain errors. IsRetryable reports false for
// them, while the dispatcher returns them unchanged, so the worker pool
// nacks them like any other handler error.
func KindOf(err error) (kind ErrorKind, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsRetryable reports whether err should be nacked with requeue rather than
// dead-lettered or surfaced as a step failure.
func IsRetryable(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindRetryable
}
