// Copyright 2025 James Ross
package queue

import "errors"

// Kind classifies a queue-level failure so callers at every layer (API,
// worker, completion pipeline) can react without sniffing error strings.
type Kind int

const (
	KindInternal Kind = iota
	KindBadRequest
	KindNotAuthorized
	KindNotFound
	KindQuotaExceeded
	KindExecutionErr
	KindTimeout
	KindCanceled
	KindAlreadyCompleted
)

// Error is the error taxonomy shared across the queue store, pusher, and
// completion pipeline: every failure they surface carries one of these kinds.
type Error struct {
	Kind Kind
	Msg string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(k Kind, msg string, err error) *Error {
	return &Error{Kind: k, Msg: msg, Err: err}
}

// Wrap classifies err under Kind k for callers outside this package (the
// Pusher, API handlers) that need to surface a typed queue.Error without
// reaching into the unexported constructor.
func Wrap(k Kind, err error) *Error {
	return &Error{Kind: k, Msg: err.Error(), Err: err}
}

// ErrAlreadyCompleted is returned by Complete when another worker has
// already finalized the row; the loser of the race is expected to swallow it.
var ErrAlreadyCompleted = newErr(KindAlreadyCompleted, "job already completed", nil)

// ErrNotFound is returned by Get when no queued row matches the id.
var ErrNotFound = newErr(KindNotFound, "job not found", nil)

// IsAlreadyCompleted reports whether err (or any error it wraps) represents a
// race loss against a concurrent completion.
func IsAlreadyCompleted(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindAlreadyCompleted
	}
	return false
}

// IsNotFound reports whether err (or any error it wraps) is a KindNotFound.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindNotFound
	}
	return false
}
