// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidInput indicates a request that fails validation.
var ErrInvalidInput = errors.New("invalid input")

// ErrConflict indicates a concurrent modification conflict.
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrInvalidTransition indicates a status change the run state machine forbids.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrAborted indicates the run was cancelled while an attempt was in flight.
// It is not a failure: the supervisor exits without writing a terminal event.
var ErrAborted = errors.New("run aborted")
