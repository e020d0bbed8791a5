// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict.
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates malformed or incomplete input.
var ErrValidation = errors.New("validation failed")

// ErrStopped indicates an operation was interrupted by a cooperative stop.
var ErrStopped = errors.New("stopped")
