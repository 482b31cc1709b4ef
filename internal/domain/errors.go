// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrInvalidState indicates an action attempted against an entity that is not
// in the state the action requires (e.g. responding to a non-pending approval).
var ErrInvalidState = errors.New("invalid state for requested action")

// ErrValidation indicates the request itself is malformed. Validation errors
// are rejected synchronously and never persisted.
var ErrValidation = errors.New("validation")
