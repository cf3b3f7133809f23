package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument marks caller errors that are rejected before any mutation.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound marks references that do not resolve in the arena or store.
	ErrNotFound = errors.New("not found")
	// ErrCannotSplit is returned by splitters that cannot produce two regions.
	ErrCannotSplit = errors.New("object cannot be split")
)

// PreconditionError describes a rejected call.
type PreconditionError struct {
	Op     string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidArgument.
func (e *PreconditionError) Unwrap() error { return ErrInvalidArgument }

// Preconditionf builds a PreconditionError.
func Preconditionf(op, format string, args ...any) error {
	return &PreconditionError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing object.
type NotFoundError struct {
	Position string
	ID       ObjectID
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("object %s not found in position %s", e.ID, e.Position)
}

// Unwrap lets errors.Is match ErrNotFound.
func (e NotFoundError) Unwrap() error { return ErrNotFound }
