// Package errors defines the failure taxonomy shared by the item tree, the
// filesystem indices, the diff engine and the executor.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a path segment or child does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidPath is returned for empty or malformed paths.
	ErrInvalidPath = errors.New("invalid path")

	// ErrLockPoisoned is returned by a node whose writer panicked. The tree
	// can no longer be trusted once this is seen.
	ErrLockPoisoned = errors.New("lock poisoned")

	// ErrStateInconsistency means an index references an item that is not in
	// the arena. It always indicates an earlier bug.
	ErrStateInconsistency = errors.New("state inconsistency")

	// ErrDuplicateChild is returned when adding a child whose name is taken.
	ErrDuplicateChild = errors.New("duplicate child name")

	// ErrNotDirectory is returned when a directory operation targets a file.
	ErrNotDirectory = errors.New("not a directory")

	// ErrAttached is returned when linking an item that already has a parent.
	ErrAttached = errors.New("item already has a parent")

	// ErrCycle is returned when linking an item under one of its descendants.
	ErrCycle = errors.New("item would become its own ancestor")

	// ErrInvalidAction is returned when an action is built with items that do
	// not match its kind.
	ErrInvalidAction = errors.New("invalid action")

	// ErrUnresolvedAction is returned by the executor for conflict and error
	// kinds that were not resolved by the caller.
	ErrUnresolvedAction = errors.New("action requires a resolution")
)

// New is errors.New.
func New(text string) error {
	return errors.New(text)
}

// Is is errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is errors.As.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// NotFoundError records which path could not be resolved.
type NotFoundError struct {
	Path string
}

func (err NotFoundError) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

func (err NotFoundError) Unwrap() error {
	return ErrNotFound
}

// IOError is a disk or remote transfer failure for a single operation.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (err *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", err.Op, err.Path, err.Err)
}

func (err *IOError) Unwrap() error {
	return err.Err
}

// WrapIO wraps err as an IOError, or returns nil.
func WrapIO(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Path: path, Err: err}
}

// IsFatal reports whether err means the run must stop because tree
// consistency can no longer be guaranteed.
func IsFatal(err error) bool {
	return errors.Is(err, ErrLockPoisoned) || errors.Is(err, ErrStateInconsistency)
}
