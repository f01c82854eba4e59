package session

import "errors"

var (
	// ErrOverloaded means the admission lock could not be acquired before the
	// deadline. Callers may retry.
	ErrOverloaded = errors.New("session service overloaded")

	// ErrNotFound means no active or waiting session has the given id.
	ErrNotFound = errors.New("session not found")

	// ErrAlreadyRunning is returned by Run when a sweeper is already active.
	ErrAlreadyRunning = errors.New("session sweeper already running")
)
