package storage

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when inserting a record whose key exists.
	// Agent results are write-once.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrConflict is returned when the round is not in the status the
	// operation requires.
	ErrConflict = errors.New("round status conflict")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)
