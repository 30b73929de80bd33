package storage

import "errors"

// Storage errors shared by all implementations.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when an insert violates a uniqueness
	// constraint.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrPipelineActive is returned by CreateIfNoneActive when a
	// non-terminal pipeline already exists for the rule. This is the
	// at-most-one-active-pipeline-per-rule invariant surfacing.
	ErrPipelineActive = errors.New("rule already has an active pipeline")
)
