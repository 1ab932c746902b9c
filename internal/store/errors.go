package store

import (
	"database/sql"
	"errors"
)

// NullString wraps a string as a sql.NullString; an empty string maps to an
// invalid (NULL) value, any other string to a valid one.
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Sentinel errors returned by Store methods. Callers should use errors.Is.
var (
	// ErrNotFound is returned when a row addressed by id does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when an optimistic-lock or conditional update
	// affects zero rows because the precondition no longer holds (e.g. a
	// merge lock already held, a job already claimed).
	ErrConflict = errors.New("store: conflict")

	// ErrTransientIO wraps a retryable storage failure (busy database,
	// connection reset). Callers may retry with backoff.
	ErrTransientIO = errors.New("store: transient io")

	// ErrPermanentIO wraps a non-retryable storage failure (schema
	// mismatch, disk full). Fatal to the calling job.
	ErrPermanentIO = errors.New("store: permanent io")
)
