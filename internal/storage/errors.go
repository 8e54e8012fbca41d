package storage

import "errors"

var (
	// ErrCorruptedLog is returned when a logfile cannot be parsed
	// cleanly: a truncated trailing frame or an undecodable payload.
	ErrCorruptedLog = errors.New("corrupted write-ahead log")

	// ErrPersistFailed wraps any failure to append+sync an entry.
	ErrPersistFailed = errors.New("failed to persist entry")
)
