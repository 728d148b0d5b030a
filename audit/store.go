package audit

import (
	"context"
	"errors"
	"fmt"
)

// Common errors returned by Store implementations.
var (
	// ErrSequenceConflict indicates the entry sequence number doesn't match
	// the expected next sequence (lastSequence + 1).
	ErrSequenceConflict = errors.New("sequence conflict")

	// ErrDuplicateEntry indicates an entry with the same ID already exists.
	ErrDuplicateEntry = errors.New("duplicate entry ID")
)

// SequenceConflictError provides details about a sequence conflict.
type SequenceConflictError struct {
	StreamID string
	Expected int64
	Actual   int64
}

func (e *SequenceConflictError) Error() string {
	return fmt.Sprintf("sequence conflict for stream %s: expected %d, got %d", e.StreamID, e.Expected, e.Actual)
}

func (e *SequenceConflictError) Unwrap() error {
	return ErrSequenceConflict
}

// Store defines the interface for audit persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// Append adds a single entry.
	// Returns ErrSequenceConflict if entry.Sequence != lastSequence + 1.
	// Returns ErrDuplicateEntry if an entry with the same ID already exists.
	Append(ctx context.Context, entry Entry) error

	// AppendBatch adds multiple entries atomically (all-or-nothing).
	AppendBatch(ctx context.Context, entries []Entry) error

	// Load retrieves all entries of a stream, ordered by sequence.
	// Returns an empty slice if the stream has no entries.
	Load(ctx context.Context, streamID string) ([]Entry, error)

	// LoadSince retrieves entries with sequence > afterSequence.
	LoadSince(ctx context.Context, streamID string, afterSequence int64) ([]Entry, error)

	// GetLastSequence returns the highest sequence number of a stream, 0 if none.
	GetLastSequence(ctx context.Context, streamID string) (int64, error)
}
