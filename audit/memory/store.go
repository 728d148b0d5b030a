// Package memory provides an in-memory implementation of audit.Store.
// This implementation is suitable for testing and development.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/lirancohen/loupe/audit"
)

// Store is a thread-safe in-memory implementation of audit.Store.
// The zero value is ready for use.
type Store struct {
	mu      sync.RWMutex
	entries map[string][]audit.Entry // streamID -> entries (sorted by sequence)
	ids     map[string]struct{}      // set of all entry IDs for duplicate detection
}

// New creates a new in-memory audit store.
func New() *Store {
	return &Store{
		entries: make(map[string][]audit.Entry),
		ids:     make(map[string]struct{}),
	}
}

// init initializes maps if nil (supports zero value). Caller must hold s.mu.
func (s *Store) init() {
	if s.entries == nil {
		s.entries = make(map[string][]audit.Entry)
	}
	if s.ids == nil {
		s.ids = make(map[string]struct{})
	}
}

// Append adds a single entry to the store.
func (s *Store) Append(ctx context.Context, e audit.Entry) error {
	return s.AppendBatch(ctx, []audit.Entry{e})
}

// AppendBatch adds multiple entries atomically.
// If any entry fails validation, none are appended.
func (s *Store) AppendBatch(ctx context.Context, entries []audit.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()

	newIDs := make(map[string]struct{}, len(entries))
	lastSeq := make(map[string]int64)

	for _, e := range entries {
		if _, exists := s.ids[e.ID]; exists {
			return audit.ErrDuplicateEntry
		}
		if _, exists := newIDs[e.ID]; exists {
			return audit.ErrDuplicateEntry
		}
		newIDs[e.ID] = struct{}{}

		last, seen := lastSeq[e.StreamID]
		if !seen {
			last = int64(len(s.entries[e.StreamID]))
		}
		if e.Sequence != last+1 {
			return &audit.SequenceConflictError{
				StreamID: e.StreamID,
				Expected: last + 1,
				Actual:   e.Sequence,
			}
		}
		lastSeq[e.StreamID] = e.Sequence
	}

	for _, e := range entries {
		s.entries[e.StreamID] = append(s.entries[e.StreamID], e)
		s.ids[e.ID] = struct{}{}
	}
	return nil
}

// Load retrieves all entries of a stream, ordered by sequence.
func (s *Store) Load(ctx context.Context, streamID string) ([]audit.Entry, error) {
	return s.LoadSince(ctx, streamID, 0)
}

// LoadSince retrieves entries with sequence > afterSequence, ordered by sequence.
func (s *Store) LoadSince(ctx context.Context, streamID string, afterSequence int64) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream := s.entries[streamID]

	// Sequences are 1-indexed and gapless, so afterSequence is also a slice index.
	start := max(int(afterSequence), 0)
	if start >= len(stream) {
		return []audit.Entry{}, nil
	}

	result := make([]audit.Entry, len(stream)-start)
	copy(result, stream[start:])
	return result, nil
}

// GetLastSequence returns the highest sequence number of a stream.
func (s *Store) GetLastSequence(ctx context.Context, streamID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.entries[streamID])), nil
}

// QueryByEntity implements query.EntityQuerier.
// Streams are returned in order of their first entry.
func (s *Store) QueryByEntity(ctx context.Context, entityType, entityID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type hit struct {
		stream string
		first  audit.Entry
	}
	var hits []hit
	for streamID, stream := range s.entries {
		for _, e := range stream {
			if e.Metadata[audit.MetaEntityType] == entityType && e.Metadata[audit.MetaEntityID] == entityID {
				hits = append(hits, hit{stream: streamID, first: stream[0]})
				break
			}
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].first.Timestamp.Equal(hits[j].first.Timestamp) {
			return hits[i].stream < hits[j].stream
		}
		return hits[i].first.Timestamp.Before(hits[j].first.Timestamp)
	})

	result := make([]string, len(hits))
	for i, h := range hits {
		result[i] = h.stream
	}
	return result, nil
}
