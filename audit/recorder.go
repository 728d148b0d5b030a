package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/lirancohen/loupe/retry"
)

// Record describes an entry to append without its sequence.
type Record struct {
	StreamID string
	Type     EntryType
	ActorID  string
	Data     any
	Metadata map[string]string
}

// Recorder appends entries to a Store, assigning the next sequence and
// retrying when a concurrent writer claims it first.
type Recorder struct {
	store Store
	clock func() time.Time
	retry *retry.Policy
}

// NewRecorder returns a Recorder over store. A nil clock uses time.Now.
func NewRecorder(store Store, clock func() time.Time) *Recorder {
	if clock == nil {
		clock = time.Now
	}
	return &Recorder{
		store: store,
		clock: clock,
		retry: &retry.Policy{
			MaxAttempts:  8,
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     100 * time.Millisecond,
			Multiplier:   2.0,
			Jitter:       0.2,
			Retryable: func(err error) bool {
				return errors.Is(err, ErrSequenceConflict)
			},
		},
	}
}

// Record appends rec as the next entry of its stream.
func (r *Recorder) Record(ctx context.Context, rec Record) (Entry, error) {
	data, err := marshalData(rec)
	if err != nil {
		return Entry{}, err
	}

	for attempt := 1; ; attempt++ {
		last, err := r.store.GetLastSequence(ctx, rec.StreamID)
		if err != nil {
			return Entry{}, fmt.Errorf("get last sequence: %w", err)
		}

		entry := r.entry(rec, data, last+1)
		err = r.store.Append(ctx, entry)
		if err == nil {
			return entry, nil
		}
		if !r.retry.ShouldRetry(attempt, err) {
			return Entry{}, fmt.Errorf("append %s: %w", rec.Type, err)
		}

		select {
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		case <-time.After(r.retry.NextDelay(attempt)):
		}
	}
}

// RecordAfter appends rec only if the last entry of its stream still has
// sequence after. It never retries: a writer that appended in between makes
// it fail with ErrSequenceConflict, which callers use to claim work.
func (r *Recorder) RecordAfter(ctx context.Context, rec Record, after int64) (Entry, error) {
	data, err := marshalData(rec)
	if err != nil {
		return Entry{}, err
	}

	entry := r.entry(rec, data, after+1)
	if err := r.store.Append(ctx, entry); err != nil {
		return Entry{}, fmt.Errorf("append %s: %w", rec.Type, err)
	}
	return entry, nil
}

func (r *Recorder) entry(rec Record, data json.RawMessage, seq int64) Entry {
	return Entry{
		ID:        uuid.New().String(),
		StreamID:  rec.StreamID,
		Sequence:  seq,
		Version:   1,
		Type:      rec.Type,
		ActorID:   rec.ActorID,
		Data:      data,
		Timestamp: r.clock().UTC(),
		Metadata:  maps.Clone(rec.Metadata),
	}
}

func marshalData(rec Record) (json.RawMessage, error) {
	if rec.Data == nil {
		return nil, nil
	}
	raw, err := json.Marshal(rec.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s data: %w", rec.Type, err)
	}
	return raw, nil
}
