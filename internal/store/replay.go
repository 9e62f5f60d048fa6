package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"hookrelay/internal/constants"
	"hookrelay/pkg/models"
)

// DecodeError reports a stored record that could not be decoded. Replay
// yields it and carries on with the next record.
type DecodeError struct {
	ID  string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode stored event %s: %v", e.ID, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Replay yields events stored between from and to (inclusive; a zero to is
// unbounded) in storage order, optionally filtered. It only reads, so it is
// safe alongside live ingestion. To resume, call it again with the storage
// time of the last event seen.
func (s *Store) Replay(ctx context.Context, from, to time.Time, f *Filter) iter.Seq2[models.Event, error] {
	return func(yield func(models.Event, error) bool) {
		now := s.now()
		for rec, err := range s.scanner().Scan(ctx, from) {
			if err != nil {
				yield(models.Event{}, err)
				return
			}
			if !to.IsZero() && rec.StoredAt.After(to) {
				return
			}

			se, err := s.codec.decode(rec.Data)
			if err != nil {
				if !yield(models.Event{}, &DecodeError{ID: rec.ID, Err: err}) {
					return
				}
				continue
			}
			if se.expired(now) {
				continue
			}
			if f != nil && !f.Matches(&se.Event) {
				continue
			}
			if !yield(se.Event, nil) {
				return
			}
		}
	}
}

type ReplayRequest struct {
	From      time.Time `json:"fromTimestamp"`
	To        time.Time `json:"toTimestamp,omitempty"`
	Filter    *Filter   `json:"filter,omitempty"`
	BatchSize int       `json:"batchSize,omitempty"`
}

// ReplayBatch is one page of a replay. Failed counts records that could not
// be decoded; callers that re-submit events may add their own failures.
type ReplayBatch struct {
	Index     int            `json:"index"`
	Events    []models.Event `json:"events"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Errors    []string       `json:"errors,omitempty"`
}

func batchSize(n int) int {
	switch {
	case n <= 0:
		return constants.DefaultReplayBatchSize
	case n > constants.MaxReplayBatchSize:
		return constants.MaxReplayBatchSize
	}
	return n
}

// ReplayBatches groups Replay into batches of at most BatchSize records.
func (s *Store) ReplayBatches(ctx context.Context, req ReplayRequest) iter.Seq2[ReplayBatch, error] {
	size := batchSize(req.BatchSize)

	return func(yield func(ReplayBatch, error) bool) {
		batch := ReplayBatch{Events: make([]models.Event, 0, size)}
		flush := func() bool {
			if batch.Succeeded+batch.Failed == 0 {
				return true
			}
			if !yield(batch, nil) {
				return false
			}
			batch = ReplayBatch{Index: batch.Index + 1, Events: make([]models.Event, 0, size)}
			return true
		}

		for ev, err := range s.Replay(ctx, req.From, req.To, req.Filter) {
			if err != nil {
				var decodeErr *DecodeError
				if !errors.As(err, &decodeErr) {
					yield(ReplayBatch{}, err)
					return
				}
				batch.Failed++
				batch.Errors = append(batch.Errors, err.Error())
			} else {
				batch.Events = append(batch.Events, ev)
				batch.Succeeded++
			}

			if batch.Succeeded+batch.Failed >= size && !flush() {
				return
			}
		}
		flush()
	}
}
