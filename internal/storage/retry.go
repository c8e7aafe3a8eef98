package storage

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryingStore retries failed Create and Update calls with exponential
// backoff. Transition and not-found errors are final and never retried.
type RetryingStore struct {
	Store
	retries int
	backoff time.Duration
}

// WithRetry wraps s so that transient write failures are retried up to
// retries times. A non-positive retries returns s unchanged.
func WithRetry(s Store, retries int) Store {
	if retries <= 0 {
		return s
	}
	return &RetryingStore{Store: s, retries: retries, backoff: 100 * time.Millisecond}
}

// Create inserts exec, retrying transient failures.
func (r *RetryingStore) Create(ctx context.Context, exec *Execution) error {
	return r.do(ctx, exec.ID, "create", func() error {
		err := r.Store.Create(ctx, exec)
		if errors.Is(err, ErrDuplicate) {
			// an earlier attempt may have landed before its error surfaced
			if got, ferr := r.Store.FindByID(ctx, exec.ID); ferr == nil && got.CodeHash == exec.CodeHash {
				return nil
			}
		}
		return err
	})
}

// Update applies u, retrying transient failures.
func (r *RetryingStore) Update(ctx context.Context, id string, u Update) error {
	attempted := false
	return r.do(ctx, id, "update", func() error {
		err := r.Store.Update(ctx, id, u)
		if attempted && errors.Is(err, ErrInvalidTransition) {
			if got, ferr := r.Store.FindByID(ctx, id); ferr == nil && got.Status == u.Status {
				return nil
			}
		}
		attempted = true
		return err
	})
}

func (r *RetryingStore) do(ctx context.Context, id, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= r.retries; attempt++ {
		err = fn()
		if err == nil || !retryable(err) {
			return err
		}

		if attempt == r.retries {
			break
		}

		backoff := time.Duration(math.Pow(2, float64(attempt))) * r.backoff
		log.Warn().
			Err(err).
			Str("exec_id", id).
			Str("op", op).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("store write failed, retrying")

		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
	}

	log.Error().
		Err(err).
		Str("exec_id", id).
		Str("op", op).
		Msg("store write failed permanently after retries")
	return err
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrDuplicate),
		errors.Is(err, ErrInvalidRecord),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
