package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("execution not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrDuplicate         = errors.New("execution already exists")
	ErrInvalidRecord     = errors.New("invalid execution record")
)

// Store persists execution records. Implementations must apply each Update
// atomically per row and reject transitions that are not forward moves.
type Store interface {
	Create(ctx context.Context, exec *Execution) error
	Update(ctx context.Context, id string, u Update) error
	FindByID(ctx context.Context, id string) (*Execution, error)
	List(ctx context.Context, filter ExecutionFilter) ([]Execution, error)
	Healthy(ctx context.Context) bool
	Close() error
}

func validateCreate(exec *Execution) error {
	if exec.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRecord)
	}
	if exec.Status == "" {
		exec.Status = StatusQueued
	}
	if exec.Status != StatusQueued {
		return fmt.Errorf("%w: new executions must be %s, got %s", ErrInvalidTransition, StatusQueued, exec.Status)
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}
	return nil
}

func validateUpdate(u Update) error {
	if !u.Status.Valid() || u.Status == StatusQueued {
		return fmt.Errorf("%w: cannot move to %q", ErrInvalidTransition, u.Status)
	}
	if u.Outcome != nil && !u.Status.IsTerminal() {
		return fmt.Errorf("%w: outcome given for non-terminal status %s", ErrInvalidTransition, u.Status)
	}
	return nil
}

func statusStrings(ss []Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}
