// Package coordinator admits execution requests, creates their queued
// records, and hands them to the sandbox engine either in the background or
// inline.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"coderunner/internal/config"
	"coderunner/internal/monitor"
	"coderunner/internal/policy"
	"coderunner/internal/runtime"
	"coderunner/internal/sandbox"
	"coderunner/internal/storage"
)

// ErrClosed is returned by SubmitAsync once Close has been called.
var ErrClosed = errors.New("coordinator is shutting down")

// Executor runs an execution whose queued record already exists.
type Executor interface {
	Execute(ctx context.Context, execID, language, code string, timeout time.Duration) (*sandbox.Result, error)
}

// Request is one caller submission.
type Request struct {
	Language  string
	Code      string
	Timeout   time.Duration // zero selects the language default
	CallerID  string
	ProjectID string
}

// Handle identifies an accepted asynchronous submission.
type Handle struct {
	ID     string         `json:"id"`
	Status storage.Status `json:"status"`
}

type Limits struct {
	MaxCodeBytes int
	MaxTimeout   time.Duration
}

func LimitsFrom(cfg config.SandboxConfig) Limits {
	return Limits{MaxCodeBytes: cfg.MaxCodeBytes, MaxTimeout: cfg.MaxTimeout}
}

type Coordinator struct {
	executor Executor
	registry *runtime.Registry
	store    storage.Store
	policy   policy.Policy
	limits   Limits
	metrics  *monitor.Metrics
	newID    func() string

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

type Option func(*Coordinator)

func WithMetrics(m *monitor.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func New(executor Executor, registry *runtime.Registry, store storage.Store, pol policy.Policy, limits Limits, opts ...Option) *Coordinator {
	if pol == nil {
		pol = policy.AllowAll{}
	}
	c := &Coordinator{
		executor: executor,
		registry: registry,
		store:    store,
		policy:   pol,
		limits:   limits,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Languages lists the languages requests may name.
func (c *Coordinator) Languages() []runtime.Profile {
	names := c.registry.Languages()
	out := make([]runtime.Profile, 0, len(names))
	for _, n := range names {
		if p, ok := c.registry.Resolve(n); ok {
			out = append(out, p)
		}
	}
	return out
}

// SubmitAsync admits req, stores it as queued and returns without waiting
// for the run. The run continues even if ctx is cancelled.
func (c *Coordinator) SubmitAsync(ctx context.Context, req Request) (Handle, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Handle{}, ErrClosed
	}
	c.inflight.Add(1)
	c.mu.Unlock()

	exec, err := c.admit(ctx, req)
	if err != nil {
		c.inflight.Done()
		return Handle{}, err
	}

	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer c.inflight.Done()
		c.runDetached(runCtx, exec, req.Timeout)
	}()

	return Handle{ID: exec.ID, Status: exec.Status}, nil
}

// SubmitSync admits req and blocks until the run reaches a terminal state.
func (c *Coordinator) SubmitSync(ctx context.Context, req Request) (*sandbox.Result, error) {
	exec, err := c.admit(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.executor.Execute(ctx, exec.ID, exec.Language, exec.Code, req.Timeout)
}

func (c *Coordinator) Get(ctx context.Context, id string) (*storage.Execution, error) {
	return c.store.FindByID(ctx, id)
}

func (c *Coordinator) List(ctx context.Context, filter storage.ExecutionFilter) ([]storage.Execution, error) {
	if filter.Status != "" && !storage.Status(filter.Status).Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", sandbox.ErrInvalidRequest, filter.Status)
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, fmt.Errorf("%w: limit and offset must not be negative", sandbox.ErrInvalidRequest)
	}
	return c.store.List(ctx, filter)
}

// Close stops accepting async submissions and waits for the ones in flight,
// giving up when ctx is done.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight executions: %w", ctx.Err())
	}
}

// admit runs every precondition, counting the execution against the
// caller's quota, then persists the queued record. Nothing is written when a
// precondition fails, and the quota unit is given back when the record
// cannot be stored.
func (c *Coordinator) admit(ctx context.Context, req Request) (*storage.Execution, error) {
	if err := c.validate(req); err != nil {
		return nil, err
	}
	if err := c.policy.Authorize(ctx, req.CallerID); err != nil {
		c.metrics.RecordRejection(rejectionReason(err))
		return nil, err
	}

	c.metrics.ObserveCodeSize(len(req.Code))
	exec := &storage.Execution{
		ID:        c.newID(),
		CallerID:  req.CallerID,
		Language:  req.Language,
		Code:      req.Code,
		CodeHash:  sandbox.CodeHash(req.Code),
		Status:    storage.StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
	if req.ProjectID != "" {
		project := req.ProjectID
		exec.ProjectID = &project
	}

	if err := c.store.Create(ctx, exec); err != nil {
		c.metrics.RecordError("persistence")
		if relErr := c.policy.Release(context.WithoutCancel(ctx), req.CallerID); relErr != nil {
			log.Warn().Err(relErr).
				Str("exec_id", exec.ID).
				Str("caller_id", req.CallerID).
				Msg("failed to release quota for unrecorded execution")
		}
		return nil, &sandbox.ExecutionError{ExecID: exec.ID, Op: "create_record", Err: fmt.Errorf("%w: %w", sandbox.ErrPersistence, err)}
	}

	log.Debug().
		Str("exec_id", exec.ID).
		Str("caller_id", req.CallerID).
		Str("language", req.Language).
		Msg("execution queued")

	return exec, nil
}

func (c *Coordinator) validate(req Request) error {
	reject := func(reason, format string, args ...any) error {
		c.metrics.RecordRejection(reason)
		return fmt.Errorf("%w: "+format, append([]any{sandbox.ErrInvalidRequest}, args...)...)
	}

	if req.Language == "" {
		return reject("validation", "language is required")
	}
	if _, ok := c.registry.Resolve(req.Language); !ok {
		c.metrics.RecordRejection("unsupported_language")
		return fmt.Errorf("%w: %s", sandbox.ErrUnsupportedLanguage, req.Language)
	}
	if strings.TrimSpace(req.Code) == "" {
		return reject("validation", "code is required")
	}
	if c.limits.MaxCodeBytes > 0 && len(req.Code) > c.limits.MaxCodeBytes {
		return reject("code_too_large", "code is %d bytes, limit is %d", len(req.Code), c.limits.MaxCodeBytes)
	}
	if req.Timeout < 0 {
		return reject("validation", "timeout must not be negative")
	}
	if c.limits.MaxTimeout > 0 && req.Timeout > c.limits.MaxTimeout {
		return reject("timeout_too_long", "timeout %s exceeds maximum %s", req.Timeout, c.limits.MaxTimeout)
	}
	return nil
}

func (c *Coordinator) runDetached(ctx context.Context, exec *storage.Execution, timeout time.Duration) {
	logger := log.With().Str("exec_id", exec.ID).Logger()

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Msg("execution panicked")
			c.metrics.RecordError("internal")
			err := c.store.Update(ctx, exec.ID, storage.Update{
				Status: storage.StatusFailed,
				Outcome: &storage.Outcome{
					Stderr:      "internal error",
					ExitCode:    -1,
					CompletedAt: time.Now().UTC(),
				},
			})
			if err != nil && !errors.Is(err, storage.ErrInvalidTransition) {
				logger.Error().Err(err).Msg("failed to mark panicked execution failed")
			}
		}
	}()

	if _, err := c.executor.Execute(ctx, exec.ID, exec.Language, exec.Code, timeout); err != nil {
		logger.Error().Err(err).Msg("background execution failed")
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, policy.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, policy.ErrQuotaExceeded):
		return "quota"
	case errors.Is(err, policy.ErrPolicyUnavailable):
		return "policy_unavailable"
	}
	return "policy"
}
