package sandbox

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"coderunner/internal/config"
	"coderunner/internal/monitor"
	"coderunner/internal/runtime"
	"coderunner/internal/storage"
	"coderunner/pkg/logdemux"
)

// Exit code reported for runs stopped by the timeout, matching timeout(1).
const timeoutExitCode = 124

// envBlocklist contains env var keys that must never be passed into a container.
var envBlocklist = map[string]bool{
	"LD_PRELOAD":      true,
	"LD_LIBRARY_PATH": true,
	"HTTP_PROXY":      true,
	"HTTPS_PROXY":     true,
	"NODE_OPTIONS":    true,
	"PYTHONPATH":      true,
	"PATH":            true,
	"HOME":            true,
	"USER":            true,
}

// EngineConfig holds the service-wide ceilings the engine enforces.
type EngineConfig struct {
	DefaultTimeout   time.Duration // for requests without one, capped by the profile; 0 uses the profile's
	MaxTimeout       time.Duration
	MaxMemoryMB      int64
	OutputLimitBytes int
	ScratchMB        int64
	WorkDir          string // parent for per-execution code directories; "" means os.TempDir
	KillGrace        time.Duration
	SampleInterval   time.Duration
}

// EngineConfigFrom maps the sandbox section of the service config.
func EngineConfigFrom(cfg config.SandboxConfig) EngineConfig {
	return EngineConfig{
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxTimeout:       cfg.MaxTimeout,
		MaxMemoryMB:      cfg.MaxMemoryMB,
		OutputLimitBytes: cfg.OutputLimitBytes,
		ScratchMB:        cfg.ScratchMB,
		WorkDir:          cfg.WorkDir,
		KillGrace:        cfg.KillGrace,
	}
}

func (c *EngineConfig) setDefaults() {
	if c.OutputLimitBytes <= 0 {
		c.OutputLimitBytes = 64 * 1024
	}
	if c.ScratchMB <= 0 {
		c.ScratchMB = 64
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 5 * time.Second
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = 250 * time.Millisecond
	}
}

// Result is the outcome of one execution, identical to what is persisted by
// the terminal record write.
type Result struct {
	ExecutionID  string         `json:"execution_id"`
	Status       storage.Status `json:"status"`
	Stdout       string         `json:"stdout"`
	Stderr       string         `json:"stderr"`
	ExitCode     int            `json:"exit_code"`
	DurationMS   int64          `json:"duration_ms"`
	MemoryUsedMB int64          `json:"memory_used_mb"`
	TimedOut     bool           `json:"timed_out"`
}

// Engine runs one execution per Execute call in a fresh container and keeps
// its record in step: exactly one running write and one terminal write.
type Engine struct {
	driver   Driver
	registry *runtime.Registry
	store    storage.Store
	cfg      EngineConfig
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer
}

// EngineOption configures optional engine collaborators.
type EngineOption func(*Engine)

func WithMetrics(m *monitor.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

func WithTracer(t *monitor.Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

func NewEngine(driver Driver, registry *runtime.Registry, store storage.Store, cfg EngineConfig, opts ...EngineOption) *Engine {
	cfg.setDefaults()
	e := &Engine{
		driver:   driver,
		registry: registry,
		store:    store,
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = monitor.NewTracer()
	}
	return e
}

// Registry returns the language registry the engine resolves against.
func (e *Engine) Registry() *runtime.Registry {
	return e.registry
}

// EffectiveTimeout applies the default to a non-positive request and clamps
// the result to the global maximum. The default is the configured
// DefaultTimeout, never above the profile's own timeout.
func (e *Engine) EffectiveTimeout(p runtime.Profile, requested time.Duration) time.Duration {
	t := requested
	if t <= 0 {
		t = p.Timeout
		if d := e.cfg.DefaultTimeout; d > 0 && (t <= 0 || d < t) {
			t = d
		}
	}
	if e.cfg.MaxTimeout > 0 && t > e.cfg.MaxTimeout {
		t = e.cfg.MaxTimeout
	}
	return t
}

// CodeHash is the hex sha256 of code, stored for auditing.
func CodeHash(code string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(code)))
}

// Execute runs code for an execution whose record already exists in the
// queued state. Substrate failures are reported through the result, never as
// an error. The only errors are an unknown language (nothing written) and a
// failed record write; when the terminal write fails the computed result is
// returned alongside the error.
func (e *Engine) Execute(ctx context.Context, execID, language, code string, requested time.Duration) (*Result, error) {
	profile, ok := e.registry.Resolve(language)
	if !ok {
		return nil, &ExecutionError{ExecID: execID, Op: "resolve_language", Err: fmt.Errorf("%w: %s", ErrUnsupportedLanguage, language)}
	}
	timeout := e.EffectiveTimeout(profile, requested)
	codeHash := CodeHash(code)

	logger := log.With().
		Str("exec_id", execID).
		Str("language", language).
		Str("code_hash", codeHash[:16]).
		Logger()

	// a started container is only ever stopped by its own timeout
	ctx = context.WithoutCancel(ctx)
	ctx, span := e.tracer.StartSpan(ctx, "execute",
		monitor.AttrExecID.String(execID),
		monitor.AttrLanguage.String(language),
		monitor.AttrCodeHash.String(codeHash),
	)
	var spanErr error
	defer func() { monitor.EndSpan(span, spanErr) }()

	startedAt := time.Now().UTC()
	if err := e.store.Update(ctx, execID, storage.Update{Status: storage.StatusRunning, StartedAt: &startedAt}); err != nil {
		logger.Error().Err(err).Msg("failed to mark execution running")
		e.metrics.RecordError("persistence")
		spanErr = &ExecutionError{ExecID: execID, Op: "mark_running", Err: fmt.Errorf("%w: %w", ErrPersistence, err)}
		return nil, spanErr
	}

	logger.Info().Dur("timeout", timeout).Msg("execution started")

	out := e.run(ctx, logger, execID, profile, code, timeout)
	result := e.finish(execID, out)

	span.SetAttributes(
		monitor.AttrStatus.String(string(result.Status)),
		monitor.AttrExitCode.Int(result.ExitCode),
		monitor.AttrDurationMS.Int64(result.DurationMS),
		monitor.AttrTimedOut.Bool(result.TimedOut),
	)
	e.metrics.RecordExecution(language, string(result.Status), time.Duration(result.DurationMS)*time.Millisecond,
		result.MemoryUsedMB, len(result.Stdout)+len(result.Stderr))

	err := e.store.Update(ctx, execID, storage.Update{
		Status: result.Status,
		Outcome: &storage.Outcome{
			Stdout:       result.Stdout,
			Stderr:       result.Stderr,
			ExitCode:     result.ExitCode,
			DurationMS:   result.DurationMS,
			MemoryUsedMB: result.MemoryUsedMB,
			TimedOut:     result.TimedOut,
			CompletedAt:  time.Now().UTC(),
		},
	})
	if err != nil {
		logger.Error().Err(err).Str("status", string(result.Status)).Msg("failed to persist execution result")
		e.metrics.RecordError("persistence")
		spanErr = &ExecutionError{ExecID: execID, Op: "mark_terminal", Err: fmt.Errorf("%w: %w", ErrPersistence, err)}
		return result, spanErr
	}

	logger.Info().
		Str("status", string(result.Status)).
		Int("exit_code", result.ExitCode).
		Int64("duration_ms", result.DurationMS).
		Int64("memory_mb", result.MemoryUsedMB).
		Msg("execution completed")

	return result, nil
}

// runOutcome is what one container attempt produced, before truncation.
type runOutcome struct {
	stdout, stderr string
	exitCode       int
	timedOut       bool
	duration       time.Duration
	peakMemory     uint64
	err            error
}

func (e *Engine) finish(execID string, out runOutcome) *Result {
	limit := e.cfg.OutputLimitBytes
	stdout, _ := truncateOutput(sanitizeOutput(out.stdout), limit)
	stderrText := out.stderr
	if out.err != nil {
		if stderrText != "" && !strings.HasSuffix(stderrText, "\n") {
			stderrText += "\n"
		}
		stderrText += out.err.Error()
	}
	stderr, _ := truncateOutput(sanitizeOutput(stderrText), limit)

	r := &Result{
		ExecutionID:  execID,
		Stdout:       stdout,
		Stderr:       stderr,
		ExitCode:     out.exitCode,
		DurationMS:   out.duration.Milliseconds(),
		MemoryUsedMB: bytesToMB(out.peakMemory),
		TimedOut:     out.timedOut,
	}
	switch {
	case out.err != nil:
		r.Status = storage.StatusFailed
		r.ExitCode = -1
	case out.timedOut:
		r.Status = storage.StatusTimeout
		r.ExitCode = timeoutExitCode
	default:
		r.Status = storage.StatusCompleted
	}
	return r
}

func bytesToMB(b uint64) int64 {
	const mb = 1024 * 1024
	return int64((b + mb - 1) / mb)
}

type waitResult struct {
	code int
	err  error
}

// run provisions, races and tears down a single container.
func (e *Engine) run(ctx context.Context, logger zerolog.Logger, execID string, p runtime.Profile, code string, timeout time.Duration) (out runOutcome) {
	began := time.Now()
	defer func() {
		if out.duration == 0 {
			out.duration = time.Since(began)
		}
		if out.err != nil {
			e.metrics.RecordError("substrate")
			logger.Warn().Err(out.err).Msg("execution failed in container runtime")
		}
	}()

	hostDir, codePath, err := e.prepareWorkspace(execID, p, code)
	if err != nil {
		out.err = substrateError("prepare_workspace", err)
		return out
	}
	defer func() {
		if err := os.RemoveAll(hostDir); err != nil {
			logger.Error().Err(err).Str("dir", hostDir).Msg("failed to remove code directory")
		}
	}()

	spec := ContainerSpec{
		Name:            containerPrefix + execID,
		ExecID:          execID,
		Language:        p.Name,
		Image:           p.Image,
		Argv:            p.Argv(codePath),
		Env:             containerEnv(p.Env),
		HostDir:         hostDir,
		Limits:          ResolveLimits(p, e.cfg.MaxMemoryMB, e.cfg.ScratchMB),
		NetworkDisabled: p.NetworkDisabled,
		ScratchExec:     p.ScratchExec,
		// both channels, plus frame headers for a generous number of writes
		MaxLogBytes: int64(2*e.cfg.OutputLimitBytes) + 64*1024,
	}

	var c Container
	err = e.substrate(ctx, "create", func(ctx context.Context) error {
		var err error
		c, err = e.driver.Create(ctx, spec)
		return err
	})
	if err != nil {
		out.err = substrateError("create", err)
		return out
	}
	defer func() {
		rmCtx, cancel := context.WithTimeout(ctx, substrateTimeout)
		defer cancel()
		if err := e.substrate(rmCtx, "remove", c.Remove); err != nil {
			logger.Error().Err(err).Str("container_id", c.ID()).Msg("container cleanup failed")
		}
	}()

	if err := e.substrate(ctx, "start", c.Start); err != nil {
		out.err = substrateError("start", err)
		return out
	}
	start := time.Now()
	defer e.metrics.ExecutionStarted()()
	logger.Debug().Str("container_id", c.ID()).Msg("container started")

	waitCtx, cancelWait := context.WithCancel(ctx)
	defer cancelWait()
	waitCh := make(chan waitResult, 1)
	go func() {
		exit, err := c.Wait(waitCtx)
		waitCh <- waitResult{code: exit, err: err}
	}()

	sampler := startSampler(ctx, c, e.cfg.SampleInterval)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		wr     waitResult
		exited bool
	)
	select {
	case wr = <-waitCh:
		exited = true
	case <-timer.C:
		out.timedOut = true
		logger.Warn().Dur("timeout", timeout).Msg("execution timed out, killing container")
		if err := e.substrate(ctx, "kill", c.Kill); err != nil {
			logger.Error().Err(err).Msg("failed to kill timed out container")
		}
		select {
		case wr = <-waitCh:
			exited = true
		case <-time.After(e.cfg.KillGrace):
			logger.Warn().Dur("grace", e.cfg.KillGrace).Msg("container did not exit after kill")
		}
	}
	out.duration = time.Since(start)
	out.peakMemory = sampler.stop()

	if exited && wr.err != nil && !out.timedOut {
		out.err = substrateError("wait", wr.err)
	}
	out.exitCode = wr.code

	var raw []byte
	err = e.substrate(ctx, "logs", func(ctx context.Context) error {
		var err error
		raw, err = c.Logs(ctx)
		return err
	})
	if err != nil && out.err == nil {
		out.err = substrateError("logs", err)
	}

	stdout, stderr, st := logdemux.DemuxWithStats(raw)
	if st.Truncated {
		logger.Debug().Int("frames", st.Frames).Msg("log stream ended mid-frame")
	}
	out.stdout, out.stderr = stdout, stderr
	return out
}

// substrate wraps one driver call in a span and a latency observation.
func (e *Engine) substrate(ctx context.Context, op string, fn func(context.Context) error) error {
	backend := e.driver.Name()
	ctx, span := e.tracer.StartSpan(ctx, "substrate."+op, monitor.AttrBackend.String(backend))
	start := time.Now()
	err := fn(ctx)
	e.metrics.ObserveSubstrate(backend, op, start)
	monitor.EndSpan(span, err)
	return err
}

// prepareWorkspace writes code to a private directory and returns the host
// directory and the in-container path of the file.
func (e *Engine) prepareWorkspace(execID string, p runtime.Profile, code string) (string, string, error) {
	dir, err := os.MkdirTemp(e.cfg.WorkDir, "exec-"+execID+"-*")
	if err != nil {
		return "", "", fmt.Errorf("creating code directory: %w", err)
	}
	// the container user must be able to traverse it
	if err := os.Chmod(dir, 0o755); err != nil { // #nosec G302 -- directory holds only the read-only code file
		_ = os.RemoveAll(dir)
		return "", "", fmt.Errorf("chmod code directory: %w", err)
	}

	name := "main" + p.FileExtension
	hostPath := filepath.Join(dir, name)
	if err := os.WriteFile(hostPath, []byte(code), 0o600); err != nil {
		_ = os.RemoveAll(dir)
		return "", "", fmt.Errorf("writing code: %w", err)
	}
	if err := os.Chmod(hostPath, 0o444); err != nil { // #nosec G302 -- container runs as nobody (UID 65534)
		_ = os.RemoveAll(dir)
		return "", "", fmt.Errorf("chmod code: %w", err)
	}

	return dir, path.Join(WorkspaceDir, name), nil
}

// containerEnv is the fixed sandbox environment plus profile variables that
// are not on the blocklist.
func containerEnv(extra []string) []string {
	env := []string{
		"HOME=/tmp",
		"LANG=C.UTF-8",
		"SANDBOX=true",
	}
	for _, kv := range extra {
		key, _, _ := strings.Cut(kv, "=")
		if key == "" || envBlocklist[strings.ToUpper(key)] {
			log.Warn().Str("key", key).Msg("dropping blocked environment variable")
			continue
		}
		env = append(env, kv)
	}
	return env
}

// sampler polls container memory while a run is in flight and keeps the peak.
type sampler struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	peak   uint64
}

func startSampler(ctx context.Context, c Container, interval time.Duration) *sampler {
	ctx, cancel := context.WithCancel(ctx)
	s := &sampler{cancel: cancel}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if v, ok := c.Stats(ctx); ok {
					s.observe(v)
				}
			}
		}
	}()
	return s
}

func (s *sampler) observe(v uint64) {
	s.mu.Lock()
	if v > s.peak {
		s.peak = v
	}
	s.mu.Unlock()
}

// stop ends sampling and returns the peak seen.
func (s *sampler) stop() uint64 {
	s.cancel()
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}
