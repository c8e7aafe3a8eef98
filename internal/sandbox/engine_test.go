package sandbox

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coderunner/internal/config"
	"coderunner/internal/runtime"
	"coderunner/internal/storage"
)

type engineFixture struct {
	engine    *Engine
	driver    *fakeDriver
	container *fakeContainer
	store     *countingStore
}

func newFixture(t *testing.T, cfg EngineConfig) *engineFixture {
	t.Helper()

	reg, err := runtime.NewRegistry()
	require.NoError(t, err)

	inner, err := storage.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { inner.Close() })

	if cfg.MaxTimeout == 0 {
		cfg.MaxTimeout = 5 * time.Second
	}
	if cfg.MaxMemoryMB == 0 {
		cfg.MaxMemoryMB = 1024
	}
	if cfg.KillGrace == 0 {
		cfg.KillGrace = 200 * time.Millisecond
	}
	if cfg.SampleInterval == 0 {
		cfg.SampleInterval = 5 * time.Millisecond
	}
	cfg.WorkDir = t.TempDir()

	c := newFakeContainer()
	d := &fakeDriver{container: c}
	s := &countingStore{Store: inner}

	return &engineFixture{
		engine:    NewEngine(d, reg, s, cfg),
		driver:    d,
		container: c,
		store:     s,
	}
}

func (f *engineFixture) queue(t *testing.T, id, lang string) {
	t.Helper()
	require.NoError(t, f.store.Store.Create(context.Background(), &storage.Execution{
		ID:       id,
		CallerID: "tester",
		Language: lang,
		Code:     "print('hi')",
		CodeHash: CodeHash("print('hi')"),
	}))
}

func (f *engineFixture) record(t *testing.T, id string) *storage.Execution {
	t.Helper()
	exec, err := f.store.FindByID(context.Background(), id)
	require.NoError(t, err)
	return exec
}

func TestExecute_Completed(t *testing.T) {
	f := newFixture(t, EngineConfig{})
	f.container.logs = frames("hello\n", "warning\n")
	f.queue(t, "e1", "python")

	res, err := f.engine.Execute(context.Background(), "e1", "python", "print('hi')", time.Second)
	require.NoError(t, err)

	assert.Equal(t, storage.StatusCompleted, res.Status)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, "warning\n", res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut)

	assert.Equal(t, 2, f.store.updateCount(), "exactly one running and one terminal write")
	assert.Equal(t, 1, f.driver.creates())
	assert.Equal(t, int32(1), f.container.removes.Load())
	assert.Zero(t, f.container.kills.Load())

	rec := f.record(t, "e1")
	assert.Equal(t, storage.StatusCompleted, rec.Status)
	assert.Equal(t, "hello\n", rec.Stdout)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 0, *rec.ExitCode)
	assert.NotNil(t, rec.StartedAt)
	assert.NotNil(t, rec.CompletedAt)

	_, statErr := os.Stat(f.driver.specs[0].HostDir)
	assert.True(t, os.IsNotExist(statErr), "code directory must be removed")
}

func TestExecute_NonZeroExitIsCompleted(t *testing.T) {
	f := newFixture(t, EngineConfig{})
	f.container.exitCode = 3
	f.container.logs = frames("", "Traceback\n")
	f.queue(t, "e1", "python")

	res, err := f.engine.Execute(context.Background(), "e1", "python", "raise SystemExit(3)", time.Second)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, res.Status)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "Traceback\n", res.Stderr)
}

func TestExecute_Timeout(t *testing.T) {
	f := newFixture(t, EngineConfig{})
	f.container.hang = true
	f.container.logs = frames("partial\n", "")
	f.queue(t, "e1", "python")

	start := time.Now()
	res, err := f.engine.Execute(context.Background(), "e1", "python", "while True: pass", 50*time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, storage.StatusTimeout, res.Status)
	assert.True(t, res.TimedOut)
	assert.Equal(t, 124, res.ExitCode)
	assert.Equal(t, "partial\n", res.Stdout)
	assert.GreaterOrEqual(t, f.container.kills.Load(), int32(1))
	assert.Equal(t, int32(1), f.container.removes.Load())
	assert.Less(t, time.Since(start), 2*time.Second)

	rec := f.record(t, "e1")
	assert.Equal(t, storage.StatusTimeout, rec.Status)
	assert.True(t, rec.TimedOut)
}

func TestExecute_TimeoutKillIgnored(t *testing.T) {
	f := newFixture(t, EngineConfig{KillGrace: 30 * time.Millisecond})
	f.container.hang = true
	f.container.ignoreKill = true
	f.queue(t, "e1", "python")

	res, err := f.engine.Execute(context.Background(), "e1", "python", "x", 30*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusTimeout, res.Status)
	assert.Equal(t, 124, res.ExitCode)
	assert.Equal(t, int32(1), f.container.removes.Load())
}

func TestExecute_SubstrateFailures(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(*engineFixture)
		wantOp      string
		wantRemoves int32
	}{
		{
			name:        "create",
			setup:       func(f *engineFixture) { f.driver.createErr = errors.New("image not found") },
			wantOp:      "create",
			wantRemoves: 0,
		},
		{
			name:        "start",
			setup:       func(f *engineFixture) { f.container.startErr = errors.New("oci runtime error") },
			wantOp:      "start",
			wantRemoves: 1,
		},
		{
			name:        "wait",
			setup:       func(f *engineFixture) { f.container.waitErr = errors.New("daemon went away") },
			wantOp:      "wait",
			wantRemoves: 1,
		},
		{
			name:        "logs",
			setup:       func(f *engineFixture) { f.container.logsErr = errors.New("log driver none") },
			wantOp:      "logs",
			wantRemoves: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, EngineConfig{})
			tt.setup(f)
			f.queue(t, "e1", "python")

			res, err := f.engine.Execute(context.Background(), "e1", "python", "x", time.Second)
			require.NoError(t, err, "substrate failures are reported through the result")

			assert.Equal(t, storage.StatusFailed, res.Status)
			assert.Equal(t, -1, res.ExitCode)
			assert.Contains(t, res.Stderr, tt.wantOp)
			assert.Equal(t, tt.wantRemoves, f.container.removes.Load())
			assert.Equal(t, 2, f.store.updateCount())

			rec := f.record(t, "e1")
			assert.Equal(t, storage.StatusFailed, rec.Status)
			assert.Contains(t, rec.Stderr, tt.wantOp)
		})
	}
}

func TestExecute_UnsupportedLanguage(t *testing.T) {
	f := newFixture(t, EngineConfig{})
	f.queue(t, "e1", "python")

	res, err := f.engine.Execute(context.Background(), "e1", "cobol", "DISPLAY 'HI'.", 0)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, IsUnsupportedLanguage(err))
	assert.Zero(t, f.store.updateCount())
	assert.Zero(t, f.driver.creates())
}

func TestExecute_RunningWriteFails(t *testing.T) {
	f := newFixture(t, EngineConfig{})
	f.store.failOn = 1
	f.queue(t, "e1", "python")

	res, err := f.engine.Execute(context.Background(), "e1", "python", "x", time.Second)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, IsPersistence(err))
	assert.Zero(t, f.driver.creates(), "no container without a running record")
	assert.Equal(t, storage.StatusQueued, f.record(t, "e1").Status)
}

func TestExecute_MissingRecord(t *testing.T) {
	f := newFixture(t, EngineConfig{})

	_, err := f.engine.Execute(context.Background(), "ghost", "python", "x", time.Second)
	require.Error(t, err)
	assert.True(t, IsPersistence(err))
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Zero(t, f.driver.creates())
}

func TestExecute_TerminalWriteFails(t *testing.T) {
	f := newFixture(t, EngineConfig{})
	f.store.failOn = 2
	f.container.logs = frames("42\n", "")
	f.queue(t, "e1", "python")

	res, err := f.engine.Execute(context.Background(), "e1", "python", "print(42)", time.Second)
	require.Error(t, err)
	assert.True(t, IsPersistence(err))

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "e1", execErr.ExecID)
	assert.Equal(t, "mark_terminal", execErr.Op)

	require.NotNil(t, res, "computed result is returned with the error")
	assert.Equal(t, storage.StatusCompleted, res.Status)
	assert.Equal(t, "42\n", res.Stdout)
	assert.Equal(t, int32(1), f.container.removes.Load())
}

func TestExecute_TruncatesOutput(t *testing.T) {
	f := newFixture(t, EngineConfig{OutputLimitBytes: 100})
	f.container.logs = frames(strings.Repeat("é", 500), strings.Repeat("x", 50))
	f.queue(t, "e1", "python")

	res, err := f.engine.Execute(context.Background(), "e1", "python", "x", time.Second)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(res.Stdout), 100)
	assert.Contains(t, res.Stdout, "truncated")
	assert.Equal(t, strings.Repeat("x", 50), res.Stderr)
	assert.LessOrEqual(t, len(f.record(t, "e1").Stdout), 100)
}

func TestExecute_SamplesPeakMemory(t *testing.T) {
	f := newFixture(t, EngineConfig{})
	f.container.memory = 5*1024*1024 + 1
	gate := make(chan struct{})
	f.container.exitAfter = gate
	f.queue(t, "e1", "python")

	go func() {
		time.Sleep(60 * time.Millisecond)
		close(gate)
	}()

	res, err := f.engine.Execute(context.Background(), "e1", "python", "x", time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.MemoryUsedMB, "partial megabytes round up")
}

func TestExecute_IgnoresCallerCancellation(t *testing.T) {
	f := newFixture(t, EngineConfig{})
	f.container.logs = frames("done\n", "")
	f.queue(t, "e1", "python")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.engine.Execute(ctx, "e1", "python", "x", time.Second)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, res.Status)
	assert.Equal(t, int32(1), f.container.removes.Load())
}

func TestExecute_ContainerSpec(t *testing.T) {
	f := newFixture(t, EngineConfig{MaxMemoryMB: 128, ScratchMB: 16})
	f.queue(t, "e1", "go")

	_, err := f.engine.Execute(context.Background(), "e1", "go", "package main", time.Second)
	require.NoError(t, err)

	require.Len(t, f.driver.specs, 1)
	spec := f.driver.specs[0]
	assert.Equal(t, "coderunner-e1", spec.Name)
	assert.Equal(t, "e1", spec.ExecID)
	assert.Contains(t, spec.Argv, "/workspace/main.go")
	assert.Equal(t, int64(128), spec.Limits.MemoryMB, "clamped to the global maximum")
	assert.Equal(t, int64(16), spec.Limits.ScratchMB)
	assert.True(t, spec.ScratchExec)
	assert.True(t, spec.NetworkDisabled)
	assert.Contains(t, spec.Env, "HOME=/tmp")
}

func TestPrepareWorkspace(t *testing.T) {
	f := newFixture(t, EngineConfig{})
	p, ok := f.engine.registry.Resolve("python")
	require.True(t, ok)

	code := "print('$(rm -rf /)')"
	dir, containerPath, err := f.engine.prepareWorkspace("abc", p, code)
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	assert.Equal(t, "/workspace/main.py", containerPath)
	data, err := os.ReadFile(dir + "/main.py")
	require.NoError(t, err)
	assert.Equal(t, code, string(data))

	info, err := os.Stat(dir + "/main.py")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o444), info.Mode().Perm())
}

func TestEffectiveTimeout(t *testing.T) {
	f := newFixture(t, EngineConfig{MaxTimeout: 20 * time.Second})
	p := runtime.Profile{Timeout: 10 * time.Second}

	tests := []struct {
		name      string
		requested time.Duration
		want      time.Duration
	}{
		{"zero uses profile default", 0, 10 * time.Second},
		{"negative uses profile default", -time.Second, 10 * time.Second},
		{"within max", 15 * time.Second, 15 * time.Second},
		{"exactly max", 20 * time.Second, 20 * time.Second},
		{"max plus ten seconds", 30 * time.Second, 20 * time.Second},
		{"clipped to max", time.Minute, 20 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.engine.EffectiveTimeout(p, tt.requested))
		})
	}

	long := runtime.Profile{Timeout: time.Minute}
	assert.Equal(t, 20*time.Second, f.engine.EffectiveTimeout(long, 0), "profile default is clipped too")
}

func TestEffectiveTimeout_ConfiguredDefault(t *testing.T) {
	f := newFixture(t, EngineConfigFrom(config.SandboxConfig{DefaultTimeout: 2 * time.Second, MaxTimeout: 20 * time.Second}))
	python, ok := f.engine.Registry().Resolve("python")
	require.True(t, ok)

	assert.Equal(t, 2*time.Second, f.engine.EffectiveTimeout(python, 0), "configured default replaces the profile's")
	assert.Equal(t, 5*time.Second, f.engine.EffectiveTimeout(python, 5*time.Second), "explicit request wins")
	assert.Equal(t, time.Second, f.engine.EffectiveTimeout(runtime.Profile{Timeout: time.Second}, 0), "profile timeout caps the default")
	assert.Equal(t, 2*time.Second, f.engine.EffectiveTimeout(runtime.Profile{}, 0), "profile without a timeout")
}

func TestExecute_RequestAboveMaxBehavesLikeMax(t *testing.T) {
	const maxTimeout = 50 * time.Millisecond

	run := func(requested time.Duration) (*Result, time.Duration) {
		f := newFixture(t, EngineConfig{MaxTimeout: maxTimeout, KillGrace: 20 * time.Millisecond})
		f.container.hang = true
		f.queue(t, "e1", "python")

		start := time.Now()
		res, err := f.engine.Execute(context.Background(), "e1", "python", "while True: pass", requested)
		require.NoError(t, err)
		return res, time.Since(start)
	}

	atMax, atMaxTook := run(maxTimeout)
	above, aboveTook := run(maxTimeout + 10*time.Second)

	for _, res := range []*Result{atMax, above} {
		assert.Equal(t, storage.StatusTimeout, res.Status)
		assert.True(t, res.TimedOut)
		assert.Equal(t, 124, res.ExitCode)
		assert.GreaterOrEqual(t, res.DurationMS, maxTimeout.Milliseconds())
	}
	assert.Less(t, aboveTook, 2*time.Second, "request above the maximum must be clipped")
	assert.InDelta(t, atMaxTook.Seconds(), aboveTook.Seconds(), 0.5)
}

func TestContainerEnv(t *testing.T) {
	env := containerEnv([]string{"GOCACHE=/tmp/gocache", "LD_PRELOAD=/evil.so", "path=/x", "=bad"})
	assert.Contains(t, env, "GOCACHE=/tmp/gocache")
	assert.Contains(t, env, "LANG=C.UTF-8")
	for _, kv := range env {
		assert.False(t, strings.HasPrefix(kv, "LD_PRELOAD"), kv)
		assert.False(t, strings.HasPrefix(kv, "path="), kv)
		assert.False(t, strings.HasPrefix(kv, "="), kv)
	}
}
