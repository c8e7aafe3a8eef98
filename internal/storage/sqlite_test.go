package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coderunner/internal/config"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func queued(id, caller, lang string, created time.Time) *Execution {
	return &Execution{
		ID:        id,
		CallerID:  caller,
		Language:  lang,
		Code:      "print(1)",
		CodeHash:  "hash-" + id,
		CreatedAt: created,
	}
}

func TestSQLiteCreateAndFind(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	project := "proj-1"
	exec := queued("e1", "alice", "python", time.Time{})
	exec.ProjectID = &project
	require.NoError(t, s.Create(ctx, exec))
	assert.Equal(t, StatusQueued, exec.Status)
	assert.False(t, exec.CreatedAt.IsZero())

	got, err := s.FindByID(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.CallerID)
	assert.Equal(t, StatusQueued, got.Status)
	require.NotNil(t, got.ProjectID)
	assert.Equal(t, "proj-1", *got.ProjectID)
	assert.Nil(t, got.ExitCode)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	assert.Equal(t, exec.CreatedAt.UnixMilli(), got.CreatedAt.UnixMilli())
}

func TestSQLiteCreateRejects(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Create(ctx, queued("dup", "a", "python", time.Now())))
	assert.ErrorIs(t, s.Create(ctx, queued("dup", "a", "python", time.Now())), ErrDuplicate)

	running := queued("r", "a", "python", time.Now())
	running.Status = StatusRunning
	assert.ErrorIs(t, s.Create(ctx, running), ErrInvalidTransition)

	assert.ErrorIs(t, s.Create(ctx, queued("", "a", "python", time.Now())), ErrInvalidRecord)
}

func TestSQLiteFindMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.FindByID(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Create(ctx, queued("e1", "alice", "python", time.Now())))

	started := time.Now().UTC()
	require.NoError(t, s.Update(ctx, "e1", Update{Status: StatusRunning, StartedAt: &started}))

	got, err := s.FindByID(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.Equal(t, started.UnixMilli(), got.StartedAt.UnixMilli())

	done := started.Add(1500 * time.Millisecond)
	require.NoError(t, s.Update(ctx, "e1", Update{
		Status: StatusTimeout,
		Outcome: &Outcome{
			Stdout:       "partial",
			Stderr:       "",
			ExitCode:     124,
			DurationMS:   1500,
			MemoryUsedMB: 12,
			TimedOut:     true,
			CompletedAt:  done,
		},
	}))

	got, err = s.FindByID(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, got.Status)
	assert.Equal(t, "partial", got.Stdout)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 124, *got.ExitCode)
	assert.Equal(t, int64(1500), got.DurationMS)
	assert.Equal(t, int64(12), got.MemoryUsedMB)
	assert.True(t, got.TimedOut)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, done.UnixMilli(), got.CompletedAt.UnixMilli())
	require.NotNil(t, got.StartedAt, "terminal write must not clear started_at")
}

func TestSQLiteTransitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []Status
		next    Status
		wantErr error
	}{
		{"queued to running", nil, StatusRunning, nil},
		{"queued to failed", nil, StatusFailed, nil},
		{"queued to completed", nil, StatusCompleted, ErrInvalidTransition},
		{"queued to timeout", nil, StatusTimeout, ErrInvalidTransition},
		{"running to completed", []Status{StatusRunning}, StatusCompleted, nil},
		{"running to killed", []Status{StatusRunning}, StatusKilled, nil},
		{"running to running", []Status{StatusRunning}, StatusRunning, ErrInvalidTransition},
		{"completed to failed", []Status{StatusRunning, StatusCompleted}, StatusFailed, ErrInvalidTransition},
		{"timeout to running", []Status{StatusRunning, StatusTimeout}, StatusRunning, ErrInvalidTransition},
		{"back to queued", []Status{StatusRunning}, StatusQueued, ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := newTestStore(t)
			require.NoError(t, s.Create(ctx, queued("e", "a", "python", time.Now())))
			for _, st := range tt.path {
				require.NoError(t, s.Update(ctx, "e", terminalUpdate(st)))
			}

			err := s.Update(ctx, "e", terminalUpdate(tt.next))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			got, err := s.FindByID(ctx, "e")
			require.NoError(t, err)
			assert.Equal(t, tt.next, got.Status)
		})
	}
}

func terminalUpdate(st Status) Update {
	u := Update{Status: st}
	if st.IsTerminal() {
		u.Outcome = &Outcome{CompletedAt: time.Now()}
	}
	return u
}

func TestSQLiteUpdateMissing(t *testing.T) {
	s := newTestStore(t)
	err := s.Update(context.Background(), "ghost", Update{Status: StatusRunning})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteUpdateOutcomeOnRunning(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Create(ctx, queued("e", "a", "python", time.Now())))

	err := s.Update(ctx, "e", Update{Status: StatusRunning, Outcome: &Outcome{}})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSQLiteList(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		lang := "python"
		if i%2 == 1 {
			lang = "node"
		}
		require.NoError(t, s.Create(ctx, queued(fmt.Sprintf("a%d", i), "alice", lang, base.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, s.Create(ctx, queued("b0", "bob", "python", base)))
	require.NoError(t, s.Update(ctx, "a4", Update{Status: StatusRunning}))

	all, err := s.List(ctx, ExecutionFilter{CallerID: "alice"})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "a4", all[0].ID, "newest first")
	assert.Equal(t, "a0", all[4].ID)
	for _, e := range all {
		assert.Empty(t, e.Code, "list rows omit code")
	}

	py, err := s.List(ctx, ExecutionFilter{CallerID: "alice", Language: "python"})
	require.NoError(t, err)
	assert.Len(t, py, 3)

	running, err := s.List(ctx, ExecutionFilter{Status: string(StatusRunning)})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "a4", running[0].ID)

	page, err := s.List(ctx, ExecutionFilter{CallerID: "alice", Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "a2", page[0].ID)
	assert.Equal(t, "a1", page[1].ID)

	none, err := s.List(ctx, ExecutionFilter{CallerID: "carol"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLiteHealthy(t *testing.T) {
	s := newTestStore(t)
	assert.True(t, s.Healthy(context.Background()))
}

func TestSQLitePersistsToFile(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/sub/runs.db"

	s, err := OpenSQLite(ctx, "file:"+path)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, queued("e1", "a", "bash", time.Now())))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, "file:"+path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.FindByID(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "bash", got.Language)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:", WriteRetries: 2})
	require.NoError(t, err)
	defer s.Close()
	_, retrying := s.(*RetryingStore)
	assert.True(t, retrying)
	assert.True(t, s.Healthy(ctx))

	s2, err := Open(ctx, config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	defer s2.Close()
	_, plain := s2.(*SQLStore)
	assert.True(t, plain)

	_, err = Open(ctx, config.DatabaseConfig{Driver: "mongo", DSN: "x"})
	assert.Error(t, err)
}
