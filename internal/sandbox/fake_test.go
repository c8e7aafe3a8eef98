package sandbox

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/docker/docker/pkg/stdcopy"

	"coderunner/internal/storage"
)

// fakeDriver hands out a single scripted container.
type fakeDriver struct {
	mu        sync.Mutex
	createErr error
	container *fakeContainer
	specs     []ContainerSpec
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) Create(_ context.Context, spec ContainerSpec) (Container, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.specs = append(d.specs, spec)
	if d.createErr != nil {
		return nil, d.createErr
	}
	d.container.id = spec.Name
	return d.container, nil
}

func (d *fakeDriver) CleanupOrphans(context.Context) (int, error) { return 0, nil }
func (d *fakeDriver) Healthy(context.Context) bool                { return true }
func (d *fakeDriver) Close() error                                { return nil }

func (d *fakeDriver) creates() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.specs)
}

// fakeContainer exits with exitCode unless hang is set, in which case it
// runs until killed (or forever when ignoreKill is also set).
type fakeContainer struct {
	id string

	startErr   error
	exitCode   int
	waitErr    error
	hang       bool
	ignoreKill bool
	exitAfter  chan struct{} // optional gate for a natural exit
	logs       []byte
	logsErr    error
	memory     uint64

	killOnce sync.Once
	killCh   chan struct{}
	kills    atomic.Int32
	removes  atomic.Int32
}

func newFakeContainer() *fakeContainer {
	return &fakeContainer{killCh: make(chan struct{})}
}

func (c *fakeContainer) ID() string                  { return c.id }
func (c *fakeContainer) Start(context.Context) error { return c.startErr }
func (c *fakeContainer) Logs(context.Context) ([]byte, error) {
	return c.logs, c.logsErr
}

func (c *fakeContainer) Wait(ctx context.Context) (int, error) {
	if c.exitAfter != nil {
		select {
		case <-c.exitAfter:
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
	if !c.hang {
		return c.exitCode, c.waitErr
	}
	if c.ignoreKill {
		<-ctx.Done()
		return -1, ctx.Err()
	}
	select {
	case <-c.killCh:
		return 137, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (c *fakeContainer) Kill(context.Context) error {
	c.kills.Add(1)
	c.killOnce.Do(func() { close(c.killCh) })
	return nil
}

func (c *fakeContainer) Stats(context.Context) (uint64, bool) {
	return c.memory, c.memory > 0
}

func (c *fakeContainer) Remove(context.Context) error {
	c.removes.Add(1)
	return nil
}

// frames encodes output the way the Docker log endpoint does.
func frames(stdout, stderr string) []byte {
	var buf bytes.Buffer
	if stdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(stdout))
	}
	if stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(stderr))
	}
	return buf.Bytes()
}

// countingStore counts Update calls and can fail the nth one.
type countingStore struct {
	storage.Store
	mu      sync.Mutex
	updates []storage.Update
	failOn  int // 1-based; 0 never fails
}

var errStoreDown = errors.New("store unavailable")

func (s *countingStore) Update(ctx context.Context, id string, u storage.Update) error {
	s.mu.Lock()
	s.updates = append(s.updates, u)
	n := len(s.updates)
	s.mu.Unlock()
	if n == s.failOn {
		return errStoreDown
	}
	return s.Store.Update(ctx, id, u)
}

func (s *countingStore) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}
