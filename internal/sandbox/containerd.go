package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"syscall"
	"time"

	v1 "github.com/containerd/cgroups/v3/cgroup1/stats"
	v2 "github.com/containerd/cgroups/v3/cgroup2/stats"
	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/typeurl/v2"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"
)

// ContainerdDriver runs executions as containerd tasks in a dedicated
// namespace.
type ContainerdDriver struct {
	inner     *containerd.Client
	socket    string
	namespace string

	mu     sync.RWMutex
	closed bool
}

// NewContainerdDriver connects to containerd and verifies the connection.
func NewContainerdDriver(ctx context.Context, socket, namespace string) (*ContainerdDriver, error) {
	inner, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to containerd at %s: %w", ErrSubstrateUnavailable, socket, err)
	}

	if _, err := inner.Version(ctx); err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("%w: containerd health check failed: %w", ErrSubstrateUnavailable, err)
	}

	log.Info().
		Str("socket", socket).
		Str("namespace", namespace).
		Msg("connected to containerd")

	return &ContainerdDriver{
		inner:     inner,
		socket:    socket,
		namespace: namespace,
	}, nil
}

func (d *ContainerdDriver) Name() string { return "containerd" }

func (d *ContainerdDriver) withNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, d.namespace)
}

// Healthy checks if the containerd connection is alive.
func (d *ContainerdDriver) Healthy(ctx context.Context) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return false
	}
	_, err := d.inner.Version(ctx)
	return err == nil
}

// Close shuts down the containerd client.
func (d *ContainerdDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	return d.inner.Close()
}

func (d *ContainerdDriver) pullImage(ctx context.Context, ref string) (containerd.Image, error) {
	image, err := d.inner.GetImage(ctx, ref)
	if err == nil {
		return image, nil
	}

	log.Info().Str("ref", ref).Msg("pulling image")
	image, err = d.inner.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("pulling image %s: %w", ref, err)
	}
	log.Info().Str("ref", ref).Msg("image pulled successfully")
	return image, nil
}

// Create makes the container and its task. Output from the task is encoded
// into the same frame format the Docker log endpoint serves.
func (d *ContainerdDriver) Create(ctx context.Context, spec ContainerSpec) (Container, error) {
	ctx = d.withNamespace(ctx)

	image, err := d.pullImage(ctx, spec.Image)
	if err != nil {
		return nil, err
	}

	profile := SecurityProfileFor(spec.NetworkDisabled)

	c, err := d.inner.NewContainer(ctx, spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithContainerLabels(spec.labels()),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(spec.Argv...),
			oci.WithProcessCwd(WorkspaceDir),
			oci.WithEnv(spec.Env),
			oci.WithHostname("sandbox"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				ApplySecurityProfile(s, profile)
				ApplyResourceLimits(s, spec.Limits, spec.ScratchExec)

				s.Mounts = append(s.Mounts, specs.Mount{
					Destination: WorkspaceDir,
					Type:        "bind",
					Source:      spec.HostDir,
					Options:     []string{"rbind", "ro"},
				})
				return nil
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	logs := &frameBuffer{max: spec.MaxLogBytes}
	task, err := c.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil,
		stdcopy.NewStdWriter(logs, stdcopy.Stdout),
		stdcopy.NewStdWriter(logs, stdcopy.Stderr),
	)))
	if err != nil {
		_ = c.Delete(context.WithoutCancel(ctx), containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("creating task: %w", err)
	}

	// the exit channel must exist before the task starts or a fast exit is missed
	exitCh, err := task.Wait(context.WithoutCancel(ctx))
	if err != nil {
		_, _ = task.Delete(context.WithoutCancel(ctx), containerd.WithProcessKill)
		_ = c.Delete(context.WithoutCancel(ctx), containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("registering task wait: %w", err)
	}

	return &containerdContainer{
		driver:    d,
		container: c,
		task:      task,
		exitCh:    exitCh,
		logs:      logs,
	}, nil
}

// CleanupOrphans removes service containers left over from previous runs.
func (d *ContainerdDriver) CleanupOrphans(ctx context.Context) (int, error) {
	nsCtx := d.withNamespace(ctx)

	list, err := d.inner.Containers(nsCtx)
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	var cleaned int
	for _, c := range list {
		id := c.ID()
		if !strings.HasPrefix(id, containerPrefix) {
			continue
		}

		logger := log.With().Str("container_id", id).Logger()
		logger.Warn().Msg("removing orphaned container")

		if err := d.remove(nsCtx, c); err != nil {
			logger.Error().Err(err).Msg("failed to remove orphaned container")
			continue
		}
		cleaned++
	}
	return cleaned, nil
}

func (d *ContainerdDriver) remove(ctx context.Context, c containerd.Container) error {
	logger := log.With().Str("container_id", c.ID()).Logger()

	if task, err := c.Task(ctx, nil); err == nil {
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			logger.Warn().Err(err).Msg("failed to delete task")
		}
	}

	if err := c.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("deleting container %s: %w", c.ID(), err)
	}

	logger.Debug().Msg("container cleaned up")
	return nil
}

type containerdContainer struct {
	driver    *ContainerdDriver
	container containerd.Container
	task      containerd.Task
	exitCh    <-chan containerd.ExitStatus
	logs      *frameBuffer

	removeOnce sync.Once
	removeErr  error
}

func (c *containerdContainer) ID() string { return c.container.ID() }

func (c *containerdContainer) Start(ctx context.Context) error {
	if err := c.task.Start(c.driver.withNamespace(ctx)); err != nil {
		return fmt.Errorf("starting task: %w", err)
	}
	return nil
}

func (c *containerdContainer) Wait(ctx context.Context) (int, error) {
	select {
	case status := <-c.exitCh:
		code, _, err := status.Result()
		if err != nil {
			return -1, fmt.Errorf("waiting for task: %w", err)
		}
		return int(code), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (c *containerdContainer) Kill(ctx context.Context) error {
	err := c.task.Kill(c.driver.withNamespace(ctx), syscall.SIGKILL)
	if err == nil || errdefs.IsNotFound(err) || errdefs.IsFailedPrecondition(err) {
		// not found or failed precondition means the process already exited
		return nil
	}
	return fmt.Errorf("killing task: %w", err)
}

func (c *containerdContainer) Logs(ctx context.Context) ([]byte, error) {
	// the copy goroutines drain the FIFOs after exit; Wait for them to finish
	done := make(chan struct{})
	go func() {
		c.task.IO().Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		log.Warn().Str("container_id", c.ID()).Msg("timed out waiting for task output to drain")
	}
	return c.logs.Bytes(), nil
}

func (c *containerdContainer) Stats(ctx context.Context) (uint64, bool) {
	metric, err := c.task.Metrics(c.driver.withNamespace(ctx))
	if err != nil || metric == nil || metric.Data == nil {
		return 0, false
	}
	data, err := typeurl.UnmarshalAny(metric.Data)
	if err != nil {
		return 0, false
	}

	switch m := data.(type) {
	case *v1.Metrics:
		if m.Memory != nil && m.Memory.Usage != nil {
			return m.Memory.Usage.Max, m.Memory.Usage.Max > 0
		}
	case *v2.Metrics:
		if m.Memory != nil {
			return m.Memory.Usage, m.Memory.Usage > 0
		}
	}
	return 0, false
}

func (c *containerdContainer) Remove(ctx context.Context) error {
	c.removeOnce.Do(func() {
		c.removeErr = c.driver.remove(c.driver.withNamespace(ctx), c.container)
		c.task.IO().Close()
	})
	return c.removeErr
}

// frameBuffer collects multiplexed frames from both output streams, keeping
// at most max bytes. Each Write from a stdcopy writer is one whole frame, so
// the mutex keeps frames from interleaving. Writes past the cap are dropped
// but reported as written so the task never blocks on a full pipe.
type frameBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int64
}

func (b *frameBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if b.max > 0 {
		room := b.max - int64(b.buf.Len())
		if room <= 0 {
			return n, nil
		}
		if int64(len(p)) > room {
			p = p[:room]
		}
	}
	b.buf.Write(p)
	return n, nil
}

func (b *frameBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}
