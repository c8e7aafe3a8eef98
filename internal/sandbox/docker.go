package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-units"
	"github.com/rs/zerolog/log"

	"coderunner/pkg/seccomp"
)

// DockerDriver runs executions through the Docker Engine API.
type DockerDriver struct {
	client *client.Client

	seccompDefault string
	seccompNetwork string
}

// NewDockerDriver connects to the daemon named by host, or by the DOCKER_*
// environment when host is empty, and verifies it answers.
func NewDockerDriver(ctx context.Context, host string) (*DockerDriver, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: creating Docker client: %w", ErrSubstrateUnavailable, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("%w: Docker daemon not reachable: %w", ErrSubstrateUnavailable, err)
	}

	def, err := seccomp.DockerProfileJSON()
	if err != nil {
		_ = cli.Close()
		return nil, err
	}
	netw, err := seccomp.DockerNetworkProfileJSON()
	if err != nil {
		_ = cli.Close()
		return nil, err
	}

	log.Info().Str("host", cli.DaemonHost()).Msg("connected to Docker")

	return &DockerDriver{
		client:         cli,
		seccompDefault: string(def),
		seccompNetwork: string(netw),
	}, nil
}

func (d *DockerDriver) Name() string { return "docker" }

// Healthy checks if the daemon still answers.
func (d *DockerDriver) Healthy(ctx context.Context) bool {
	_, err := d.client.Ping(ctx)
	return err == nil
}

// Close releases the client's connections.
func (d *DockerDriver) Close() error {
	return d.client.Close()
}

// Create pulls the image if needed and creates a stopped container.
func (d *DockerDriver) Create(ctx context.Context, spec ContainerSpec) (Container, error) {
	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return nil, err
	}

	profile := d.seccompDefault
	if !spec.NetworkDisabled {
		profile = d.seccompNetwork
	}
	cfg, hostCfg := dockerConfig(spec, profile)

	resp, err := d.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	for _, w := range resp.Warnings {
		log.Warn().Str("container_id", resp.ID).Str("warning", w).Msg("docker create warning")
	}

	return &dockerContainer{client: d.client, id: resp.ID, maxLog: spec.MaxLogBytes}, nil
}

// ensureImage checks if the image exists locally, and pulls it if not.
func (d *DockerDriver) ensureImage(ctx context.Context, ref string) error {
	_, _, err := d.client.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("inspecting image %s: %w", ref, err)
	}

	log.Info().Str("ref", ref).Msg("pulling image")
	reader, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	defer reader.Close()

	// the pull only completes once its progress stream is drained
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	log.Info().Str("ref", ref).Msg("image pulled successfully")
	return nil
}

// CleanupOrphans removes every container carrying the managed label.
func (d *DockerDriver) CleanupOrphans(ctx context.Context) (int, error) {
	list, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManaged+"=true")),
	})
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	var cleaned int
	for _, c := range list {
		logger := log.With().Str("container_id", c.ID).Str("exec_id", c.Labels[labelExecID]).Logger()
		logger.Warn().Msg("removing orphaned container")

		err := d.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil && !cerrdefs.IsNotFound(err) {
			logger.Error().Err(err).Msg("failed to remove orphaned container")
			continue
		}
		cleaned++
	}
	return cleaned, nil
}

// dockerConfig translates spec into Docker create parameters.
func dockerConfig(spec ContainerSpec, seccompJSON string) (*container.Config, *container.HostConfig) {
	l := spec.Limits
	pids := l.PidsLimit

	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Argv,
		Env:             spec.Env,
		WorkingDir:      WorkspaceDir,
		User:            sandboxUser(),
		Labels:          spec.labels(),
		NetworkDisabled: spec.NetworkDisabled,
		AttachStdout:    true,
		AttachStderr:    true,
	}

	rlimits := l.rlimits()
	ulimits := make([]*units.Ulimit, 0, len(rlimits))
	for _, r := range rlimits {
		ulimits = append(ulimits, &units.Ulimit{Name: r.name, Soft: r.value, Hard: r.value})
	}

	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:     mount.TypeBind,
			Source:   spec.HostDir,
			Target:   WorkspaceDir,
			ReadOnly: true,
		}},
		Resources: container.Resources{
			Memory:     l.MemoryBytes(),
			MemorySwap: l.MemoryBytes(),
			CPUPeriod:  cfsPeriod,
			CPUQuota:   l.CPUQuota(),
			PidsLimit:  &pids,
			Ulimits:    ulimits,
		},
		ReadonlyRootfs: true,
		MaskedPaths:    maskedPaths,
		ReadonlyPaths:  readonlyPaths,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges", "seccomp=" + seccompJSON},
		Tmpfs: map[string]string{
			"/tmp": "rw," + strings.Join(scratchOptions(l, spec.ScratchExec), ","),
		},
	}
	if spec.NetworkDisabled {
		hostCfg.NetworkMode = "none"
	}

	return cfg, hostCfg
}

type dockerContainer struct {
	client *client.Client
	id     string
	maxLog int64
}

func (c *dockerContainer) ID() string { return c.id }

func (c *dockerContainer) Start(ctx context.Context) error {
	if err := c.client.ContainerStart(ctx, c.id, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container: %w", err)
	}
	return nil
}

func (c *dockerContainer) Wait(ctx context.Context) (int, error) {
	statusCh, errCh := c.client.ContainerWait(ctx, c.id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return int(status.StatusCode), fmt.Errorf("waiting for container: %s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	case err := <-errCh:
		return -1, fmt.Errorf("waiting for container: %w", err)
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (c *dockerContainer) Kill(ctx context.Context) error {
	err := c.client.ContainerKill(ctx, c.id, "SIGKILL")
	if err == nil || cerrdefs.IsNotFound(err) || cerrdefs.IsConflict(err) {
		// conflict means the container is no longer running
		return nil
	}
	return fmt.Errorf("killing container: %w", err)
}

func (c *dockerContainer) Logs(ctx context.Context) ([]byte, error) {
	rc, err := c.client.ContainerLogs(ctx, c.id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("reading container logs: %w", err)
	}
	defer rc.Close()

	var r io.Reader = rc
	if c.maxLog > 0 {
		r = io.LimitReader(rc, c.maxLog)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return data, fmt.Errorf("reading container logs: %w", err)
	}
	return data, nil
}

func (c *dockerContainer) Stats(ctx context.Context) (uint64, bool) {
	resp, err := c.client.ContainerStatsOneShot(ctx, c.id)
	if err != nil {
		return 0, false
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return 0, false
	}
	usage := stats.MemoryStats.Usage
	if stats.MemoryStats.MaxUsage > usage {
		usage = stats.MemoryStats.MaxUsage
	}
	return usage, usage > 0
}

func (c *dockerContainer) Remove(ctx context.Context) error {
	err := c.client.ContainerRemove(ctx, c.id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("removing container: %w", err)
	}
	return nil
}
