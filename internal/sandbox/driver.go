package sandbox

import (
	"context"
	"time"
)

const (
	// WorkspaceDir is where the code directory is mounted inside a container.
	WorkspaceDir = "/workspace"

	// containerPrefix and the labels below mark containers owned by this
	// service so orphans can be found after a crash.
	containerPrefix = "coderunner-"
	labelManaged    = "io.coderunner.managed"
	labelExecID     = "io.coderunner.exec-id"
	labelLanguage   = "io.coderunner.language"
)

// ContainerSpec is everything a driver needs to create one execution
// container. The code is never part of it: HostDir holds the code file and is
// mounted read-only at WorkspaceDir.
type ContainerSpec struct {
	Name            string
	ExecID          string
	Language        string
	Image           string
	Argv            []string
	Env             []string
	HostDir         string
	Limits          Limits
	NetworkDisabled bool
	ScratchExec     bool
	// MaxLogBytes bounds how much multiplexed log data Logs returns.
	MaxLogBytes int64
}

func (s ContainerSpec) labels() map[string]string {
	return map[string]string{
		labelManaged:  "true",
		labelExecID:   s.ExecID,
		labelLanguage: s.Language,
	}
}

// Driver creates containers on one substrate. Implementations must be safe
// for concurrent use.
type Driver interface {
	Name() string
	Create(ctx context.Context, spec ContainerSpec) (Container, error)
	// CleanupOrphans removes service-owned containers left by a previous
	// process and returns how many it removed.
	CleanupOrphans(ctx context.Context) (int, error)
	Healthy(ctx context.Context) bool
	Close() error
}

// Container is a single created container. It is used by one goroutine at a
// time apart from Stats, which may run concurrently with Wait.
type Container interface {
	ID() string
	Start(ctx context.Context) error
	// Wait blocks until the process exits and returns its exit code.
	Wait(ctx context.Context) (int, error)
	// Kill sends SIGKILL. Killing an exited container is not an error.
	Kill(ctx context.Context) error
	// Logs returns the multiplexed stdout/stderr frames, at most
	// ContainerSpec.MaxLogBytes of them.
	Logs(ctx context.Context) ([]byte, error)
	// Stats reports current memory usage in bytes, if available.
	Stats(ctx context.Context) (uint64, bool)
	// Remove force-removes the container. Removing twice is not an error.
	Remove(ctx context.Context) error
}

// substrateTimeout bounds individual cleanup calls that must not hang the
// engine.
const substrateTimeout = 30 * time.Second
