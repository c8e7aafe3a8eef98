package sandbox

import (
	"fmt"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"coderunner/internal/runtime"
)

const cfsPeriod = 100000 // 100ms in microseconds

// Limits are the resource ceilings applied to one container.
type Limits struct {
	MemoryMB  int64   `json:"memory_mb"`  // Hard memory limit, swap disabled
	CPUs      float64 `json:"cpus"`       // CFS quota in cores
	PidsLimit int64   `json:"pids_limit"` // Max processes (fork bomb protection)
	ScratchMB int64   `json:"scratch_mb"` // Tmpfs size for /tmp
}

// ResolveLimits derives a container's ceilings from its language profile,
// clamped by the service-wide memory maximum.
func ResolveLimits(p runtime.Profile, maxMemoryMB, scratchMB int64) Limits {
	mem := p.MemoryMB
	if maxMemoryMB > 0 && mem > maxMemoryMB {
		mem = maxMemoryMB
	}
	return Limits{
		MemoryMB:  mem,
		CPUs:      p.CPUs,
		PidsLimit: p.PidsLimit,
		ScratchMB: scratchMB,
	}
}

func (l Limits) Validate() error {
	if l.MemoryMB < 16 {
		return fmt.Errorf("%w: memory_mb must be at least 16, got %d", ErrInvalidRequest, l.MemoryMB)
	}
	if l.CPUs <= 0 {
		return fmt.Errorf("%w: cpus must be positive, got %g", ErrInvalidRequest, l.CPUs)
	}
	if l.PidsLimit < 1 {
		return fmt.Errorf("%w: pids_limit must be positive, got %d", ErrInvalidRequest, l.PidsLimit)
	}
	if l.ScratchMB < 1 {
		return fmt.Errorf("%w: scratch_mb must be positive, got %d", ErrInvalidRequest, l.ScratchMB)
	}
	return nil
}

// MemoryBytes is the memory ceiling in bytes.
func (l Limits) MemoryBytes() int64 { return l.MemoryMB * 1024 * 1024 }

// ScratchBytes is the /tmp tmpfs size in bytes.
func (l Limits) ScratchBytes() int64 { return l.ScratchMB * 1024 * 1024 }

// CPUQuota is the CFS quota per cfsPeriod, at least 1ms.
func (l Limits) CPUQuota() int64 {
	quota := int64(l.CPUs * cfsPeriod)
	if quota < 1000 {
		quota = 1000
	}
	return quota
}

// rlimit is a substrate-neutral POSIX resource limit.
type rlimit struct {
	name  string // lower-case, without the RLIMIT_ prefix
	value int64
}

// rlimits returns the per-process limits. NPROC is absent: the kernel counts
// it per UID across namespaces, and every sandbox shares UID 65534, so the
// per-container process cap is the pids cgroup alone.
func (l Limits) rlimits() []rlimit {
	return []rlimit{
		{"nofile", 256},
		{"fsize", l.ScratchBytes()},
		{"core", 0},
	}
}

// scratchOptions returns the tmpfs mount options for /tmp.
func scratchOptions(l Limits, exec bool) []string {
	opts := []string{"nosuid", "nodev"}
	if !exec {
		opts = append(opts, "noexec")
	}
	return append(opts, fmt.Sprintf("size=%d", l.ScratchBytes()), "mode=1777")
}

// ApplyResourceLimits writes l into an OCI spec for the containerd driver.
func ApplyResourceLimits(spec *specs.Spec, l Limits, scratchExec bool) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}

	// Use CFS quota for a hard CPU cap instead of shares (soft, best-effort).
	period := uint64(cfsPeriod)
	quota := l.CPUQuota()
	spec.Linux.Resources.CPU = &specs.LinuxCPU{
		Period: &period,
		Quota:  &quota,
	}

	memoryBytes := l.MemoryBytes()
	spec.Linux.Resources.Memory = &specs.LinuxMemory{
		Limit: &memoryBytes,
		Swap:  &memoryBytes,
	}

	pids := l.PidsLimit
	spec.Linux.Resources.Pids = &specs.LinuxPids{
		Limit: &pids,
	}

	spec.Mounts = appendIfNotExists(spec.Mounts, specs.Mount{
		Destination: "/tmp",
		Type:        "tmpfs",
		Source:      "tmpfs",
		Options:     scratchOptions(l, scratchExec),
	})

	spec.Process.Rlimits = spec.Process.Rlimits[:0]
	for _, r := range l.rlimits() {
		spec.Process.Rlimits = append(spec.Process.Rlimits, specs.POSIXRlimit{
			Type: "RLIMIT_" + strings.ToUpper(r.name),
			Hard: safeUint64(r.value),
			Soft: safeUint64(r.value),
		})
	}
}

func safeUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func appendIfNotExists(mounts []specs.Mount, m specs.Mount) []specs.Mount {
	for _, existing := range mounts {
		if existing.Destination == m.Destination {
			return mounts
		}
	}
	return append(mounts, m)
}
