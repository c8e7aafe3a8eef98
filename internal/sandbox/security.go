package sandbox

import (
	"strconv"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"coderunner/pkg/seccomp"
)

// Unprivileged identity every execution runs as.
const (
	sandboxUID = 65534
	sandboxGID = 65534
)

// sandboxUser is the uid:gid form container engines accept.
func sandboxUser() string {
	return strconv.Itoa(sandboxUID) + ":" + strconv.Itoa(sandboxGID)
}

// Kernel interfaces hidden from or frozen for executed code. Both drivers
// apply the same lists.
var (
	maskedPaths = []string{
		"/proc/acpi",
		"/proc/kcore",
		"/proc/keys",
		"/proc/latency_stats",
		"/proc/timer_list",
		"/proc/timer_stats",
		"/proc/sched_debug",
		"/proc/scsi",
		"/sys/firmware",
		"/sys/devices/virtual/powercap",
	}
	readonlyPaths = []string{
		"/proc/asound",
		"/proc/bus",
		"/proc/fs",
		"/proc/irq",
		"/proc/sys",
		"/proc/sysrq-trigger",
	}
)

// SecurityProfile is the isolation applied on top of resource limits.
type SecurityProfile struct {
	Seccomp    *specs.LinuxSeccomp
	Namespaces []specs.LinuxNamespace
}

// SecurityProfileFor returns the profile for a language. The network
// namespace is always private; networkDisabled only decides whether socket
// syscalls pass the seccomp filter.
func SecurityProfileFor(networkDisabled bool) SecurityProfile {
	ns := make([]specs.LinuxNamespace, 0, 5)
	for _, t := range []specs.LinuxNamespaceType{
		specs.PIDNamespace,
		specs.NetworkNamespace,
		specs.MountNamespace,
		specs.UTSNamespace,
		specs.IPCNamespace,
	} {
		ns = append(ns, specs.LinuxNamespace{Type: t})
	}
	return SecurityProfile{
		Seccomp:    seccomp.ProfileFor(networkDisabled),
		Namespaces: ns,
	}
}

// ApplySecurityProfile fences an OCI spec: no capabilities in any set, no
// privilege escalation, the nobody identity, and a read-only root.
func ApplySecurityProfile(spec *specs.Spec, profile SecurityProfile) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}

	spec.Process.Capabilities = &specs.LinuxCapabilities{
		Bounding:    []string{},
		Effective:   []string{},
		Inheritable: []string{},
		Permitted:   []string{},
		Ambient:     []string{},
	}
	spec.Process.NoNewPrivileges = true
	spec.Process.User = specs.User{UID: sandboxUID, GID: sandboxGID}

	spec.Linux.Seccomp = profile.Seccomp
	spec.Linux.Namespaces = profile.Namespaces
	spec.Linux.MaskedPaths = append([]string(nil), maskedPaths...)
	spec.Linux.ReadonlyPaths = append([]string(nil), readonlyPaths...)

	if spec.Root != nil {
		spec.Root.Readonly = true
	}
}
