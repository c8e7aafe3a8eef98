package seccomp

import (
	"encoding/json"
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

var (
	fileSyscalls = []string{
		"read", "write", "readv", "writev", "pread64", "pwrite64",
		"open", "openat", "close", "close_range", "lseek",
		"stat", "fstat", "lstat", "newfstatat", "statx",
		"access", "faccessat", "faccessat2",
		"dup", "dup2", "dup3",
		"fcntl", "ioctl", "flock",
		"poll", "ppoll", "select", "pselect6",
		"pipe", "pipe2", "socketpair",
		"readlink", "readlinkat",
		"getdents64", "getcwd", "chdir", "fchdir",
		"rename", "renameat", "renameat2",
		"unlink", "unlinkat", "mkdir", "mkdirat", "rmdir",
		"symlink", "symlinkat", "link", "linkat",
		"chmod", "fchmod", "fchmodat",
		"chown", "fchown", "lchown", "fchownat",
		"utimensat", "umask",
		"ftruncate", "fallocate", "fadvise64",
		"fsync", "fdatasync",
		"statfs", "fstatfs",
		"copy_file_range", "sendfile",
		"memfd_create",
	}

	memorySyscalls = []string{
		"brk", "mmap", "munmap", "mprotect", "mremap",
		"madvise", "mincore", "membarrier",
	}

	processSyscalls = []string{
		"execve", "execveat",
		"exit", "exit_group",
		"wait4", "waitid",
		"clone", "clone3", "vfork",
		"kill", "tkill", "tgkill",
		"set_tid_address", "set_robust_list", "get_robust_list", "rseq",
		"getpid", "getppid", "gettid",
		"getpgid", "setpgid", "getpgrp", "getsid", "setsid",
		"getuid", "geteuid", "getgid", "getegid",
		"getresuid", "getresgid", "getgroups",
		"getrusage", "times",
		"getrlimit", "prlimit64",
		"sched_getaffinity", "sched_yield",
		"prctl", "arch_prctl",
	}

	signalSyscalls = []string{
		"futex",
		"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "rt_sigsuspend",
		"sigaltstack",
		"epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
		"eventfd2",
	}

	timeSyscalls = []string{
		"clock_gettime", "clock_getres", "gettimeofday",
		"nanosleep", "clock_nanosleep",
		"setitimer", "getitimer",
	}

	systemSyscalls = []string{
		"uname", "sysinfo", "getrandom",
	}

	networkSyscalls = []string{
		"socket", "connect", "bind", "listen", "accept", "accept4",
		"sendto", "recvfrom", "sendmsg", "recvmsg",
		"getsockopt", "setsockopt",
		"getsockname", "getpeername",
		"shutdown",
	}
)

func baseSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		AllowSyscalls(fileSyscalls...).
		AllowSyscalls(memorySyscalls...).
		AllowSyscalls(processSyscalls...).
		AllowSyscalls(signalSyscalls...).
		AllowSyscalls(timeSyscalls...).
		AllowSyscalls(systemSyscalls...)
}

func dangerousSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		TrapSyscalls(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl", "add_key", "request_key",
			"bpf", "perf_event_open", "userfaultfd",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		).
		BlockSyscalls(
			"mount", "umount2", "pivot_root", "chroot",
			"reboot", "swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct", "settimeofday", "adjtimex", "clock_adjtime",
			"nfsservctl", "personality", "lookup_dcookie",
			"ioperm", "iopl",
			"open_by_handle_at", "name_to_handle_at",
		)
}

// DefaultProfile returns a deny-by-default seccomp profile that lets the
// supported interpreters and compilers run without any socket access.
func DefaultProfile() *specs.LinuxSeccomp {
	return dangerousSyscalls(baseSyscalls(NewBuilder())).Build()
}

// NetworkAllowProfile is DefaultProfile plus the socket family.
func NetworkAllowProfile() *specs.LinuxSeccomp {
	b := baseSyscalls(NewBuilder()).AllowSyscalls(networkSyscalls...)
	return dangerousSyscalls(b).Build()
}

// ProfileFor picks the profile matching a language's network setting.
func ProfileFor(networkDisabled bool) *specs.LinuxSeccomp {
	if networkDisabled {
		return DefaultProfile()
	}
	return NetworkAllowProfile()
}

// DockerProfileJSON renders DefaultProfile in the format accepted by the
// Docker daemon's "seccomp=<json>" security option.
func DockerProfileJSON() ([]byte, error) {
	return MarshalDocker(DefaultProfile())
}

// DockerNetworkProfileJSON renders NetworkAllowProfile for Docker.
func DockerNetworkProfileJSON() ([]byte, error) {
	return MarshalDocker(NetworkAllowProfile())
}

// MarshalDocker encodes p as Docker seccomp JSON. The OCI field names
// already match the daemon's schema.
func MarshalDocker(p *specs.LinuxSeccomp) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("seccomp: nil profile")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("seccomp: encoding profile: %w", err)
	}
	return data, nil
}
