// Package seccomp builds the syscall filters applied to execution
// containers, in OCI form for containerd and as JSON for Docker.
package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// ProfileBuilder accumulates syscall rules on a deny-by-default profile.
type ProfileBuilder struct {
	profile *specs.LinuxSeccomp
}

func NewBuilder() *ProfileBuilder {
	return &ProfileBuilder{
		profile: &specs.LinuxSeccomp{
			DefaultAction: specs.ActErrno,
			Architectures: []specs.Arch{
				specs.ArchX86_64,
				specs.ArchAARCH64,
			},
		},
	}
}

func (b *ProfileBuilder) rule(action specs.LinuxSeccompAction, names []string) *ProfileBuilder {
	if len(names) == 0 {
		return b
	}
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  append([]string(nil), names...),
		Action: action,
	})
	return b
}

func (b *ProfileBuilder) AllowSyscalls(names ...string) *ProfileBuilder {
	return b.rule(specs.ActAllow, names)
}

func (b *ProfileBuilder) BlockSyscalls(names ...string) *ProfileBuilder {
	return b.rule(specs.ActErrno, names)
}

func (b *ProfileBuilder) LogSyscalls(names ...string) *ProfileBuilder {
	return b.rule(specs.ActLog, names)
}

// TrapSyscalls delivers SIGSYS instead of an errno, so probing shows up as a
// crash rather than a silent failure.
func (b *ProfileBuilder) TrapSyscalls(names ...string) *ProfileBuilder {
	return b.rule(specs.ActTrap, names)
}

// SyscallArg constrains a single argument for a seccomp rule.
type SyscallArg struct {
	Index uint   // Argument index (0-5)
	Value uint64 // Value to compare
	Op    specs.LinuxSeccompOperator
}

func (b *ProfileBuilder) AllowSyscallWithArgs(name string, args []SyscallArg) *ProfileBuilder {
	specArgs := make([]specs.LinuxSeccompArg, len(args))
	for i, a := range args {
		specArgs[i] = specs.LinuxSeccompArg{
			Index: a.Index,
			Value: a.Value,
			Op:    a.Op,
		}
	}
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  []string{name},
		Action: specs.ActAllow,
		Args:   specArgs,
	})
	return b
}

func (b *ProfileBuilder) WithArchitectures(archs ...specs.Arch) *ProfileBuilder {
	b.profile.Architectures = archs
	return b
}

func (b *ProfileBuilder) Build() *specs.LinuxSeccomp {
	return b.profile
}

// ActionFor returns the action the first rule naming syscall applies, or the
// profile default when no rule names it.
func ActionFor(p *specs.LinuxSeccomp, syscall string) specs.LinuxSeccompAction {
	for _, rule := range p.Syscalls {
		for _, name := range rule.Names {
			if name == syscall {
				return rule.Action
			}
		}
	}
	return p.DefaultAction
}
