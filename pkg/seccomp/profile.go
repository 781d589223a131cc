// Package seccomp builds the syscall filter applied to sandboxed
// interpreters by the container backends.
package seccomp

import (
	"encoding/json"
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

type ProfileBuilder struct {
	profile *specs.LinuxSeccomp
}

// NewBuilder starts a deny-by-default profile for amd64 and arm64.
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

func (b *ProfileBuilder) add(action specs.LinuxSeccompAction, names []string) *ProfileBuilder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: action,
	})
	return b
}

func (b *ProfileBuilder) AllowSyscalls(names ...string) *ProfileBuilder {
	return b.add(specs.ActAllow, names)
}

func (b *ProfileBuilder) BlockSyscalls(names ...string) *ProfileBuilder {
	return b.add(specs.ActErrno, names)
}

// KillSyscalls terminates the process on use. Reserved for calls that no
// legitimate submission could make.
func (b *ProfileBuilder) KillSyscalls(names ...string) *ProfileBuilder {
	return b.add(specs.ActKillProcess, names)
}

// SyscallArg constrains a single argument for a seccomp rule.
type SyscallArg struct {
	Index uint   // Argument index (0-5)
	Value uint64 // Value to compare
	Op    specs.LinuxSeccompOperator
}

func (b *ProfileBuilder) AllowSyscallWithArgs(name string, args ...SyscallArg) *ProfileBuilder {
	specArgs := make([]specs.LinuxSeccompArg, len(args))
	for i, a := range args {
		specArgs[i] = specs.LinuxSeccompArg{Index: a.Index, Value: a.Value, Op: a.Op}
	}
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  []string{name},
		Action: specs.ActAllow,
		Args:   specArgs,
	})
	return b
}

func (b *ProfileBuilder) Build() *specs.LinuxSeccomp {
	return b.profile
}

// ActionFor returns the action of the first rule naming syscall, or the
// profile default. Rules carrying argument filters are skipped.
func ActionFor(p *specs.LinuxSeccomp, syscall string) specs.LinuxSeccompAction {
	for _, rule := range p.Syscalls {
		if len(rule.Args) > 0 {
			continue
		}
		for _, name := range rule.Names {
			if name == syscall {
				return rule.Action
			}
		}
	}
	return p.DefaultAction
}

// DockerJSON renders p in the format accepted by
// `docker run --security-opt seccomp=<file>`.
func DockerJSON(p *specs.LinuxSeccomp) ([]byte, error) {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding seccomp profile: %w", err)
	}
	return data, nil
}
