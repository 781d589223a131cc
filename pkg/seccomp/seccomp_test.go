package seccomp

import (
	"encoding/json"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func TestPythonProfile_DenyByDefault(t *testing.T) {
	p := PythonProfile()
	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
	}
	if ActionFor(p, "io_uring_setup") != specs.ActErrno {
		t.Error("unlisted syscall should fall through to the default")
	}
}

func TestPythonProfile_Actions(t *testing.T) {
	p := PythonProfile()

	tests := []struct {
		syscall string
		want    specs.LinuxSeccompAction
	}{
		{"read", specs.ActAllow},
		{"openat", specs.ActAllow},
		{"execve", specs.ActAllow},
		{"getrandom", specs.ActAllow},
		{"socket", specs.ActErrno},
		{"connect", specs.ActErrno},
		{"clone", specs.ActErrno},
		{"fork", specs.ActErrno},
		{"unlinkat", specs.ActErrno},
		{"mount", specs.ActErrno},
		{"ptrace", specs.ActKillProcess},
		{"bpf", specs.ActKillProcess},
		// only allowed with the query argument
		{"personality", specs.ActErrno},
	}
	for _, tt := range tests {
		t.Run(tt.syscall, func(t *testing.T) {
			if got := ActionFor(p, tt.syscall); got != tt.want {
				t.Errorf("ActionFor(%s) = %v, want %v", tt.syscall, got, tt.want)
			}
		})
	}
}

func TestPythonProfile_PersonalityQueryOnly(t *testing.T) {
	p := PythonProfile()
	for _, rule := range p.Syscalls {
		if len(rule.Names) == 1 && rule.Names[0] == "personality" {
			if len(rule.Args) != 1 || rule.Args[0].Value != queryPersonality || rule.Args[0].Op != specs.OpEqualTo {
				t.Errorf("personality rule = %+v", rule)
			}
			return
		}
	}
	t.Error("no personality rule")
}

func TestDockerProfileJSON_ValidJSON(t *testing.T) {
	data, err := DockerProfileJSON()
	if err != nil {
		t.Fatalf("DockerProfileJSON: %v", err)
	}

	var dp struct {
		DefaultAction string   `json:"defaultAction"`
		Architectures []string `json:"architectures"`
		Syscalls      []struct {
			Names  []string `json:"names"`
			Action string   `json:"action"`
		} `json:"syscalls"`
	}
	if err := json.Unmarshal(data, &dp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if dp.DefaultAction != "SCMP_ACT_ERRNO" {
		t.Errorf("defaultAction = %q, want SCMP_ACT_ERRNO", dp.DefaultAction)
	}
	if len(dp.Architectures) != 2 {
		t.Errorf("architectures = %v", dp.Architectures)
	}
	if len(dp.Syscalls) == 0 {
		t.Error("expected syscall rules, got none")
	}
}

func TestProfileBuilder(t *testing.T) {
	p := NewBuilder().AllowSyscalls("read", "write").KillSyscalls("ptrace").Build()

	if len(p.Syscalls) != 2 {
		t.Fatalf("got %d rules, want 2", len(p.Syscalls))
	}
	rule := p.Syscalls[0]
	if rule.Action != specs.ActAllow {
		t.Errorf("rule Action = %v, want ActAllow", rule.Action)
	}
	if len(rule.Names) != 2 || rule.Names[0] != "read" || rule.Names[1] != "write" {
		t.Errorf("names = %v, want [read write]", rule.Names)
	}
	if p.Syscalls[1].Action != specs.ActKillProcess {
		t.Errorf("kill rule Action = %v", p.Syscalls[1].Action)
	}
}
