package sandbox

import (
	"strings"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"safe-code-runner/internal/config"
)

func TestContainerDefaults(t *testing.T) {
	l := ContainerDefaults()
	if l.MemoryMB != 256 || l.PidsLimit != 16 || l.CPUShares != 512 {
		t.Errorf("ContainerDefaults() = %+v", l)
	}
	if err := l.Validate(); err != nil {
		t.Errorf("defaults fail validation: %v", err)
	}
}

func TestResourceLimits_Validate(t *testing.T) {
	tests := []struct {
		name    string
		limits  ResourceLimits
		wantErr bool
	}{
		{"zero is unset", ResourceLimits{}, false},
		{"sane", ResourceLimits{MemoryMB: 128, CPUSeconds: 5}, false},
		{"memory too small", ResourceLimits{MemoryMB: 8}, true},
		{"memory too large", ResourceLimits{MemoryMB: 8192}, true},
		{"cpu shares", ResourceLimits{CPUShares: 1}, true},
		{"pids", ResourceLimits{PidsLimit: 1000}, true},
		{"negative cpu seconds", ResourceLimits{CPUSeconds: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.limits.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLimitsFromConfig(t *testing.T) {
	l := LimitsFromConfig(config.LimitsConfig{MemoryMB: 64, CPUSeconds: 2, FileSizeMB: 1})
	if l.MemoryMB != 64 || l.CPUSeconds != 2 || l.FileSizeMB != 1 || l.PidsLimit != 0 {
		t.Errorf("LimitsFromConfig = %+v", l)
	}
	w := l.WithDefaults()
	if w.MemoryMB != 64 || w.PidsLimit != ContainerDefaults().PidsLimit {
		t.Errorf("WithDefaults = %+v", w)
	}
}

func TestWrapUlimit(t *testing.T) {
	argv := []string{"/usr/bin/python3", "-s", "-B", "/scratch/submission-1 x.py"}

	if got := (ResourceLimits{}).WrapUlimit(argv); len(got) != len(argv) || got[0] != argv[0] {
		t.Errorf("no limits should leave argv alone, got %v", got)
	}

	got := ResourceLimits{MemoryMB: 256, CPUSeconds: 4, FileSizeMB: 1}.WrapUlimit(argv)
	if got[0] != "/bin/sh" || got[1] != "-c" {
		t.Fatalf("wrapped argv = %v", got)
	}
	script := got[2]
	for _, want := range []string{"-v 262144", "-t 4", "-f 2048", `exec "$0" "$@"`} {
		if !strings.Contains(script, want) {
			t.Errorf("script %q missing %q", script, want)
		}
	}
	if strings.Contains(script, "submission") {
		t.Error("paths must be passed as arguments, not interpolated")
	}
	if strings.Join(got[3:], "|") != strings.Join(argv, "|") {
		t.Errorf("positional args = %v", got[3:])
	}

	onlyCPU := ResourceLimits{CPUSeconds: 1, PidsLimit: 5}.WrapUlimit(argv)
	if strings.Contains(onlyCPU[2], "-v") || strings.Contains(onlyCPU[2], "-f") {
		t.Errorf("unexpected flags in %q", onlyCPU[2])
	}
}

func TestApplyResourceLimits(t *testing.T) {
	s := &specs.Spec{Process: &specs.Process{}}
	ApplyResourceLimits(s, ResourceLimits{MemoryMB: 64, PidsLimit: 4, CPUShares: 1024})

	r := s.Linux.Resources
	if *r.Memory.Limit != 64<<20 || *r.Memory.Swap != 64<<20 {
		t.Errorf("memory = %d swap = %d", *r.Memory.Limit, *r.Memory.Swap)
	}
	if *r.Pids.Limit != 4 {
		t.Errorf("pids = %d", *r.Pids.Limit)
	}
	if *r.CPU.Quota != 100000 || *r.CPU.Period != 100000 {
		t.Errorf("cpu quota/period = %d/%d", *r.CPU.Quota, *r.CPU.Period)
	}

	var tmp bool
	for _, m := range s.Mounts {
		if m.Destination == "/tmp" {
			tmp = true
		}
	}
	if !tmp {
		t.Error("missing /tmp tmpfs")
	}

	var cpu bool
	for _, rl := range s.Process.Rlimits {
		if rl.Type == "RLIMIT_CPU" {
			cpu = rl.Hard == uint64(ContainerDefaults().CPUSeconds)
		}
	}
	if !cpu {
		t.Error("RLIMIT_CPU should fall back to the container default")
	}
}

func TestApplySecurityProfile(t *testing.T) {
	s := &specs.Spec{Root: &specs.Root{Path: "rootfs"}}
	ApplySecurityProfile(s, PythonSecurityProfile())

	if !s.Process.NoNewPrivileges {
		t.Error("NoNewPrivileges not set")
	}
	if s.Process.User.UID != 65534 {
		t.Errorf("UID = %d", s.Process.User.UID)
	}
	if len(s.Process.Capabilities.Bounding) != 0 {
		t.Error("capabilities should be empty")
	}
	if !s.Root.Readonly {
		t.Error("rootfs should be read-only")
	}
	var netns bool
	for _, ns := range s.Linux.Namespaces {
		if ns.Type == specs.NetworkNamespace {
			netns = true
		}
	}
	if !netns {
		t.Error("missing network namespace")
	}
}
