package sandbox

import (
	"fmt"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"safe-code-runner/internal/config"
)

type ResourceLimits struct {
	CPUShares  int64 `json:"cpu_shares"`   // 1024 = 1 CPU core
	MemoryMB   int64 `json:"memory_mb"`    // address space / cgroup memory cap
	PidsLimit  int64 `json:"pids_limit"`   // containers only
	CPUSeconds int64 `json:"cpu_seconds"`  // RLIMIT_CPU
	FileSizeMB int64 `json:"file_size_mb"` // RLIMIT_FSIZE and container tmpfs size
}

// ContainerDefaults are used for any limit left at zero by container
// backends, which always run with a cap.
func ContainerDefaults() ResourceLimits {
	return ResourceLimits{
		CPUShares:  512,
		MemoryMB:   256,
		PidsLimit:  16,
		CPUSeconds: 10,
		FileSizeMB: 16,
	}
}

func LimitsFromConfig(cfg config.LimitsConfig) ResourceLimits {
	return ResourceLimits{
		CPUShares:  cfg.CPUShares,
		MemoryMB:   cfg.MemoryMB,
		PidsLimit:  cfg.PidsLimit,
		CPUSeconds: cfg.CPUSeconds,
		FileSizeMB: cfg.FileSizeMB,
	}
}

// WithDefaults fills zero fields from ContainerDefaults.
func (rl ResourceLimits) WithDefaults() ResourceLimits {
	d := ContainerDefaults()
	if rl.CPUShares == 0 {
		rl.CPUShares = d.CPUShares
	}
	if rl.MemoryMB == 0 {
		rl.MemoryMB = d.MemoryMB
	}
	if rl.PidsLimit == 0 {
		rl.PidsLimit = d.PidsLimit
	}
	if rl.CPUSeconds == 0 {
		rl.CPUSeconds = d.CPUSeconds
	}
	if rl.FileSizeMB == 0 {
		rl.FileSizeMB = d.FileSizeMB
	}
	return rl
}

// Validate checks bounds. Zero means unset and is always accepted.
func (rl ResourceLimits) Validate() error {
	if rl.CPUShares != 0 && (rl.CPUShares < 2 || rl.CPUShares > 4096) {
		return fmt.Errorf("%w: cpu_shares must be 2-4096, got %d", ErrInvalidRequest, rl.CPUShares)
	}
	if rl.MemoryMB != 0 && (rl.MemoryMB < 16 || rl.MemoryMB > 4096) {
		return fmt.Errorf("%w: memory_mb must be 16-4096, got %d", ErrInvalidRequest, rl.MemoryMB)
	}
	if rl.PidsLimit != 0 && (rl.PidsLimit < 1 || rl.PidsLimit > 500) {
		return fmt.Errorf("%w: pids_limit must be 1-500, got %d", ErrInvalidRequest, rl.PidsLimit)
	}
	if rl.CPUSeconds < 0 || rl.FileSizeMB < 0 {
		return fmt.Errorf("%w: cpu_seconds and file_size_mb must not be negative", ErrInvalidRequest)
	}
	return nil
}

// hasRlimits reports whether any limit maps to a ulimit flag.
func (rl ResourceLimits) hasRlimits() bool {
	return rl.MemoryMB > 0 || rl.CPUSeconds > 0 || rl.FileSizeMB > 0
}

// WrapUlimit prefixes argv with a shell that lowers rlimits and then execs
// the original program, which keeps its pid and thus its process group.
// The program and its arguments travel as positional parameters, never
// through the shell's parser.
func (rl ResourceLimits) WrapUlimit(argv []string) []string {
	if !rl.hasRlimits() || len(argv) == 0 {
		return argv
	}
	var flags []string
	if rl.MemoryMB > 0 {
		flags = append(flags, fmt.Sprintf("-v %d", rl.MemoryMB*1024))
	}
	if rl.CPUSeconds > 0 {
		flags = append(flags, fmt.Sprintf("-t %d", rl.CPUSeconds))
	}
	if rl.FileSizeMB > 0 {
		// 512-byte blocks
		flags = append(flags, fmt.Sprintf("-f %d", rl.FileSizeMB*2048))
	}
	script := fmt.Sprintf(`ulimit %s && exec "$0" "$@"`, strings.Join(flags, " "))
	return append([]string{"/bin/sh", "-c", script}, argv...)
}

func ApplyResourceLimits(spec *specs.Spec, limits ResourceLimits) {
	limits = limits.WithDefaults()

	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}

	// Hard CFS cap: quota = shares/1024 of a 100ms period.
	period := uint64(100000)
	quota := int64(float64(limits.CPUShares) / 1024.0 * float64(period))
	if quota < 1000 {
		quota = 1000
	}
	spec.Linux.Resources.CPU = &specs.LinuxCPU{
		Period: &period,
		Quota:  &quota,
	}

	memoryBytes := limits.MemoryMB << 20
	spec.Linux.Resources.Memory = &specs.LinuxMemory{
		Limit: &memoryBytes,
		Swap:  &memoryBytes,
	}

	spec.Linux.Resources.Pids = &specs.LinuxPids{
		Limit: &limits.PidsLimit,
	}

	fileBytes := limits.FileSizeMB << 20
	spec.Mounts = appendIfNotExists(spec.Mounts, specs.Mount{
		Destination: "/tmp",
		Type:        "tmpfs",
		Source:      "tmpfs",
		Options: []string{
			"nosuid", "nodev", "noexec",
			fmt.Sprintf("size=%d", fileBytes),
			"mode=1777",
		},
	})

	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}
	spec.Process.Rlimits = []specs.POSIXRlimit{
		{Type: "RLIMIT_NOFILE", Hard: 64, Soft: 64},
		{Type: "RLIMIT_NPROC", Hard: safeUint64(limits.PidsLimit), Soft: safeUint64(limits.PidsLimit)},
		{Type: "RLIMIT_CPU", Hard: safeUint64(limits.CPUSeconds), Soft: safeUint64(limits.CPUSeconds)},
		{Type: "RLIMIT_FSIZE", Hard: safeUint64(fileBytes), Soft: safeUint64(fileBytes)},
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
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
