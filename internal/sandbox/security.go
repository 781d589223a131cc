package sandbox

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"safe-code-runner/pkg/seccomp"
)

// nobody:nogroup
const sandboxUID, sandboxGID = 65534, 65534

// SecurityProfile is the isolation applied to every container.
type SecurityProfile struct {
	Seccomp       *specs.LinuxSeccomp
	Namespaces    []specs.LinuxNamespace
	MaskedPaths   []string
	ReadonlyPaths []string
}

// PythonSecurityProfile gives each run fresh namespaces, including an empty
// network namespace, and no capabilities.
func PythonSecurityProfile() SecurityProfile {
	return SecurityProfile{
		Seccomp: seccomp.PythonProfile(),
		Namespaces: []specs.LinuxNamespace{
			{Type: specs.PIDNamespace},
			{Type: specs.NetworkNamespace},
			{Type: specs.MountNamespace},
			{Type: specs.UTSNamespace},
			{Type: specs.IPCNamespace},
		},
		MaskedPaths: []string{
			"/proc/acpi", "/proc/kcore", "/proc/keys", "/proc/latency_stats",
			"/proc/timer_list", "/proc/sched_debug", "/proc/scsi",
			"/sys/firmware", "/sys/devices/virtual/powercap",
		},
		ReadonlyPaths: []string{
			"/proc/bus", "/proc/fs", "/proc/irq", "/proc/sys", "/proc/sysrq-trigger",
		},
	}
}

func ApplySecurityProfile(spec *specs.Spec, profile SecurityProfile) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}

	spec.Linux.Seccomp = profile.Seccomp
	spec.Linux.Namespaces = profile.Namespaces
	spec.Linux.MaskedPaths = profile.MaskedPaths
	spec.Linux.ReadonlyPaths = profile.ReadonlyPaths

	spec.Process.Capabilities = &specs.LinuxCapabilities{}
	spec.Process.NoNewPrivileges = true
	spec.Process.User = specs.User{UID: sandboxUID, GID: sandboxGID}

	if spec.Root != nil {
		spec.Root.Readonly = true
	}
}
