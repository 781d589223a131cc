package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// queryPersonality is the argument that only reads the current persona.
const queryPersonality = 0xffffffff

// PythonProfile allows what CPython needs to start, import the approved
// standard modules and print. There is no network, no process creation
// beyond the initial exec, and no filesystem mutation.
func PythonProfile() *specs.LinuxSeccomp {
	return NewBuilder().
		AllowSyscalls(
			"read", "write", "readv", "writev", "pread64",
			"open", "openat", "close", "lseek",
			"stat", "fstat", "lstat", "newfstatat", "statx",
			"access", "faccessat", "faccessat2",
			"readlink", "readlinkat", "getdents64", "getcwd",
			"dup", "dup2", "dup3", "fcntl", "ioctl",
			"pipe2", "poll", "ppoll",
		).
		AllowSyscalls(
			"brk", "mmap", "munmap", "mprotect", "mremap", "madvise",
		).
		AllowSyscalls(
			"execve", "exit", "exit_group",
			"set_tid_address", "set_robust_list", "rseq",
			"futex", "gettid", "getpid", "tgkill",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "sigaltstack",
		).
		AllowSyscalls(
			"clock_gettime", "clock_getres", "gettimeofday",
			"nanosleep", "clock_nanosleep",
		).
		AllowSyscalls(
			"getuid", "geteuid", "getgid", "getegid",
			"uname", "sysinfo", "getrandom", "arch_prctl", "prlimit64",
			"getrlimit", "sched_getaffinity",
		).
		AllowSyscallWithArgs("personality",
			SyscallArg{Index: 0, Value: queryPersonality, Op: specs.OpEqualTo},
		).
		BlockSyscalls(
			"socket", "socketpair", "connect", "bind", "listen", "accept", "accept4",
			"clone", "clone3", "fork", "vfork", "execveat",
			"unlink", "unlinkat", "rename", "renameat", "renameat2",
			"mkdir", "mkdirat", "rmdir", "symlink", "symlinkat", "link", "linkat",
			"chmod", "fchmod", "fchmodat", "chown", "fchown", "fchownat",
			"mount", "umount2", "pivot_root", "chroot",
			"setns", "unshare", "sethostname", "setdomainname",
			"settimeofday", "adjtimex", "clock_adjtime",
			"reboot", "swapon", "swapoff", "acct",
		).
		KillSyscalls(
			"ptrace", "process_vm_readv", "process_vm_writev",
			"keyctl", "add_key", "request_key",
			"bpf", "perf_event_open", "userfaultfd",
			"kexec_load", "kexec_file_load",
			"init_module", "finit_module", "delete_module",
			"iopl", "ioperm",
		).
		Build()
}

// DockerProfileJSON is PythonProfile in Docker's file format.
func DockerProfileJSON() ([]byte, error) {
	return DockerJSON(PythonProfile())
}
