package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"safe-code-runner/internal/runtime"
	"safe-code-runner/pkg/seccomp"
)

// DockerRunner runs each submission in a throwaway container through the
// docker CLI. Used where containerd is not reachable directly (macOS).
type DockerRunner struct {
	rt         runtime.Runtime
	timeout    time.Duration
	maxOutput  int
	limits     ResourceLimits
	dockerHost string

	sem           chan struct{}
	active        atomic.Int64
	wg            sync.WaitGroup
	mu            sync.Mutex
	closed        bool
	cancelCleanup context.CancelFunc
}

func NewDockerRunner(rt runtime.Runtime, timeout time.Duration, maxConcurrent, maxOutput int, limits ResourceLimits) *DockerRunner {
	if maxConcurrent < 1 {
		maxConcurrent = 32
	}
	if maxOutput <= 0 {
		maxOutput = 1 << 20
	}
	d := &DockerRunner{
		rt:         rt,
		timeout:    timeout,
		maxOutput:  maxOutput,
		limits:     limits.WithDefaults(),
		dockerHost: resolveDockerHost(),
		sem:        make(chan struct{}, maxConcurrent),
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancelCleanup = cancel
	go d.orphanCleanupLoop(ctx)

	return d
}

func (d *DockerRunner) Name() string { return "docker" }

// orphanCleanupLoop removes containers that outlived a crashed server.
func (d *DockerRunner) orphanCleanupLoop(ctx context.Context) {
	d.cleanupOrphans(ctx)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.cleanupOrphans(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (d *DockerRunner) cleanupOrphans(ctx context.Context) {
	// Only containers older than any live run could be.
	out, err := d.docker(ctx, "ps", "-a", "--filter", "name="+containerPrefix, "--format", "{{.Names}} {{.RunningFor}}").Output()
	if err != nil {
		return
	}
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		name, age, ok := strings.Cut(line, " ")
		if !ok || !strings.HasPrefix(name, containerPrefix) || strings.Contains(age, "second") {
			continue
		}
		log.Warn().Str("container", name).Msg("removing orphaned sandbox container")
		_ = d.docker(ctx, "rm", "-f", name).Run()
	}
}

func (d *DockerRunner) docker(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "docker", args...) // #nosec G204 -- fixed binary, args built internally
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	return cmd
}

// resolveDockerHost finds the daemon socket. Docker Desktop keeps it in a
// context that child processes do not inherit.
func resolveDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}
	out, err := exec.Command("docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err == nil {
		if host := strings.TrimSpace(string(out)); host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}
	return ""
}

func (d *DockerRunner) Execute(ctx context.Context, source string) (*Outcome, error) {
	execID := uuid.New().String()
	codeHash := hashCode(source)

	logger := log.With().
		Str("exec_id", execID).
		Str("backend", "docker").
		Str("code_hash", codeHash[:16]).
		Logger()

	if source == "" {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: fmt.Errorf("%w: code is empty", ErrInvalidRequest)}
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, &ExecutionError{ExecID: execID, Op: "execute", Err: ErrClosed}
	}
	d.wg.Add(1)
	d.mu.Unlock()
	defer d.wg.Done()

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ctx.Err()}
	}

	d.active.Add(1)
	defer d.active.Add(-1)

	hostDir, err := os.MkdirTemp("", containerPrefix+"*")
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "create_temp_dir", Err: err}
	}
	defer os.RemoveAll(hostDir)

	codeFile := filepath.Join(hostDir, containerCodeName+d.rt.FileExtension())
	if err := os.WriteFile(codeFile, []byte(source), 0o444); err != nil { // #nosec G306 -- read by uid 65534 in the container
		return nil, &ExecutionError{ExecID: execID, Op: "write_code", Err: err}
	}

	profile, err := seccomp.DockerProfileJSON()
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "seccomp_profile", Err: err}
	}
	seccompFile := filepath.Join(hostDir, "seccomp.json")
	if err := os.WriteFile(seccompFile, profile, 0o600); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "write_seccomp", Err: err}
	}

	name := containerPrefix + execID
	codePath := containerWorkdir + "/" + filepath.Base(codeFile)
	args := d.buildDockerArgs(name, codeFile, codePath, seccompFile)

	// Container start-up is included, so allow it a little extra.
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout+2*time.Second)
	defer cancel()

	cmd := d.docker(execCtx, args...)
	stdout := newCappedBuffer(d.maxOutput)
	stderr := newCappedBuffer(d.maxOutput / 4)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setupProcessGroup(cmd)

	start := time.Now()
	err = cmd.Run()
	duration := time.Since(start)

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		logger.Warn().Dur("timeout", d.timeout).Msg("execution timed out, removing container")
		rmCtx, rmCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := d.docker(rmCtx, "rm", "-f", name).Run(); err != nil {
			logger.Error().Err(err).Msg("failed to remove timed out container")
		}
		rmCancel()
		return timedOut(execID, codeHash, d.timeout, duration), nil
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, &ExecutionError{ExecID: execID, Op: "docker_run", Err: fmt.Errorf("%w: %v", ErrSpawn, err)}
		}
		exitCode = exitErr.ExitCode()
		// 125-127 come from docker itself, not from the interpreter.
		if exitCode >= 125 && exitCode <= 127 {
			return nil, &ExecutionError{ExecID: execID, Op: "docker_run", Err: fmt.Errorf("%w: docker exited %d: %s", ErrUnavailable, exitCode, strings.TrimSpace(stderr.String()))}
		}
	}

	out := completed(execID, codeHash, exitCode, stdout, stderr, newRedactor(codePath, containerWorkdir), duration)
	logger.Info().
		Int("exit_code", exitCode).
		Str("classification", out.Class.String()).
		Dur("duration", duration).
		Msg("docker execution completed")
	return out, nil
}

func (d *DockerRunner) buildDockerArgs(name, hostCodeFile, containerCodePath, seccompPath string) []string {
	l := d.limits
	fileBytes := l.FileSizeMB << 20

	args := []string{
		"run", "--rm",
		"--name", name,
		"--network", "none",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--security-opt", "seccomp=" + seccompPath,
		"--memory", fmt.Sprintf("%dm", l.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", l.MemoryMB),
		"--pids-limit", fmt.Sprintf("%d", l.PidsLimit),
		"--cpus", fmt.Sprintf("%.2f", float64(l.CPUShares)/1024.0),
		"--ulimit", fmt.Sprintf("cpu=%d:%d", l.CPUSeconds, l.CPUSeconds),
		"--ulimit", fmt.Sprintf("fsize=%d:%d", fileBytes, fileBytes),
		"--ulimit", "core=0:0",
		"--read-only",
		"--tmpfs", fmt.Sprintf("/tmp:rw,nosuid,nodev,noexec,size=%dm", l.FileSizeMB),
		"-v", fmt.Sprintf("%s:%s:ro", hostCodeFile, containerCodePath),
		"--workdir", containerWorkdir,
		"--user", fmt.Sprintf("%d:%d", sandboxUID, sandboxGID),
	}
	for _, kv := range d.rt.Env("/tmp") {
		args = append(args, "-e", kv)
	}
	args = append(args, d.rt.Image())
	args = append(args, d.rt.ContainerCommand(containerCodePath)...)
	return args
}

func (d *DockerRunner) ActiveCount() int64 {
	return d.active.Load()
}

func (d *DockerRunner) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	if d.cancelCleanup != nil {
		d.cancelCleanup()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all docker executions drained")
	case <-time.After(30 * time.Second):
		log.Warn().Int64("active", d.active.Load()).Msg("timed out waiting for docker executions to drain")
	}
	return nil
}
