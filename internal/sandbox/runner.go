package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"

	"safe-code-runner/internal/runtime"
)

const (
	containerWorkdir  = "/workspace"
	containerCodeName = "main"
)

// Runner is the containerd backend: one short-lived container per run.
type Runner struct {
	client    *Client
	rt        runtime.Runtime
	timeout   time.Duration
	maxOutput int
	limits    ResourceLimits

	sem    chan struct{}
	active atomic.Int64
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

func NewRunner(client *Client, rt runtime.Runtime, timeout time.Duration, maxConcurrent, maxOutput int, limits ResourceLimits) *Runner {
	if maxConcurrent < 1 {
		maxConcurrent = 32
	}
	if maxOutput <= 0 {
		maxOutput = 1 << 20
	}
	return &Runner{
		client:    client,
		rt:        rt,
		timeout:   timeout,
		maxOutput: maxOutput,
		limits:    limits.WithDefaults(),
		sem:       make(chan struct{}, maxConcurrent),
	}
}

func (r *Runner) Name() string { return "containerd" }

func (r *Runner) Execute(ctx context.Context, source string) (*Outcome, error) {
	execID := uuid.New().String()
	codeHash := hashCode(source)

	logger := log.With().
		Str("exec_id", execID).
		Str("backend", "containerd").
		Str("code_hash", codeHash[:16]).
		Logger()

	if source == "" {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: fmt.Errorf("%w: code is empty", ErrInvalidRequest)}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, &ExecutionError{ExecID: execID, Op: "execute", Err: ErrClosed}
	}
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ctx.Err()}
	}

	r.active.Add(1)
	defer r.active.Add(-1)

	// Setup (image pull, container create) is not counted against the
	// submission; only the task run is.
	bg := context.WithoutCancel(ctx)

	hostDir, err := os.MkdirTemp("", containerPrefix+"*")
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "create_temp_dir", Err: err}
	}
	defer os.RemoveAll(hostDir)

	codeFile := containerCodeName + r.rt.FileExtension()
	if err := os.WriteFile(filepath.Join(hostDir, codeFile), []byte(source), 0o444); err != nil { // #nosec G306 -- read by uid 65534 in the container
		return nil, &ExecutionError{ExecID: execID, Op: "write_code", Err: err}
	}
	if err := os.Chmod(hostDir, 0o755); err != nil { // #nosec G302 -- mounted read-only
		return nil, &ExecutionError{ExecID: execID, Op: "chmod_dir", Err: err}
	}

	image, err := r.client.Image(bg, r.rt.Image())
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "pull_image", Err: err}
	}

	codePath := containerWorkdir + "/" + codeFile
	container, err := r.createContainer(bg, containerPrefix+execID, image, codePath, hostDir)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "create_container", Err: err}
	}
	defer func() {
		if err := r.cleanupContainer(context.Background(), container); err != nil {
			logger.Error().Err(err).Msg("container cleanup failed")
		}
	}()

	stdout := newCappedBuffer(r.maxOutput)
	stderr := newCappedBuffer(r.maxOutput / 4)

	nsCtx := r.client.WithNamespace(bg)
	task, err := container.NewTask(nsCtx, cio.NewCreator(cio.WithStreams(nil, stdout, stderr)))
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "create_task", Err: err}
	}

	exitCh, err := task.Wait(nsCtx)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "task_wait", Err: err}
	}

	execCtx, cancel := context.WithTimeout(nsCtx, r.timeout)
	defer cancel()

	start := time.Now()
	if err := task.Start(execCtx); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "task_start", Err: fmt.Errorf("%w: %v", ErrSpawn, err)}
	}

	select {
	case status := <-exitCh:
		duration := time.Since(start)
		code, _, err := status.Result()
		if err != nil {
			return nil, &ExecutionError{ExecID: execID, Op: "task_exit", Err: err}
		}
		// Delete waits for the IO copiers, so the buffers are complete.
		if _, err := task.Delete(nsCtx); err != nil {
			logger.Warn().Err(err).Msg("task delete failed")
		}
		out := completed(execID, codeHash, int(code), stdout, stderr, newRedactor(codePath, containerWorkdir), duration)
		logger.Info().
			Int("exit_code", out.ExitCode).
			Str("classification", out.Class.String()).
			Dur("duration", duration).
			Msg("execution completed")
		return out, nil

	case <-execCtx.Done():
		logger.Warn().Dur("timeout", r.timeout).Msg("execution timed out, killing task")
		if err := task.Kill(nsCtx, syscall.SIGKILL, containerd.WithKillAll); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("failed to kill timed out task")
		}
		<-exitCh
		return timedOut(execID, codeHash, r.timeout, time.Since(start)), nil
	}
}

func (r *Runner) createContainer(ctx context.Context, id string, image containerd.Image, codePath, hostDir string) (containerd.Container, error) {
	nsCtx := r.client.WithNamespace(ctx)

	container, err := r.client.Raw().NewContainer(nsCtx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(r.rt.ContainerCommand(codePath)...),
			oci.WithHostname("sandbox"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				ApplySecurityProfile(s, PythonSecurityProfile())
				ApplyResourceLimits(s, r.limits)

				s.Mounts = append(s.Mounts, specs.Mount{
					Destination: containerWorkdir,
					Type:        "bind",
					Source:      hostDir,
					Options:     []string{"rbind", "ro"},
				})
				s.Process.Cwd = containerWorkdir
				s.Process.Env = r.rt.Env("/tmp")
				return nil
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	return container, nil
}

func (r *Runner) ActiveCount() int64 {
	return r.active.Load()
}

// Close stops accepting work, waits for running tasks and disconnects.
func (r *Runner) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.wg.Wait()
	return r.client.Close()
}
