package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"safe-code-runner/internal/runtime"
)

// submissionPattern names temp files; the sweep only ever touches these.
const submissionPattern = "submission-*"

type ProcessOptions struct {
	Timeout        time.Duration
	ScratchDir     string // created if missing; a private temp dir when empty
	MaxOutputBytes int
	MaxConcurrent  int
	Limits         ResourceLimits
}

// ProcessRunner runs each submission as a host child process in its own
// process group with a minimal environment and a hard wall-clock timeout.
type ProcessRunner struct {
	rt          runtime.Runtime
	scratch     string
	ownsScratch bool
	timeout     time.Duration
	maxOutput   int
	limits      ResourceLimits

	sem    chan struct{}
	active atomic.Int64
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

func NewProcessRunner(rt runtime.Runtime, opts ProcessOptions) (*ProcessRunner, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = 1 << 20
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 32
	}

	p := &ProcessRunner{
		rt:        rt,
		scratch:   opts.ScratchDir,
		timeout:   opts.Timeout,
		maxOutput: opts.MaxOutputBytes,
		limits:    opts.Limits,
		sem:       make(chan struct{}, opts.MaxConcurrent),
	}

	if p.scratch == "" {
		dir, err := os.MkdirTemp("", "coderunner-")
		if err != nil {
			return nil, fmt.Errorf("creating scratch dir: %w", err)
		}
		p.scratch = dir
		p.ownsScratch = true
	} else if err := os.MkdirAll(p.scratch, 0o700); err != nil {
		return nil, fmt.Errorf("creating scratch dir %s: %w", p.scratch, err)
	}

	// Symlinks in the path would leave the real location in tracebacks.
	if real, err := filepath.EvalSymlinks(p.scratch); err == nil {
		p.scratch = real
	}

	if n, err := SweepStale(p.scratch, 0); err != nil {
		log.Warn().Err(err).Str("dir", p.scratch).Msg("failed to sweep stale submissions")
	} else if n > 0 {
		log.Info().Int("count", n).Str("dir", p.scratch).Msg("removed stale submission files")
	}

	return p, nil
}

func (p *ProcessRunner) Name() string { return "process" }

// ScratchDir returns the directory submission files are written to.
func (p *ProcessRunner) ScratchDir() string { return p.scratch }

// Execute writes source to a fresh temp file and runs it. The caller's
// context only gates waiting for a slot: once started, the child runs to
// completion or timeout even if the caller goes away, and its file is
// always removed.
func (p *ProcessRunner) Execute(ctx context.Context, source string) (*Outcome, error) {
	execID := uuid.New().String()
	codeHash := hashCode(source)

	logger := log.With().
		Str("exec_id", execID).
		Str("backend", "process").
		Str("code_hash", codeHash[:16]).
		Logger()

	if source == "" {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: fmt.Errorf("%w: code is empty", ErrInvalidRequest)}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, &ExecutionError{ExecID: execID, Op: "execute", Err: ErrClosed}
	}
	p.wg.Add(1)
	p.mu.Unlock()
	defer p.wg.Done()

	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ctx.Err()}
	}

	p.active.Add(1)
	defer p.active.Add(-1)

	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	f, err := os.CreateTemp(p.scratch, submissionPattern+p.rt.FileExtension())
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "create_temp_file", Err: err}
	}
	codePath := f.Name()
	defer func() {
		if err := os.Remove(codePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Error().Err(err).Str("path", codePath).Msg("failed to remove submission file")
		}
	}()

	_, werr := f.WriteString(source)
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "write_code", Err: err}
	}

	argv := p.limits.WrapUlimit(p.rt.Command(codePath))
	cmd := exec.CommandContext(execCtx, argv[0], argv[1:]...) // #nosec G204 -- argv built from the resolved interpreter and our temp path
	cmd.Dir = p.scratch
	cmd.Env = p.rt.Env(p.scratch)

	stdout := newCappedBuffer(p.maxOutput)
	stderr := newCappedBuffer(p.maxOutput / 4)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setupProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "start", Err: fmt.Errorf("%w: %v", ErrSpawn, err)}
	}
	logger.Debug().Int("pid", cmd.Process.Pid).Msg("child started")

	err = cmd.Wait()
	duration := time.Since(start)

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		logger.Warn().Dur("timeout", p.timeout).Msg("execution timed out, process group killed")
		return timedOut(execID, codeHash, p.timeout, duration), nil
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitCode()
		case errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil:
			// exited, but a leftover grandchild held the pipes
			exitCode = cmd.ProcessState.ExitCode()
		default:
			return nil, &ExecutionError{ExecID: execID, Op: "wait", Err: err}
		}
	}

	out := completed(execID, codeHash, exitCode, stdout, stderr, newRedactor(codePath, p.scratch), duration)
	logger.Info().
		Int("exit_code", exitCode).
		Str("classification", out.Class.String()).
		Dur("duration", duration).
		Msg("execution completed")
	return out, nil
}

// ActiveCount returns the number of children currently running.
func (p *ProcessRunner) ActiveCount() int64 {
	return p.active.Load()
}

// Close stops accepting work and waits for running children, which are
// themselves bounded by the timeout.
func (p *ProcessRunner) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()

	if p.ownsScratch {
		return os.RemoveAll(p.scratch)
	}
	return nil
}
