package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"

	"safe-code-runner/internal/config"
	"safe-code-runner/internal/runtime"
	"safe-code-runner/internal/verdict"
)

// Outcome is the immutable result of running one submission. Output holds
// stdout on success and the redacted diagnostic otherwise.
type Outcome struct {
	ID        string        `json:"id"`
	Succeeded bool          `json:"succeeded"`
	Output    string        `json:"output"`
	Class     verdict.Class `json:"classification"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration"`
	CodeHash  string        `json:"code_hash"`
	Truncated bool          `json:"truncated,omitempty"`
}

// Backend runs already-sanitized source. A returned error always means a
// subsystem fault; failing, crashing or slow submissions come back as an
// Outcome.
type Backend interface {
	Name() string
	Execute(ctx context.Context, source string) (*Outcome, error)
	ActiveCount() int64
	Close() error
}

// NewBackend builds the backend named by cfg.Executor.Backend.
func NewBackend(ctx context.Context, cfg *config.Config, rt runtime.Runtime) (Backend, error) {
	ec := cfg.Executor
	limits := LimitsFromConfig(ec.Limits)
	if err := limits.Validate(); err != nil {
		return nil, err
	}

	switch ec.Backend {
	case "", "process":
		return NewProcessRunner(rt, ProcessOptions{
			Timeout:        ec.Timeout,
			ScratchDir:     ec.ScratchDir,
			MaxOutputBytes: ec.MaxOutputBytes,
			MaxConcurrent:  ec.MaxConcurrent,
			Limits:         limits,
		})

	case "docker":
		if _, err := exec.LookPath("docker"); err != nil {
			return nil, fmt.Errorf("%w: docker not found in PATH: %v", ErrUnavailable, err)
		}
		if err := exec.CommandContext(ctx, "docker", "info").Run(); err != nil {
			return nil, fmt.Errorf("%w: docker daemon not reachable: %v", ErrUnavailable, err)
		}
		return NewDockerRunner(rt, ec.Timeout, ec.MaxConcurrent, ec.MaxOutputBytes, limits), nil

	case "containerd":
		client, err := NewClient(ctx, ec.ContainerdSocket, ec.Namespace)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		runner := NewRunner(client, rt, ec.Timeout, ec.MaxConcurrent, ec.MaxOutputBytes, limits)
		if cleaned, err := runner.CleanupOrphaned(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to cleanup orphaned containers")
		} else if cleaned > 0 {
			log.Info().Int("count", cleaned).Msg("cleaned orphaned containers on startup")
		}
		return runner, nil

	default:
		return nil, fmt.Errorf("unknown backend %q: must be process, docker, or containerd", ec.Backend)
	}
}

func hashCode(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// completed turns a child that exited on its own into an Outcome.
func completed(id, codeHash string, exitCode int, stdout, stderr *cappedBuffer, red *redactor, d time.Duration) *Outcome {
	class := verdict.FromExit(exitCode, stderr.buf.String())
	o := &Outcome{
		ID:        id,
		Succeeded: class == verdict.Success,
		Class:     class,
		ExitCode:  exitCode,
		Duration:  d,
		CodeHash:  codeHash,
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}
	switch {
	case o.Succeeded:
		o.Output = red.Redact(stdout.String())
	case stderr.buf.Len() > 0:
		o.Output = red.Redact(stderr.String())
	default:
		o.Output = fmt.Sprintf("Process exited with status %d", exitCode)
	}
	return o
}

func timedOut(id, codeHash string, timeout, d time.Duration) *Outcome {
	return &Outcome{
		ID:       id,
		Class:    verdict.Timeout,
		Output:   fmt.Sprintf("Execution timed out after %s.", timeout),
		ExitCode: -1,
		Duration: d,
		CodeHash: codeHash,
	}
}
