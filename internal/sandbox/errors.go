package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrInvalidRequest  = errors.New("invalid execution request")
	ErrUnsupportedLang = errors.New("unsupported language")
	ErrUnavailable     = errors.New("sandbox backend unavailable")
	ErrClosed          = errors.New("sandbox closed")
	ErrSpawn           = errors.New("failed to start interpreter")
)

// ExecutionError wraps errors with execution context. Only subsystem faults
// are reported this way; a submission that fails or times out is a normal
// Outcome.
type ExecutionError struct {
	ExecID string
	Op     string
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsUnavailable reports whether err means the backend cannot run anything.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrClosed)
}
