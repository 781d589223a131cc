// Package verdict maps raw execution outcomes onto the stable classification
// taxonomy and the shape returned to callers.
package verdict

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Class is the outcome taxonomy for one submission.
type Class int

const (
	Success Class = iota
	SyntaxError
	RuntimeError
	Timeout
	ValidationRejected
	InternalError
	RateLimited
	Blocked
)

var classNames = [...]string{
	Success:            "success",
	SyntaxError:        "syntax_error",
	RuntimeError:       "runtime_error",
	Timeout:            "timeout",
	ValidationRejected: "validation_rejected",
	InternalError:      "internal_error",
	RateLimited:        "rate_limited",
	Blocked:            "blocked",
}

func (c Class) String() string {
	if c < 0 || int(c) >= len(classNames) {
		return fmt.Sprintf("Class(%d)", int(c))
	}
	return classNames[c]
}

func (c Class) MarshalText() ([]byte, error) {
	if c < 0 || int(c) >= len(classNames) {
		return nil, fmt.Errorf("unknown class %d", int(c))
	}
	return []byte(classNames[c]), nil
}

func (c *Class) UnmarshalText(b []byte) error {
	for i, name := range classNames {
		if name == string(b) {
			*c = Class(i)
			return nil
		}
	}
	return fmt.Errorf("unknown class %q", b)
}

// ReportsViolation reports whether an outcome of this class counts toward
// the caller's violation record. Failing or slow code is not abuse.
func (c Class) ReportsViolation() bool {
	return c == ValidationRejected
}

// Status is the coarse public status string.
func (c Class) Status() string {
	if c == Success {
		return "success"
	}
	return "error"
}

// InternalErrorMessage is shown instead of any detail of a subsystem fault.
const InternalErrorMessage = "An internal error occurred while running your code. Please try again later."

// Public is the externally visible result of one run.
type Public struct {
	Status               string  `json:"status"`
	Output               string  `json:"output"`
	ExecutionTimeSeconds float64 `json:"execution_time_seconds"`
}

// Classify builds the public result. Output of an InternalError is always
// replaced by a generic message.
func Classify(class Class, output string, elapsed time.Duration) Public {
	if class == InternalError {
		output = InternalErrorMessage
	}
	return Public{
		Status:               class.Status(),
		Output:               output,
		ExecutionTimeSeconds: seconds(elapsed),
	}
}

func seconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return math.Round(d.Seconds()*1000) / 1000
}

var compileErrors = []string{"SyntaxError", "IndentationError", "TabError"}

// FromExit classifies a child that ran to completion. The interpreter
// reports compile failures as exit 1 with the error class on the last
// stderr line, so those are told apart from runtime exceptions here.
func FromExit(exitCode int, stderr string) Class {
	if exitCode == 0 {
		return Success
	}
	if last := lastLine(stderr); last != "" {
		for _, prefix := range compileErrors {
			if strings.HasPrefix(last, prefix+":") || last == prefix {
				return SyntaxError
			}
		}
	}
	return RuntimeError
}

func lastLine(s string) string {
	s = strings.TrimRight(s, " \t\r\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}
