package verdict

import (
	"encoding/json"
	"testing"
	"time"
)

func TestClassString(t *testing.T) {
	tests := []struct {
		class Class
		want  string
	}{
		{Success, "success"},
		{SyntaxError, "syntax_error"},
		{RuntimeError, "runtime_error"},
		{Timeout, "timeout"},
		{ValidationRejected, "validation_rejected"},
		{InternalError, "internal_error"},
		{RateLimited, "rate_limited"},
		{Blocked, "blocked"},
		{Class(99), "Class(99)"},
	}
	for _, tt := range tests {
		if got := tt.class.String(); got != tt.want {
			t.Errorf("Class(%d).String() = %q, want %q", int(tt.class), got, tt.want)
		}
	}
}

func TestClassJSON(t *testing.T) {
	b, err := json.Marshal(map[string]Class{"c": Timeout})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(b) != `{"c":"timeout"}` {
		t.Errorf("got %s", b)
	}

	var back map[string]Class
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back["c"] != Timeout {
		t.Errorf("round trip = %v", back["c"])
	}

	var c Class
	if err := c.UnmarshalText([]byte("bogus")); err == nil {
		t.Error("expected error for unknown class")
	}
}

func TestReportsViolation(t *testing.T) {
	for c := Success; c <= Blocked; c++ {
		want := c == ValidationRejected
		if got := c.ReportsViolation(); got != want {
			t.Errorf("%s.ReportsViolation() = %v, want %v", c, got, want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		class      Class
		output     string
		elapsed    time.Duration
		wantStatus string
		wantOutput string
		wantSecs   float64
	}{
		{"success", Success, "Hello, World!\n", 12345 * time.Microsecond, "success", "Hello, World!\n", 0.012},
		{"runtime", RuntimeError, "ZeroDivisionError: division by zero", time.Second, "error", "ZeroDivisionError: division by zero", 1},
		{"timeout", Timeout, "Execution timed out", 5 * time.Second, "error", "Execution timed out", 5},
		{"internal hides detail", InternalError, "open /tmp/x: permission denied", 0, "error", InternalErrorMessage, 0},
		{"negative elapsed", Success, "", -time.Second, "success", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Classify(tt.class, tt.output, tt.elapsed)
			if p.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", p.Status, tt.wantStatus)
			}
			if p.Output != tt.wantOutput {
				t.Errorf("Output = %q, want %q", p.Output, tt.wantOutput)
			}
			if p.ExecutionTimeSeconds != tt.wantSecs {
				t.Errorf("ExecutionTimeSeconds = %v, want %v", p.ExecutionTimeSeconds, tt.wantSecs)
			}
		})
	}
}

func TestFromExit(t *testing.T) {
	tests := []struct {
		name   string
		code   int
		stderr string
		want   Class
	}{
		{"clean exit", 0, "", Success},
		{"exit zero with warnings", 0, "DeprecationWarning: x\n", Success},
		{"exception", 1, "Traceback (most recent call last):\n  File \"<submission>\", line 1\nNameError: name 'x' is not defined\n", RuntimeError},
		{"syntax", 1, "  File \"<submission>\", line 1\n    print(\n         ^\nSyntaxError: '(' was never closed\n", SyntaxError},
		{"indentation", 1, "IndentationError: unexpected indent\n\n", SyntaxError},
		{"tab", 1, "TabError: inconsistent use of tabs", SyntaxError},
		{"killed", -1, "", RuntimeError},
		{"syntax mentioned mid-trace", 1, "SyntaxError: bad\nValueError: x", RuntimeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FromExit(tt.code, tt.stderr); got != tt.want {
				t.Errorf("FromExit = %s, want %s", got, tt.want)
			}
		})
	}
}
