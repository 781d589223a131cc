package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safe-code-runner/internal/abuse"
	"safe-code-runner/internal/config"
	"safe-code-runner/internal/monitor"
	"safe-code-runner/internal/sandbox"
	"safe-code-runner/internal/sanitizer"
	"safe-code-runner/internal/storage"
	"safe-code-runner/internal/verdict"
)

type fakeBackend struct {
	mu      sync.Mutex
	calls   int
	outcome *sandbox.Outcome
	err     error
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Execute(_ context.Context, source string) (*sandbox.Outcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.err != nil {
		return nil, b.err
	}
	out := *b.outcome
	return &out, nil
}

func (b *fakeBackend) ActiveCount() int64 { return 0 }
func (b *fakeBackend) Close() error       { return nil }

func (b *fakeBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type captureRecorder struct {
	mu      sync.Mutex
	entries []*storage.Execution
}

func (r *captureRecorder) Log(e *storage.Execution) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

func (r *captureRecorder) last() *storage.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[len(r.entries)-1]
}

type fixture struct {
	svc     *Service
	backend *fakeBackend
	metrics *monitor.Metrics
	audit   *captureRecorder
	gate    *abuse.Gate
}

func newFixture(t *testing.T, execLimit int) *fixture {
	t.Helper()
	store := abuse.NewMemoryStore()
	metrics := monitor.NewMetrics()
	policies := map[string]abuse.Policy{
		config.PolicyExecution:  {Name: config.PolicyExecution, MaxRequests: execLimit, Window: time.Minute},
		config.PolicyValidation: {Name: config.PolicyValidation, MaxRequests: 100, Window: time.Minute},
	}
	gate := abuse.NewGate(
		abuse.NewRateLimiter(store, 0, time.Hour),
		abuse.NewViolationTracker(store, abuse.Penalty{Threshold: 3, Base: time.Hour, Cap: 24 * time.Hour}),
		policies, metrics,
	)
	backend := &fakeBackend{outcome: &sandbox.Outcome{
		ID:        "run-1",
		Succeeded: true,
		Output:    "Hello, World!\n",
		Class:     verdict.Success,
		Duration:  120 * time.Millisecond,
		CodeHash:  "abc123",
	}}
	audit := &captureRecorder{}
	svc := New(Deps{
		Gate:      gate,
		Sanitizer: sanitizer.New(nil),
		Backend:   backend,
		Metrics:   metrics,
		Audit:     audit,
	})
	return &fixture{svc: svc, backend: backend, metrics: metrics, audit: audit, gate: gate}
}

func TestRunSuccess(t *testing.T) {
	f := newFixture(t, 30)
	res := f.svc.Run(context.Background(), "user:1", "print('Hello, World!')", "10.0.0.1")

	assert.Equal(t, verdict.Success, res.Class)
	assert.Equal(t, "success", res.Status)
	assert.Contains(t, res.Output, "Hello, World!")
	assert.Equal(t, 0.12, res.ExecutionTimeSeconds)
	assert.NotEmpty(t, res.ExecID)
	assert.Equal(t, 1, f.backend.Calls())

	entry := f.audit.last()
	assert.Equal(t, res.ExecID, entry.ID)
	assert.Equal(t, "success", entry.Classification)
	assert.Equal(t, "fake", entry.Backend)
	assert.Equal(t, "abc123", entry.CodeHash)
	assert.Equal(t, storage.HashIdentity("user:1"), entry.IdentityHash)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ExecutionsTotal.WithLabelValues("success")))
}

func TestRunRejectsDangerousCode(t *testing.T) {
	f := newFixture(t, 30)
	res := f.svc.Run(context.Background(), "user:1", "import os\nos.system('ls')", "")

	assert.Equal(t, verdict.ValidationRejected, res.Class)
	assert.Equal(t, "error", res.Status)
	assert.Contains(t, res.Output, "Security validation failed: ")
	assert.Contains(t, res.Output, "'os'")
	require.NotEmpty(t, res.Violations)
	assert.Equal(t, "os", res.Violations[0].Symbol)
	assert.Zero(t, f.backend.Calls(), "executor must not run rejected code")

	b, err := f.gate.Tracker().Check(context.Background(), "user:1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), b.Violations)

	entry := f.audit.last()
	assert.Equal(t, "validation_rejected", entry.Classification)
	assert.NotEmpty(t, entry.ViolationEvents)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ViolationsRecorded))
}

func TestRepeatOffenderIsBlocked(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res := f.svc.Run(ctx, "user:bad", "eval('1')", "")
		require.Equal(t, verdict.ValidationRejected, res.Class)
		assert.False(t, res.Block.Active)
	}
	res := f.svc.Run(ctx, "user:bad", "eval('1')", "")
	require.Equal(t, verdict.ValidationRejected, res.Class)
	assert.True(t, res.Block.Active)

	res = f.svc.Run(ctx, "user:bad", "print(1)", "")
	assert.Equal(t, verdict.Blocked, res.Class)
	assert.InDelta(t, time.Hour.Seconds(), res.RetryAfter.Seconds(), 5)
	assert.Equal(t, 3600, res.RetryAfterSeconds())
	assert.Contains(t, res.Output, "60 minutes")
	assert.Zero(t, f.backend.Calls())

	// Someone else is unaffected.
	res = f.svc.Run(ctx, "user:good", "print(1)", "")
	assert.Equal(t, verdict.Success, res.Class)
}

func TestSyntaxErrorIsNotAViolation(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()

	for _, src := range []string{"def broken(:\n    pass", "   \n"} {
		t.Run(fmt.Sprintf("%q", src), func(t *testing.T) {
			res := f.svc.Run(ctx, "user:1", src, "")
			assert.Equal(t, verdict.SyntaxError, res.Class)
			assert.Equal(t, "error", res.Status)
			assert.NotEmpty(t, res.Output)
		})
	}

	b, err := f.gate.Tracker().Check(ctx, "user:1")
	require.NoError(t, err)
	assert.Zero(t, b.Violations)
	assert.Zero(t, f.backend.Calls())
}

func TestRuntimeOutcomesPassThrough(t *testing.T) {
	tests := []struct {
		name    string
		outcome sandbox.Outcome
	}{
		{"runtime error", sandbox.Outcome{Class: verdict.RuntimeError, Output: "ZeroDivisionError: division by zero", ExitCode: 1}},
		{"timeout", sandbox.Outcome{Class: verdict.Timeout, Output: "Execution timed out after 5s.", ExitCode: -1, Duration: 5 * time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 30)
			f.backend.outcome = &tt.outcome
			res := f.svc.Run(context.Background(), "user:1", "x = 1", "")

			assert.Equal(t, tt.outcome.Class, res.Class)
			assert.Equal(t, tt.outcome.Output, res.Output)
			assert.Equal(t, "error", res.Status)

			b, err := f.gate.Tracker().Check(context.Background(), "user:1")
			require.NoError(t, err)
			assert.Zero(t, b.Violations, "failing code is not abuse")
		})
	}
}

func TestBackendFaultIsInternalError(t *testing.T) {
	f := newFixture(t, 30)
	f.backend.err = &sandbox.ExecutionError{ExecID: "x", Op: "create_temp_file", Err: fmt.Errorf("disk full at /var/tmp/secret")}

	res := f.svc.Run(context.Background(), "user:1", "print(1)", "")
	assert.Equal(t, verdict.InternalError, res.Class)
	assert.Equal(t, verdict.InternalErrorMessage, res.Output)
	assert.NotContains(t, res.Output, "/var/tmp")
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ExecutionErrors.WithLabelValues("create_temp_file")))
}

func TestRateLimited(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.Equal(t, verdict.Success, f.svc.Run(ctx, "user:1", "print(1)", "").Class)
	}
	res := f.svc.Run(ctx, "user:1", "print(1)", "")
	assert.Equal(t, verdict.RateLimited, res.Class)
	assert.Contains(t, res.Output, "Rate limit exceeded: max 2 requests")
	assert.Positive(t, res.RetryAfter)
	assert.Equal(t, 2, f.backend.Calls())

	// Validation has its own budget.
	assert.Equal(t, verdict.Success, f.svc.Validate(ctx, "user:1", "print(1)", "").Class)
}

func TestValidate(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()

	res := f.svc.Validate(ctx, "user:1", "import math\nprint(math.pi)", "")
	assert.Equal(t, verdict.Success, res.Class)
	assert.Equal(t, validationPassed, res.Output)

	res = f.svc.Validate(ctx, "user:1", "import subprocess", "")
	assert.Equal(t, verdict.ValidationRejected, res.Class)
	assert.Zero(t, f.backend.Calls())
}

func TestValidateText(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()

	res := f.svc.ValidateText(ctx, "user:1", "The answer is a binary tree.", "")
	assert.Equal(t, verdict.Success, res.Class)

	res = f.svc.ValidateText(ctx, "user:1", "<script>alert(1)</script>", "")
	assert.Equal(t, verdict.ValidationRejected, res.Class)
	require.NotEmpty(t, res.Violations)
	assert.Equal(t, "xss", res.Violations[0].Symbol)

	b, err := f.gate.Tracker().Check(ctx, "user:1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), b.Violations)
}

func TestProbesAreAdvisory(t *testing.T) {
	f := newFixture(t, 30)
	f.backend.outcome = &sandbox.Outcome{Succeeded: true, Class: verdict.Success, Output: "root:x:0:0:root"}

	res := f.svc.Run(context.Background(), "user:1", "path = '/proc/self/environ'\nprint(path)", "")
	assert.Equal(t, verdict.Success, res.Class)
	require.NotEmpty(t, res.Probes)
	assert.Equal(t, "passwd_leak", res.Probes[0].Pattern)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ProbeDetections.WithLabelValues("proc_access", "high")))
}

func TestRetryAfterSecondsRoundsUp(t *testing.T) {
	assert.Equal(t, 2, Result{RetryAfter: 1100 * time.Millisecond}.RetryAfterSeconds())
	assert.Equal(t, 0, Result{}.RetryAfterSeconds())
}
