// Package pipeline composes the abuse gate, sanitizer, executor and
// classifier into the single call the HTTP layer makes per submission.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"safe-code-runner/internal/abuse"
	"safe-code-runner/internal/config"
	"safe-code-runner/internal/monitor"
	"safe-code-runner/internal/sandbox"
	"safe-code-runner/internal/sanitizer"
	"safe-code-runner/internal/storage"
	"safe-code-runner/internal/verdict"
)

const validationPassed = "Code passed security validation"

// Result is everything the caller needs to answer one request. Public is
// the only part shown to the learner verbatim.
type Result struct {
	verdict.Public
	Class      verdict.Class         `json:"classification"`
	ExecID     string                `json:"exec_id"`
	Violations []sanitizer.Violation `json:"violations,omitempty"`
	RetryAfter time.Duration         `json:"-"`
	Block      abuse.Block           `json:"-"`
	Probes     []monitor.Detection   `json:"-"`
	Truncated  bool                  `json:"truncated,omitempty"`
}

// RetryAfterSeconds rounds RetryAfter up so a client never retries early.
func (r Result) RetryAfterSeconds() int {
	return int(math.Ceil(r.RetryAfter.Seconds()))
}

// Deps are the collaborators a Service is built from. Audit may be nil.
type Deps struct {
	Gate      *abuse.Gate
	Sanitizer *sanitizer.Sanitizer
	Backend   sandbox.Backend
	Metrics   *monitor.Metrics
	Tracer    *monitor.Tracer
	Detector  *monitor.ProbeDetector
	Audit     storage.Recorder
}

// Service runs submissions. It never returns an error: every failure,
// including subsystem faults, comes back as a classified Result.
type Service struct {
	gate      *abuse.Gate
	sanitizer *sanitizer.Sanitizer
	backend   sandbox.Backend
	metrics   *monitor.Metrics
	tracer    *monitor.Tracer
	detector  *monitor.ProbeDetector
	audit     storage.Recorder
}

func New(d Deps) *Service {
	s := &Service{
		gate:      d.Gate,
		sanitizer: d.Sanitizer,
		backend:   d.Backend,
		metrics:   d.Metrics,
		tracer:    d.Tracer,
		detector:  d.Detector,
		audit:     d.Audit,
	}
	if s.metrics == nil {
		s.metrics = monitor.NewMetrics()
	}
	if s.tracer == nil {
		s.tracer = monitor.NewTracer()
	}
	if s.detector == nil {
		s.detector = monitor.NewProbeDetector()
	}
	if s.audit == nil {
		s.audit = storage.NopRecorder{}
	}
	return s
}

func (s *Service) Backend() sandbox.Backend { return s.backend }
func (s *Service) Gate() *abuse.Gate        { return s.gate }

// request carries per-call state through the stages.
type request struct {
	id       string
	identity string
	policy   string
	source   string
	ip       string
	start    time.Time
	logger   zerolog.Logger
	backend  string
	exitCode int
	codeHash string
}

func (s *Service) newRequest(identity, policy, source, ip string) *request {
	id := uuid.New().String()
	return &request{
		id:       id,
		identity: identity,
		policy:   policy,
		source:   source,
		ip:       ip,
		start:    time.Now(),
		logger: log.With().
			Str("exec_id", id).
			Str("identity", storage.HashIdentity(identity)).
			Str("policy", policy).
			Logger(),
	}
}

// Run gates, validates, executes and classifies one code submission.
func (s *Service) Run(ctx context.Context, identity, source, requestIP string) Result {
	req := s.newRequest(identity, config.PolicyExecution, source, requestIP)
	ctx, span := s.tracer.StartSpan(ctx, "run",
		monitor.AttrExecID.String(req.id),
		monitor.AttrIdentity.String(storage.HashIdentity(identity)),
		monitor.AttrPolicy.String(req.policy),
	)
	defer span.End()

	if res, stop := s.admit(ctx, req); stop {
		return s.finish(ctx, req, res)
	}

	s.metrics.CodeSizeBytes.Observe(float64(len(source)))
	if res, stop := s.validateCode(ctx, req); stop {
		return s.finish(ctx, req, res)
	}

	return s.finish(ctx, req, s.execute(ctx, req))
}

// Validate runs the gate and the sanitizer without executing anything.
func (s *Service) Validate(ctx context.Context, identity, source, requestIP string) Result {
	req := s.newRequest(identity, config.PolicyValidation, source, requestIP)
	ctx, span := s.tracer.StartSpan(ctx, "validate", monitor.AttrExecID.String(req.id))
	defer span.End()

	if res, stop := s.admit(ctx, req); stop {
		return s.finish(ctx, req, res)
	}
	if res, stop := s.validateCode(ctx, req); stop {
		return s.finish(ctx, req, res)
	}
	return s.finish(ctx, req, s.result(req, verdict.Success, validationPassed, time.Since(req.start)))
}

// ValidateText checks a free-text answer under the validation policy.
func (s *Service) ValidateText(ctx context.Context, identity, text, requestIP string) Result {
	req := s.newRequest(identity, config.PolicyValidation, "", requestIP)
	ctx, span := s.tracer.StartSpan(ctx, "validate_text", monitor.AttrExecID.String(req.id))
	defer span.End()

	if res, stop := s.admit(ctx, req); stop {
		return s.finish(ctx, req, res)
	}

	out := s.sanitizer.ValidateText(text)
	if !out.Safe {
		return s.finish(ctx, req, s.rejected(req, out))
	}
	return s.finish(ctx, req, s.result(req, verdict.Success, "Text passed security validation", time.Since(req.start)))
}

func (s *Service) admit(ctx context.Context, req *request) (Result, bool) {
	v, err := s.gate.Admit(ctx, req.identity, req.policy)
	if err != nil {
		req.logger.Error().Err(err).Msg("abuse gate misconfigured")
		return s.result(req, verdict.InternalError, "", time.Since(req.start)), true
	}

	switch v.Reason {
	case abuse.ReasonBlocked:
		s.metrics.RecordBlockedRequest()
		req.logger.Warn().Dur("remaining", v.RetryAfter).Uint64("violations", v.Block.Violations).Msg("blocked identity refused")
		res := s.result(req, verdict.Blocked, blockedMessage(v.RetryAfter), time.Since(req.start))
		res.RetryAfter = v.RetryAfter
		res.Block = v.Block
		return res, true

	case abuse.ReasonRateLimited:
		s.metrics.RecordRateLimited(req.policy)
		req.logger.Info().Dur("retry_after", v.RetryAfter).Msg("rate limited")
		p, _ := s.gate.Policy(req.policy)
		res := s.result(req, verdict.RateLimited,
			fmt.Sprintf("Rate limit exceeded: max %d requests per %s", p.MaxRequests, p.Window), time.Since(req.start))
		res.RetryAfter = v.RetryAfter
		return res, true
	}
	return Result{}, false
}

func (s *Service) validateCode(ctx context.Context, req *request) (Result, bool) {
	_, span := s.tracer.StartSpan(ctx, "sanitize")
	out := s.sanitizer.Validate(req.source)
	span.SetAttributes(monitor.AttrViolations.Int(len(out.Violations)))
	span.End()

	if out.Safe {
		for _, d := range s.detector.AnalyzeCode(req.source) {
			s.metrics.RecordProbe(d.Pattern, d.Severity)
		}
		return Result{}, false
	}

	if out.Malformed {
		res := s.result(req, verdict.SyntaxError, out.Violations[0].Message, time.Since(req.start))
		res.Violations = out.Violations
		return res, true
	}
	return s.rejected(req, out), true
}

func (s *Service) rejected(req *request, out sanitizer.Outcome) Result {
	for _, c := range out.Categories() {
		s.metrics.RecordViolationCategory(string(c))
	}
	req.logger.Warn().
		Strs("violations", out.Messages()).
		Msg("submission rejected by sanitizer")

	res := s.result(req, verdict.ValidationRejected,
		"Security validation failed: "+out.Violations[0].Message, time.Since(req.start))
	res.Violations = out.Violations
	return res
}

func (s *Service) execute(ctx context.Context, req *request) Result {
	ctx, span := s.tracer.StartSpan(ctx, "execute")

	req.backend = s.backend.Name()
	s.metrics.ActiveExecutions.Inc()
	out, err := s.backend.Execute(ctx, req.source)
	s.metrics.ActiveExecutions.Dec()
	defer monitor.EndSpan(span, err)

	if err != nil {
		op := "execute"
		var ee *sandbox.ExecutionError
		if errors.As(err, &ee) {
			op = ee.Op
		}
		s.metrics.RecordError(op)
		req.logger.Error().Err(err).Str("op", op).Msg("executor fault")
		return s.result(req, verdict.InternalError, "", time.Since(req.start))
	}

	req.exitCode = out.ExitCode
	req.codeHash = out.CodeHash
	span.SetAttributes(
		monitor.AttrCodeHash.String(out.CodeHash),
		monitor.AttrExitCode.Int(out.ExitCode),
		monitor.AttrDurationMS.Int64(out.Duration.Milliseconds()),
	)
	s.metrics.OutputSizeBytes.Observe(float64(len(out.Output)))

	res := s.result(req, out.Class, out.Output, out.Duration)
	res.Truncated = out.Truncated
	if out.Succeeded {
		res.Probes = s.detector.AnalyzeOutput(out.Output)
		for _, d := range res.Probes {
			s.metrics.RecordProbe(d.Pattern, d.Severity)
			req.logger.Warn().Str("pattern", d.Pattern).Msg("probe marker in program output")
		}
	}
	return res
}

func (s *Service) result(req *request, class verdict.Class, output string, elapsed time.Duration) Result {
	return Result{
		Public: verdict.Classify(class, output, elapsed),
		Class:  class,
		ExecID: req.id,
	}
}

// finish feeds the tracker, metrics and audit log. Every path out of the
// service goes through here exactly once.
func (s *Service) finish(ctx context.Context, req *request, res Result) Result {
	if res.Class.ReportsViolation() {
		res.Block = s.gate.RecordViolation(ctx, req.identity)
		s.metrics.RecordViolation(res.Block.Active)
		if res.Block.Active {
			req.logger.Warn().
				Uint64("violations", res.Block.Violations).
				Time("blocked_until", res.Block.Until).
				Msg("identity blocked")
		}
	}

	s.metrics.RecordExecution(res.Class.String(), req.backend, res.ExecutionTimeSeconds, req.backend != "")
	monitor.SpanFromContext(ctx).SetAttributes(monitor.AttrClassification.String(res.Class.String()))

	req.logger.Info().
		Str("classification", res.Class.String()).
		Float64("elapsed_s", res.ExecutionTimeSeconds).
		Msg("request finished")

	s.audit.Log(s.auditEntry(req, res))
	return res
}

func (s *Service) auditEntry(req *request, res Result) *storage.Execution {
	exec := &storage.Execution{
		ID:             res.ExecID,
		IdentityHash:   storage.HashIdentity(req.identity),
		Policy:         req.policy,
		CodeHash:       req.codeHash,
		Classification: res.Class.String(),
		Status:         res.Status,
		Output:         res.Output,
		ExitCode:       req.exitCode,
		DurationMS:     int64(res.ExecutionTimeSeconds * 1000),
		Backend:        req.backend,
		Violations:     len(res.Violations),
		Probes:         len(res.Probes),
		RequestIP:      req.ip,
		CreatedAt:      req.start,
	}
	if res.Class.ReportsViolation() {
		var until *time.Time
		if res.Block.Active {
			u := res.Block.Until
			until = &u
		}
		for _, v := range res.Violations {
			exec.ViolationEvents = append(exec.ViolationEvents, storage.ViolationEvent{
				Category:     string(v.Category),
				Symbol:       v.Symbol,
				Line:         v.Line,
				Message:      v.Message,
				BlockedUntil: until,
			})
		}
	}
	return exec
}

func blockedMessage(remaining time.Duration) string {
	mins := int(math.Ceil(remaining.Minutes()))
	return fmt.Sprintf("Too many security violations. Try again in %d minutes.", max(mins, 1))
}
