package api

import (
	"time"

	"safe-code-runner/internal/abuse"
	"safe-code-runner/internal/pipeline"
	"safe-code-runner/internal/sanitizer"
)

// ExecuteRequest is the body of POST /v1/execute and POST /v1/validate.
type ExecuteRequest struct {
	Code     string `json:"code"`
	Language string `json:"language,omitempty"` // python (default)
}

// TextRequest is the body of POST /v1/text/validate.
type TextRequest struct {
	Text string `json:"text"`
}

// RunResponse is returned for every submission that was judged, whatever
// the verdict.
type RunResponse struct {
	Status               string  `json:"status"`
	Output               string  `json:"output"`
	ExecutionTimeSeconds float64 `json:"execution_time_seconds"`
	Classification       string  `json:"classification"`
	ExecID               string  `json:"exec_id"`
	Truncated            bool    `json:"truncated,omitempty"`
}

func newRunResponse(res pipeline.Result) RunResponse {
	return RunResponse{
		Status:               res.Status,
		Output:               res.Output,
		ExecutionTimeSeconds: res.ExecutionTimeSeconds,
		Classification:       res.Class.String(),
		ExecID:               res.ExecID,
		Truncated:            res.Truncated,
	}
}

// ValidationResponse is returned by the validate endpoints.
type ValidationResponse struct {
	IsSafe     bool                  `json:"is_safe"`
	Violations []string              `json:"violations"`
	Details    []sanitizer.Violation `json:"details,omitempty"`
	ExecID     string                `json:"exec_id"`
}

func newValidationResponse(res pipeline.Result) ValidationResponse {
	msgs := make([]string, len(res.Violations))
	for i, v := range res.Violations {
		msgs[i] = v.Message
	}
	return ValidationResponse{
		IsSafe:     len(res.Violations) == 0,
		Violations: msgs,
		Details:    res.Violations,
		ExecID:     res.ExecID,
	}
}

// ErrorResponse is returned for API errors and refused submissions.
type ErrorResponse struct {
	Error             string                `json:"error"`
	Code              string                `json:"code"`
	RequestID         string                `json:"request_id"`
	RetryAfterSeconds int                   `json:"retry_after_seconds,omitempty"`
	Violations        []sanitizer.Violation `json:"violations,omitempty"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status           string `json:"status"`
	Backend          string `json:"backend"`
	ActiveExecutions int64  `json:"active_executions"`
	Database         bool   `json:"database"`
	Uptime           string `json:"uptime"`
}

// IdentityResponse reports one identity's standing.
type IdentityResponse struct {
	Identity         string     `json:"identity"`
	Blocked          bool       `json:"blocked"`
	BlockedUntil     *time.Time `json:"blocked_until,omitempty"`
	RemainingSeconds int        `json:"remaining_seconds"`
	Violations       uint64     `json:"violations"`
}

func newIdentityResponse(identity string, b abuse.Block) IdentityResponse {
	resp := IdentityResponse{Identity: identity, Blocked: b.Active, Violations: b.Violations}
	if b.Active {
		until := b.Until
		resp.BlockedUntil = &until
		resp.RemainingSeconds = int(b.Remaining.Round(time.Second).Seconds())
	}
	return resp
}

type PolicyInfo struct {
	Name          string `json:"name"`
	MaxRequests   int    `json:"max_requests"`
	WindowSeconds int    `json:"window_seconds"`
}

type BlockInfo struct {
	IdentityHash string    `json:"identity_hash"`
	Violations   uint64    `json:"violations"`
	BlockedUntil time.Time `json:"blocked_until"`
}

// AbuseStatsResponse is the operator view of the limiter and tracker.
type AbuseStatsResponse struct {
	TrackedIdentities   int          `json:"total_tracked_keys"`
	TrackedRequests     int          `json:"total_tracked_requests"`
	ViolatingIdentities int          `json:"violating_identities"`
	TotalViolations     uint64       `json:"total_violations"`
	ActiveBlocks        []BlockInfo  `json:"active_blocks"`
	LastSweep           time.Time    `json:"last_cleanup"`
	NextSweepInSeconds  int          `json:"next_cleanup_in_seconds"`
	Policies            []PolicyInfo `json:"policies"`
}

func newAbuseStatsResponse(s abuse.GateStats, hash func(string) string) AbuseStatsResponse {
	resp := AbuseStatsResponse{
		TrackedIdentities:   s.TrackedIdentities,
		TrackedRequests:     s.TrackedRequests,
		ViolatingIdentities: s.ViolatingIdentities,
		TotalViolations:     s.TotalViolations,
		ActiveBlocks:        make([]BlockInfo, 0, len(s.ActiveBlocks)),
		LastSweep:           s.LastSweep,
		NextSweepInSeconds:  int(s.NextSweepIn.Seconds()),
	}
	for _, b := range s.ActiveBlocks {
		resp.ActiveBlocks = append(resp.ActiveBlocks, BlockInfo{
			IdentityHash: hash(b.Identity),
			Violations:   b.Violations,
			BlockedUntil: b.BlockedUntil,
		})
	}
	for _, p := range s.Policies {
		resp.Policies = append(resp.Policies, PolicyInfo{
			Name:          p.Name,
			MaxRequests:   p.MaxRequests,
			WindowSeconds: int(p.Window.Seconds()),
		})
	}
	return resp
}
