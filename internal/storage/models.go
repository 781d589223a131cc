package storage

import "time"

// Execution is one audited submission. Identities are stored hashed; source
// text is never stored, only its hash.
type Execution struct {
	ID             string    `json:"id" db:"id"`
	IdentityHash   string    `json:"identity_hash" db:"identity_hash"`
	Policy         string    `json:"policy" db:"policy"`
	CodeHash       string    `json:"code_hash" db:"code_hash"`
	Classification string    `json:"classification" db:"classification"`
	Status         string    `json:"status" db:"status"` // success or error
	Output         string    `json:"output,omitempty" db:"output"`
	ExitCode       int       `json:"exit_code" db:"exit_code"`
	DurationMS     int64     `json:"duration_ms" db:"duration_ms"`
	Backend        string    `json:"backend,omitempty" db:"backend"`
	Violations     int       `json:"violations" db:"violations"`
	Probes         int       `json:"probes" db:"probes"`
	RequestIP      string    `json:"request_ip,omitempty" db:"request_ip"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`

	ViolationEvents []ViolationEvent `json:"violation_events,omitempty" db:"-"`
}

// ViolationEvent is one sanitizer finding that counted against an identity.
type ViolationEvent struct {
	ID           string     `json:"id" db:"id"`
	ExecutionID  string     `json:"execution_id" db:"execution_id"`
	IdentityHash string     `json:"identity_hash" db:"identity_hash"`
	Category     string     `json:"category" db:"category"`
	Symbol       string     `json:"symbol,omitempty" db:"symbol"`
	Line         int        `json:"line,omitempty" db:"line"`
	Message      string     `json:"message" db:"message"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty" db:"blocked_until"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// ExecutionFilter provides criteria for querying executions.
type ExecutionFilter struct {
	Classification string
	IdentityHash   string
	Since          *time.Time
	Limit          int
	Offset         int
}
