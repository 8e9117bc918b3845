package store

import "time"

// Severity classifies how urgent a detected error is.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// Category groups errors by origin.
type Category string

const (
	// CategoryRuntime covers generic code/runtime errors.
	CategoryRuntime Category = "runtime"
	// CategoryDatabase covers database-layer errors.
	CategoryDatabase Category = "database"
	// CategoryDomain covers application-domain validation errors.
	CategoryDomain Category = "domain"
	// CategoryAsset covers asset and build pipeline errors.
	CategoryAsset Category = "asset"
	// CategoryDependency covers missing-dependency errors.
	CategoryDependency Category = "dependency"
)

// Status is an Error's position in the remediation lifecycle.
type Status string

const (
	StatusDetected Status = "detected"
	StatusQueued   Status = "queued"
	StatusFixing   Status = "fixing"
	StatusResolved Status = "resolved"
	StatusFailed   Status = "failed"
	StatusIgnored  Status = "ignored"
)

// NonTerminalStatuses are statuses an error can still move out of
// automatically.
var NonTerminalStatuses = []Status{StatusDetected, StatusQueued, StatusFixing}

// IsTerminal reports whether s is an append-only history state.
func (s Status) IsTerminal() bool {
	return s == StatusResolved || s == StatusFailed || s == StatusIgnored
}

// AttemptStatus is the outcome of one fix attempt.
type AttemptStatus string

const (
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptSuccess    AttemptStatus = "success"
	AttemptFailed     AttemptStatus = "failed"
	AttemptTimeout    AttemptStatus = "timeout"
)

// Field size caps applied on write.
const (
	MaxMessageLen  = 2000
	MaxRawLogLen   = 10000
	MaxResponseLen = 50000
)

// Error is a detected incident extracted from the monitored service's logs.
type Error struct {
	ID            string    `json:"id"`
	ErrorType     string    `json:"error_type"`
	Severity      Severity  `json:"severity"`
	Category      Category  `json:"category"`
	Message       string    `json:"message"`
	StackTrace    string    `json:"stack_trace,omitempty"`
	ModuleName    string    `json:"module_name,omitempty"`
	FilePath      string    `json:"file_path,omitempty"`
	LineNumber    int       `json:"line_number,omitempty"`
	ContextBefore []string  `json:"context_before,omitempty"`
	ContextAfter  []string  `json:"context_after,omitempty"`
	RawLog        string    `json:"raw_log,omitempty"`
	Status        Status    `json:"status"`
	AutoFixable   bool      `json:"auto_fixable"`
	DetectedAt    time.Time `json:"detected_at"`
	ResolvedAt    time.Time `json:"resolved_at,omitzero"`
	IgnoredAt     time.Time `json:"ignored_at,omitzero"`
	IgnoredBy     string    `json:"ignored_by,omitempty"`
}

// FixAttempt is one remediation try for an Error. Attempts are exclusively
// owned by their Error and cascade-deleted with it.
type FixAttempt struct {
	ID            int64         `json:"id"`
	ErrorID       string        `json:"error_id"`
	AttemptNumber int           `json:"attempt_number"`
	Status        AttemptStatus `json:"status"`
	AgentPrompt   string        `json:"agent_prompt,omitempty"`
	AgentResponse string        `json:"agent_response,omitempty"`
	FilesModified []string      `json:"files_modified,omitempty"`
	ErrorAfterFix string        `json:"error_after_fix,omitempty"`
	ExecutionTime float64       `json:"execution_time_seconds,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   time.Time     `json:"completed_at,omitzero"`
}

// Filter narrows List and Count queries. Zero values match everything.
type Filter struct {
	Status   Status
	Severity Severity
	Category Category
	Module   string
	Since    time.Time
	Limit    int
}
