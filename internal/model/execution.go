package model

import "time"

// ExecStatus is the lifecycle status of a single execution.
type ExecStatus string

// Execution status values. Pending and Running are the only non-terminal
// statuses; every other status is terminal and immutable once entered.
const (
	StatusPending   ExecStatus = "pending"
	StatusRunning   ExecStatus = "running"
	StatusCompleted ExecStatus = "completed"
	StatusFailed    ExecStatus = "failed"
	StatusCancelled ExecStatus = "cancelled"
	StatusTimeout   ExecStatus = "timeout"
	StatusOOM       ExecStatus = "oom"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout, StatusOOM:
		return true
	}
	return false
}

// Known reports whether s is a member of the status enum.
func (s ExecStatus) Known() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed,
		StatusCancelled, StatusTimeout, StatusOOM:
		return true
	}
	return false
}

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[ExecStatus]map[ExecStatus]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
		StatusTimeout:   true,
		StatusOOM:       true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
		StatusTimeout:   true,
		StatusOOM:       true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to ExecStatus) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Language constants for the sandbox language enum.
const (
	LanguagePython = "python"
	LanguageNode   = "node"
	LanguageGo     = "go"
)

// DefaultMaxOutputBytes caps cumulative stdout+stderr when the request does
// not specify a limit (1 MiB).
const DefaultMaxOutputBytes int64 = 1 << 20

// ResourceLimits bounds a single execution. All bounds must be positive; the
// responder validates them against its configured ceilings before
// acknowledging.
type ResourceLimits struct {
	Timeout        time.Duration
	MemoryMB       int
	CPUShares      int // optional, 0 means unset
	MaxOutputBytes int64
}

// ResourceUsage reports what an execution consumed, when the backend can
// measure it.
type ResourceUsage struct {
	PeakMemoryBytes int64
	CPUTime         time.Duration
}

// Result is attached to an execution only after a terminal status is reached.
// ExitCode is nil when the sandboxed process never exited on its own
// (timeout, abandonment, rejection).
type Result struct {
	ExitCode *int
	Duration time.Duration
	Usage    *ResourceUsage
}

// ExecutionRecord is the audit row persisted for a finished execution. It is
// written once at terminal transition and never read by the protocol path.
type ExecutionRecord struct {
	ID          string     `json:"id"`
	Language    string     `json:"language"`
	Status      ExecStatus `json:"status"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	ErrorCode   string     `json:"error_code,omitempty"`
	Error       string     `json:"error,omitempty"`
	OutputBytes int64      `json:"output_bytes"`
	DurationMS  int64      `json:"duration_ms"`
	PeakMemory  int64      `json:"peak_memory_bytes,omitempty"`
	CPUTimeMS   int64      `json:"cpu_time_ms,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}
