package storage

import "time"

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusKilled    Status = "killed"
)

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusKilled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusQueued || s == StatusRunning || s.IsTerminal()
}

// CanTransitionTo reports whether moving from s to next is a forward move
// in queued -> running -> {completed|failed|timeout|killed}.
func (s Status) CanTransitionTo(next Status) bool {
	for _, p := range predecessors(next) {
		if p == s {
			return true
		}
	}
	return false
}

// predecessors lists the statuses a record may hold when moving to next.
// A record can fail straight from queued when it never reached a container.
func predecessors(next Status) []Status {
	switch next {
	case StatusRunning:
		return []Status{StatusQueued}
	case StatusCompleted, StatusTimeout:
		return []Status{StatusRunning}
	case StatusFailed, StatusKilled:
		return []Status{StatusQueued, StatusRunning}
	}
	return nil
}

// Execution represents a stored execution record.
type Execution struct {
	ID           string     `json:"id" db:"id"`
	CallerID     string     `json:"caller_id" db:"caller_id"`
	ProjectID    *string    `json:"project_id,omitempty" db:"project_id"`
	Language     string     `json:"language" db:"language"`
	Code         string     `json:"code,omitempty" db:"code"`
	CodeHash     string     `json:"code_hash" db:"code_hash"`
	Status       Status     `json:"status" db:"status"`
	Stdout       string     `json:"stdout" db:"stdout"`
	Stderr       string     `json:"stderr" db:"stderr"`
	ExitCode     *int       `json:"exit_code" db:"exit_code"`
	DurationMS   int64      `json:"duration_ms" db:"duration_ms"`
	MemoryUsedMB int64      `json:"memory_used_mb" db:"memory_used_mb"`
	TimedOut     bool       `json:"timed_out" db:"timed_out"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Update is a partial write applied to an execution. Outcome is set only on
// the terminal transition.
type Update struct {
	Status    Status
	StartedAt *time.Time
	Outcome   *Outcome
}

// Outcome holds the fields written when an execution reaches a terminal state.
type Outcome struct {
	Stdout       string
	Stderr       string
	ExitCode     int
	DurationMS   int64
	MemoryUsedMB int64
	TimedOut     bool
	CompletedAt  time.Time
}

// ExecutionFilter provides criteria for querying executions.
type ExecutionFilter struct {
	CallerID string
	Language string
	Status   string
	Limit    int
	Offset   int
}

func (f ExecutionFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return 100
	}
	return f.Limit
}
