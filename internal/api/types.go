package api

import (
	"fmt"
	"math"
	"time"

	"coderunner/internal/runtime"
	"coderunner/internal/sandbox"
	"coderunner/internal/storage"
)

// ExecuteRequest is the body of POST /execute and POST /executions.
type ExecuteRequest struct {
	Language  string   `json:"language"`
	Code      string   `json:"code"`
	Timeout   Duration `json:"timeout,omitempty"`    // e.g. "10s"
	TimeoutMS int64    `json:"timeout_ms,omitempty"` // takes precedence over Timeout
	ProjectID string   `json:"project_id,omitempty"`
}

// maxTimeoutMS is the largest timeout_ms that fits in a time.Duration.
const maxTimeoutMS = math.MaxInt64 / int64(time.Millisecond)

func (r ExecuteRequest) timeout() (time.Duration, error) {
	if r.TimeoutMS != 0 {
		if r.TimeoutMS > maxTimeoutMS || r.TimeoutMS < -maxTimeoutMS {
			return 0, fmt.Errorf("%w: timeout_ms %d out of range", sandbox.ErrInvalidRequest, r.TimeoutMS)
		}
		return time.Duration(r.TimeoutMS) * time.Millisecond, nil
	}
	return r.Timeout.Duration, nil
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// ExecutionResponse is the terminal result returned by POST /execute.
type ExecutionResponse struct {
	ID           string         `json:"id"`
	Status       storage.Status `json:"status"`
	Stdout       string         `json:"stdout"`
	Stderr       string         `json:"stderr"`
	ExitCode     int            `json:"exit_code"`
	DurationMS   int64          `json:"duration_ms"`
	MemoryUsedMB int64          `json:"memory_used_mb"`
	TimedOut     bool           `json:"timed_out"`
}

func newExecutionResponse(r *sandbox.Result) ExecutionResponse {
	return ExecutionResponse{
		ID:           r.ExecutionID,
		Status:       r.Status,
		Stdout:       r.Stdout,
		Stderr:       r.Stderr,
		ExitCode:     r.ExitCode,
		DurationMS:   r.DurationMS,
		MemoryUsedMB: r.MemoryUsedMB,
		TimedOut:     r.TimedOut,
	}
}

// SubmitResponse is returned by POST /executions.
type SubmitResponse struct {
	ID     string         `json:"id"`
	Status storage.Status `json:"status"`
}

// ListResponse is returned by GET /executions.
type ListResponse struct {
	Executions []storage.Execution `json:"executions"`
	Count      int                 `json:"count"`
}

// LanguageInfo describes one language a request may name.
type LanguageInfo struct {
	Name            string  `json:"name"`
	Image           string  `json:"image"`
	Extension       string  `json:"extension"`
	DefaultTimeout  string  `json:"default_timeout"`
	MemoryMB        int64   `json:"memory_mb"`
	CPUs            float64 `json:"cpus"`
	NetworkDisabled bool    `json:"network_disabled"`
}

func newLanguageInfo(p runtime.Profile) LanguageInfo {
	return LanguageInfo{
		Name:            p.Name,
		Image:           p.Image,
		Extension:       p.FileExtension,
		DefaultTimeout:  p.Timeout.String(),
		MemoryMB:        p.MemoryMB,
		CPUs:            p.CPUs,
		NetworkDisabled: p.NetworkDisabled,
	}
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error       string `json:"error"`
	Code        string `json:"code"`
	RequestID   string `json:"request_id"`
	ExecutionID string `json:"execution_id,omitempty"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Backend  string `json:"backend"`
	Runtime  bool   `json:"runtime"`
	Database bool   `json:"database"`
	Uptime   string `json:"uptime"`
}
