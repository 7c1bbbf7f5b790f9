package model

import (
	"fmt"
	"time"
)

// Field length limits for analyze requests. These bound caller-controlled
// strings before they reach the filesystem resolver and Postgres TEXT
// columns.
const (
	MaxPathLen      = 4096
	MaxBranchLen    = 255
	MaxProjectIDLen = 255
)

// AnalyzeRequest is the request body for POST /v1/projects/{id}/analyses.
// Sections restricts generation to the named kinds; empty means all.
type AnalyzeRequest struct {
	Path     string        `json:"path"`
	Branch   string        `json:"branch,omitempty"`
	Sections []SectionKind `json:"sections,omitempty"`
}

// Validate checks field presence, length limits, and section kinds.
func (r AnalyzeRequest) Validate() error {
	if r.Path == "" {
		return fmt.Errorf("path is required")
	}
	if len(r.Path) > MaxPathLen {
		return fmt.Errorf("path exceeds maximum length of %d characters", MaxPathLen)
	}
	if len(r.Branch) > MaxBranchLen {
		return fmt.Errorf("branch exceeds maximum length of %d characters", MaxBranchLen)
	}
	for i, kind := range r.Sections {
		if !ValidSectionKind(kind) {
			return fmt.Errorf("sections[%d]: unknown section kind %q", i, kind)
		}
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// AnalysisAccepted is the response for POST /v1/projects/{id}/analyses.
// Started reports whether this request launched the run; false means a
// run was already executing for the project and is returned instead.
type AnalysisAccepted struct {
	Run     Run  `json:"run"`
	Started bool `json:"started"`
}

// RunStatusResponse pairs a run row with its assembled result. Result
// is set only once the run has finished successfully.
type RunStatusResponse struct {
	Run    Run        `json:"run"`
	Result *RunResult `json:"result,omitempty"`
}

// HealthResponse is the response for GET /healthz.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Postgres     string `json:"postgres"`
	Qdrant       string `json:"qdrant,omitempty"`
	BufferDepth  int    `json:"buffer_depth"`
	BufferStatus string `json:"buffer_status"` // "ok", "high", "critical"
	ActiveRuns   int    `json:"active_runs"`
	Uptime       int64  `json:"uptime_seconds"`
}
