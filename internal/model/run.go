package model

import "time"

// RunStatus is the lifecycle state of an analysis run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunAnalyzing RunStatus = "analyzing"
	RunAnalyzed  RunStatus = "analyzed"
	RunError     RunStatus = "error"
	RunPaused    RunStatus = "paused"
)

// Run is the persisted record of one pipeline execution for a project.
type Run struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Status      RunStatus  `json:"status"`
	CommitSHA   string     `json:"commit_sha,omitempty"`
	Branch      string     `json:"branch,omitempty"`
	Partial     bool       `json:"partial"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunResult aggregates everything one pipeline execution produced.
// Owned by the invoking caller once the run completes.
type RunResult struct {
	ProjectID       string         `json:"project_id"`
	RunID           string         `json:"run_id"`
	Stages          []StageStatus  `json:"stages"`
	Sections        []Section      `json:"sections,omitempty"`
	Intelligence    *Intelligence  `json:"intelligence,omitempty"`
	Quality         *QualityReport `json:"quality,omitempty"`
	Partial         bool           `json:"partial"`
	TotalDurationMs float64        `json:"total_duration_ms"`
}

// foundationalStages abort the run on failure instead of being isolated.
var foundationalStages = map[string]bool{
	"ingestion_resolve":  true,
	"intelligence_model": true,
}

// Foundational reports whether a failure of the named stage aborts the run.
func Foundational(stage string) bool {
	return foundationalStages[stage]
}

// ComputePartial returns true iff any non-foundational stage failed.
// Foundational failures end the run outright and are reported through
// the run error, not the partial flag.
func ComputePartial(stages []StageStatus) bool {
	for _, s := range stages {
		if !s.OK && !Foundational(s.Name) {
			return true
		}
	}
	return false
}
