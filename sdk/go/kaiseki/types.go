package kaiseki

import "time"

// RunStatus is the lifecycle state of an analysis run.
type RunStatus string

// Run lifecycle states.
const (
	RunPending   RunStatus = "pending"
	RunAnalyzing RunStatus = "analyzing"
	RunAnalyzed  RunStatus = "analyzed"
	RunError     RunStatus = "error"
	RunPaused    RunStatus = "paused"
)

// Run is one pipeline execution for a project.
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

// StageStatus is the terminal record for one executed pipeline stage.
type StageStatus struct {
	Name       string  `json:"name"`
	OK         bool    `json:"ok"`
	DurationMs float64 `json:"duration_ms"`
	Error      string  `json:"error,omitempty"`
}

// StageEvent is a transient progress record for one stage: one running
// event, zero or more progress ticks, one terminal event.
type StageEvent struct {
	Name       string  `json:"name"`
	Status     string  `json:"status"` // "running", "done", "error"
	Message    string  `json:"message,omitempty"`
	DurationMs float64 `json:"duration_ms,omitempty"`

	// Progress fields, present only on chunk-oriented stage ticks.
	Completed *int     `json:"completed,omitempty"`
	Total     *int     `json:"total,omitempty"`
	Percent   *float64 `json:"percent,omitempty"`
}

// SectionKind names one generated documentation section.
type SectionKind string

// Section kinds the pipeline can generate.
const (
	SectionExecutiveOverview      SectionKind = "executive_overview"
	SectionFeatures               SectionKind = "features"
	SectionPersonas               SectionKind = "personas"
	SectionUserStories            SectionKind = "user_stories"
	SectionSecurityRequirements   SectionKind = "security_requirements"
	SectionSystemOverview         SectionKind = "system_overview"
	SectionDataModels             SectionKind = "data_models"
	SectionInterfaces             SectionKind = "interfaces"
	SectionUISpecs                SectionKind = "ui_specs"
	SectionAPISpecs               SectionKind = "api_specs"
	SectionIntegrations           SectionKind = "integrations"
	SectionTechStories            SectionKind = "tech_stories"
	SectionSecurityConsiderations SectionKind = "security_considerations"
)

// Citation points a generated claim at source lines.
type Citation struct {
	FilePath     string  `json:"file_path"`
	FunctionName string  `json:"function_name,omitempty"`
	LineStart    int     `json:"line_start"`
	LineEnd      int     `json:"line_end"`
	Confidence   float64 `json:"confidence"`
}

// Section is one generated documentation artifact.
type Section struct {
	Kind       SectionKind `json:"kind"`
	Title      string      `json:"title"`
	Content    string      `json:"content"`
	Citations  []Citation  `json:"citations,omitempty"`
	Confidence float64     `json:"confidence"`
	Degraded   bool        `json:"degraded,omitempty"`
	Gated      bool        `json:"gated,omitempty"`
}

// ConfidenceScore is a trust score with provenance and explanation.
type ConfidenceScore struct {
	Value       float64 `json:"value"`
	Source      string  `json:"source"` // "ast", "llm", "cross_validated"
	Explanation string  `json:"explanation"`
}

// Finding is one extracted fact about the analyzed codebase.
type Finding struct {
	Kind       string          `json:"kind"`
	Name       string          `json:"name"`
	FilePath   string          `json:"file_path"`
	LineStart  int             `json:"line_start,omitempty"`
	LineEnd    int             `json:"line_end,omitempty"`
	Detail     string          `json:"detail,omitempty"`
	Source     string          `json:"source"`
	Confidence ConfidenceScore `json:"confidence"`
}

// Intelligence is the merged structural model built from validated findings.
type Intelligence struct {
	ProjectID     string    `json:"project_id"`
	Findings      []Finding `json:"findings"`
	EntityCount   int       `json:"entity_count"`
	EndpointCount int       `json:"endpoint_count"`
	FunctionCount int       `json:"function_count"`
	Languages     []string  `json:"languages,omitempty"`
	Summary       string    `json:"summary,omitempty"`
}

// GuardrailResult is one acceptance-check verdict.
type GuardrailResult struct {
	CheckName string `json:"check_name"`
	Passed    bool   `json:"passed"`
	Reason    string `json:"reason,omitempty"`
}

// QualityReport summarizes guardrail verification for one run.
type QualityReport struct {
	GuardrailResults []GuardrailResult `json:"guardrail_results"`
	CitationsChecked int               `json:"citations_checked"`
	CitationsValid   int               `json:"citations_valid"`
	AvgConfidence    float64           `json:"avg_confidence"`
}

// RunResult aggregates everything one pipeline execution produced.
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

// AnalyzeRequest is the request body for starting an analysis.
// Sections restricts generation to the named kinds; empty means all.
type AnalyzeRequest struct {
	Path     string        `json:"path"`
	Branch   string        `json:"branch,omitempty"`
	Sections []SectionKind `json:"sections,omitempty"`
}

// AnalysisAccepted is the server's response to a launch request.
// Started reports whether this request launched the run; false means a
// run was already executing for the project and is returned instead.
type AnalysisAccepted struct {
	Run     Run  `json:"run"`
	Started bool `json:"started"`
}

// RunStatusResponse pairs a run row with its assembled result. Result is
// set only once the run has finished successfully.
type RunStatusResponse struct {
	Run    Run        `json:"run"`
	Result *RunResult `json:"result,omitempty"`
}

// RunList is one page of a project's runs, most recent first.
type RunList struct {
	Runs    []Run `json:"data"`
	Total   int   `json:"total"`
	HasMore bool  `json:"has_more"`
	Limit   int   `json:"limit"`
	Offset  int   `json:"offset"`
}

// TraceCost accumulates model spend for one trace.
type TraceCost struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalCost    float64 `json:"total_cost"`
	CallCount    int     `json:"call_count"`
}

// CostSummary is per-model spend within one trace.
type CostSummary struct {
	Model        string  `json:"model"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalCost    float64 `json:"total_cost"`
	CallCount    int     `json:"call_count"`
}

// ProjectCosts aggregates model spend for one project's pipeline trace.
type ProjectCosts struct {
	ProjectID string        `json:"project_id"`
	Totals    TraceCost     `json:"totals"`
	ByModel   []CostSummary `json:"by_model"`
	AsOf      time.Time     `json:"as_of"`
}

// HealthResponse is the server's health report.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Postgres     string `json:"postgres"`
	Qdrant       string `json:"qdrant,omitempty"`
	BufferDepth  int    `json:"buffer_depth"`
	BufferStatus string `json:"buffer_status"`
	ActiveRuns   int    `json:"active_runs"`
	Uptime       int64  `json:"uptime_seconds"`
}
