package model

// StageProgress is the in-flight state carried by a StageEvent.
type StageProgress string

const (
	StageRunning StageProgress = "running"
	StageDone    StageProgress = "done"
	StageError   StageProgress = "error"
)

// StageOutcome is the terminal disposition of a stage inside a parallel group.
type StageOutcome string

const (
	OutcomeCompleted StageOutcome = "completed"
	OutcomeFailed    StageOutcome = "failed"
	OutcomeSkipped   StageOutcome = "skipped"
)

// StageEvent is a transient progress record emitted while a stage runs:
// one running event, zero or more progress ticks, one terminal event.
// Never mutated after creation.
type StageEvent struct {
	Name       string        `json:"name"`
	Status     StageProgress `json:"status"`
	Message    string        `json:"message,omitempty"`
	DurationMs float64       `json:"duration_ms,omitempty"`

	// Progress fields, present only on chunk-oriented stage ticks.
	Completed *int     `json:"completed,omitempty"`
	Total     *int     `json:"total,omitempty"`
	Percent   *float64 `json:"percent,omitempty"`
}

// Label returns the user-facing display name for the event's stage.
func (e StageEvent) Label() string {
	if l, ok := stageLabels[e.Name]; ok {
		return l
	}
	return e.Name
}

// StageStatus is the single terminal record kept per executed stage.
type StageStatus struct {
	Name       string  `json:"name"`
	OK         bool    `json:"ok"`
	DurationMs float64 `json:"duration_ms"`
	Error      string  `json:"error,omitempty"`
}

// stageLabels maps stage names to user-facing labels shown by consumers.
var stageLabels = map[string]string{
	"ingestion_resolve":     "Scanning codebase",
	"ingestion_detect":      "Detecting languages",
	"ingestion_chunk":       "Splitting source files",
	"static_analysis":       "Parsing code structure",
	"llm_analysis":          "AI analysis",
	"dual_analysis":         "Cross-validating findings",
	"quality":               "Scoring confidence",
	"intelligence_model":    "Building Intelligence Model",
	"section_generation":    "Generating documentation",
	"citation_verification": "Verifying citations",
	"persistence":           "Saving results",
}
