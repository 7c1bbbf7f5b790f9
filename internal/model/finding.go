package model

// AnalysisSource identifies which analyzer produced a finding.
type AnalysisSource string

const (
	SourceAST            AnalysisSource = "ast"
	SourceLLM            AnalysisSource = "llm"
	SourceCrossValidated AnalysisSource = "cross_validated"
)

// Agreement is the degree to which the deterministic and probabilistic
// analyzers agree about one finding.
type Agreement string

const (
	AgreementHigh   Agreement = "high"
	AgreementMedium Agreement = "medium"
	AgreementLow    Agreement = "low"
)

// FindingKind classifies what a finding describes.
type FindingKind string

const (
	FindingFunction   FindingKind = "function"
	FindingEndpoint   FindingKind = "endpoint"
	FindingDependency FindingKind = "dependency"
	FindingEntity     FindingKind = "entity"
	FindingBehavior   FindingKind = "behavior"
)

// Finding is one extracted fact about the analyzed codebase.
type Finding struct {
	Kind       FindingKind     `json:"kind"`
	Name       string          `json:"name"`
	FilePath   string          `json:"file_path"`
	LineStart  int             `json:"line_start,omitempty"`
	LineEnd    int             `json:"line_end,omitempty"`
	Detail     string          `json:"detail,omitempty"`
	Source     AnalysisSource  `json:"source"`
	Confidence ConfidenceScore `json:"confidence"`
}

// Citation points a generated claim at source lines. Bounds validity
// against the actual file is established at verification time, not here;
// construction only promises LineStart >= 1 and LineEnd >= LineStart for
// well-formed producers.
type Citation struct {
	FilePath     string  `json:"file_path"`
	FunctionName string  `json:"function_name,omitempty"`
	LineStart    int     `json:"line_start"`
	LineEnd      int     `json:"line_end"`
	Confidence   float64 `json:"confidence"`
}

// ConfidenceScore is a trust score with provenance and explanation.
type ConfidenceScore struct {
	Value       float64        `json:"value"`
	Source      AnalysisSource `json:"source"`
	Explanation string         `json:"explanation"`
}

// GuardrailResult is one acceptance-check verdict, never mutated.
type GuardrailResult struct {
	CheckName string `json:"check_name"`
	Passed    bool   `json:"passed"`
	Reason    string `json:"reason,omitempty"`
}
