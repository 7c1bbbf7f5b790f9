package model

// ConfidenceLevel is the qualitative confidence a model reports for one
// inferred item. Distinct from ConfidenceScore, which the scorer
// computes from analyzer agreement.
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
)

// Behavior is one observable action a code chunk performs.
type Behavior struct {
	Description string   `json:"description"`
	Trigger     string   `json:"trigger,omitempty"`
	Citations   []string `json:"citations,omitempty"`
}

// DomainConcept ties a business term to the code that embeds it.
type DomainConcept struct {
	Concept   string   `json:"concept"`
	Role      string   `json:"role,omitempty"`
	Citations []string `json:"citations,omitempty"`
}

// ModuleNarrative is the semantic interpretation of one code chunk:
// why it exists, what it does, and which domain terms it touches.
type ModuleNarrative struct {
	FilePath       string          `json:"file_path"`
	Purpose        string          `json:"purpose"`
	Confidence     ConfidenceLevel `json:"confidence"`
	Behaviors      []Behavior      `json:"behaviors,omitempty"`
	DomainConcepts []DomainConcept `json:"domain_concepts,omitempty"`
	Citations      []string        `json:"citations,omitempty"`
}

// Business rule categories the analyzer may assign.
const (
	RuleValidation     = "validation"
	RuleAccessControl  = "access_control"
	RulePricing        = "pricing"
	RuleWorkflow       = "workflow"
	RuleDataConstraint = "data_constraint"
)

// BusinessRule is a domain constraint inferred from code.
type BusinessRule struct {
	RuleText         string          `json:"rule_text"`
	RuleType         string          `json:"rule_type"`
	Condition        string          `json:"condition,omitempty"`
	Consequence      string          `json:"consequence,omitempty"`
	Confidence       ConfidenceLevel `json:"confidence"`
	AffectedEntities []string        `json:"affected_entities,omitempty"`
	Citations        []string        `json:"citations,omitempty"`
}

// Risk categories the analyzer may assign.
const (
	RiskSecurity        = "security"
	RiskComplexity      = "complexity"
	RiskErrorHandling   = "error_handling"
	RiskHardcodedValue  = "hardcoded_value"
	RiskPerformance     = "performance"
	RiskMaintainability = "maintainability"
)

// Risk severities.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

// RiskIndicator is a potential problem spotted in code: a security gap,
// a complexity hotspot, missing error handling, a hardcoded value.
type RiskIndicator struct {
	RiskType        string          `json:"risk_type"`
	Severity        string          `json:"severity"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	FilePath        string          `json:"file_path,omitempty"`
	Line            int             `json:"line,omitempty"`
	Recommendations []string        `json:"recommendations,omitempty"`
	Confidence      ConfidenceLevel `json:"confidence"`
}

// SemanticResult aggregates model analysis across all code chunks of a
// run. Degraded chunks still contribute a narrative so downstream
// consumers see a uniform shape.
type SemanticResult struct {
	Narratives           []ModuleNarrative `json:"narratives"`
	Rules                []BusinessRule    `json:"rules,omitempty"`
	Risks                []RiskIndicator   `json:"risks,omitempty"`
	ChunksAnalyzed       int               `json:"chunks_analyzed"`
	ChunksFromCheckpoint int               `json:"chunks_from_checkpoint"`
	ChunksDegraded       int               `json:"chunks_degraded"`
}

// CodeEntity is a named declaration found by structural analysis.
type CodeEntity struct {
	Name       string `json:"name"`
	EntityType string `json:"entity_type"`
	FilePath   string `json:"file_path"`
	StartLine  int    `json:"start_line"`
	EndLine    int    `json:"end_line"`
	Language   string `json:"language"`
	Signature  string `json:"signature,omitempty"`
}

// EndpointParam describes one parameter of a discovered HTTP endpoint.
type EndpointParam struct {
	Name     string `json:"name"`
	Location string `json:"location"`
	DataType string `json:"data_type"`
	Required bool   `json:"required"`
}

// Endpoint is a discovered HTTP route.
type Endpoint struct {
	Method          string          `json:"method"`
	Path            string          `json:"path"`
	HandlerFile     string          `json:"handler_file"`
	HandlerFunction string          `json:"handler_function"`
	HandlerLine     int             `json:"handler_line"`
	Parameters      []EndpointParam `json:"parameters,omitempty"`
}

// DependencyEdge is one import relationship from a source file.
type DependencyEdge struct {
	SourceFile string   `json:"source_file"`
	Target     string   `json:"target"`
	ImportType string   `json:"import_type"`
	Symbols    []string `json:"symbols,omitempty"`
}

// StaticResult is the combined output of the structural extractors.
type StaticResult struct {
	Entities     []CodeEntity     `json:"entities"`
	Endpoints    []Endpoint       `json:"endpoints"`
	Dependencies []DependencyEdge `json:"dependencies"`
}

// ValidationResult reconciles the structural and semantic analyses into
// scored findings.
type ValidationResult struct {
	Findings            []Finding `json:"findings"`
	Conflicts           []string  `json:"conflicts,omitempty"`
	ASTOnlyCount        int       `json:"ast_only_count"`
	LLMOnlyCount        int       `json:"llm_only_count"`
	CrossValidatedCount int       `json:"cross_validated_count"`
}
