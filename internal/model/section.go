package model

// SectionKind names one generated documentation section.
type SectionKind string

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

// AllSectionKinds lists every section the pipeline can generate, in
// presentation order.
func AllSectionKinds() []SectionKind {
	return []SectionKind{
		SectionExecutiveOverview,
		SectionFeatures,
		SectionPersonas,
		SectionUserStories,
		SectionSecurityRequirements,
		SectionSystemOverview,
		SectionDataModels,
		SectionInterfaces,
		SectionUISpecs,
		SectionAPISpecs,
		SectionIntegrations,
		SectionTechStories,
		SectionSecurityConsiderations,
	}
}

// ValidSectionKind reports whether kind names a known section.
func ValidSectionKind(kind SectionKind) bool {
	for _, k := range AllSectionKinds() {
		if k == kind {
			return true
		}
	}
	return false
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

// QualityReport summarizes guardrail verification for one run.
type QualityReport struct {
	GuardrailResults []GuardrailResult `json:"guardrail_results"`
	CitationsChecked int               `json:"citations_checked"`
	CitationsValid   int               `json:"citations_valid"`
	AvgConfidence    float64           `json:"avg_confidence"`
}

// Intelligence is the merged structural model built from validated
// findings, consumed by the section generators.
type Intelligence struct {
	ProjectID     string    `json:"project_id"`
	Findings      []Finding `json:"findings"`
	EntityCount   int       `json:"entity_count"`
	EndpointCount int       `json:"endpoint_count"`
	FunctionCount int       `json:"function_count"`
	Languages     []string  `json:"languages,omitempty"`
	Summary       string    `json:"summary,omitempty"`
}
