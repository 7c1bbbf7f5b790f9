package sections

import (
	"math"
	"strings"
	"testing"

	"github.com/ashita-ai/kaiseki/internal/model"
	"github.com/ashita-ai/kaiseki/internal/quality"
)

func TestFallbackSectionSetsKindAndTitle(t *testing.T) {
	sec := fallbackSection(model.SectionFeatures, Input{})
	if sec.Kind != model.SectionFeatures {
		t.Errorf("Kind = %q", sec.Kind)
	}
	if sec.Title != "Main Application Features" {
		t.Errorf("Title = %q", sec.Title)
	}
	if !strings.Contains(sec.Content, "# Main Application Features") {
		t.Errorf("Content = %q", sec.Content)
	}
}

func TestExecutiveOverviewTemplate(t *testing.T) {
	content, confidence := executiveOverviewTemplate(richInput())

	for _, want := range []string{
		"# Executive Overview",
		"**Summary:** Handles user signup requests",
		"## At a Glance",
		"**Entities:** 3",
		"**Endpoints:** 1",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("content missing %q", want)
		}
	}

	// Average of one high and one medium purpose.
	want := (quality.FromLevel(model.ConfidenceHigh) + quality.FromLevel(model.ConfidenceMedium)) / 2
	if math.Abs(confidence-want) > 1e-9 {
		t.Errorf("confidence = %v, want %v", confidence, want)
	}
}

func TestFeaturesTemplate(t *testing.T) {
	content, confidence := featuresTemplate(richInput())

	for _, want := range []string{
		"## Feature Areas",
		"| `api/users.py` | Handles user signup requests | 1 |",
		"## Functions",
		"| `create_user` | `api/users.py` | def create_user(req): |",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("content missing %q", want)
		}
	}
	if confidence != quality.ASTOnly {
		t.Errorf("confidence = %v, want %v", confidence, quality.ASTOnly)
	}
}

func TestUserStoriesTemplate(t *testing.T) {
	content, confidence := userStoriesTemplate(richInput())

	if !strings.Contains(content, "## From Business Rules") {
		t.Errorf("content = %q", content)
	}
	want := "**As a** user, **I want** email must be unique, **so that** data is validated correctly."
	if !strings.Contains(content, want) {
		t.Errorf("content missing story %q", want)
	}
	if confidence != quality.FromLevel(model.ConfidenceHigh) {
		t.Errorf("confidence = %v", confidence)
	}
}

func TestUserStoriesTemplateNoRules(t *testing.T) {
	content, confidence := userStoriesTemplate(Input{})
	if !strings.Contains(content, "No business rules discovered to generate user stories.") {
		t.Errorf("content = %q", content)
	}
	if confidence != 0 {
		t.Errorf("confidence = %v, want 0", confidence)
	}
}

func TestRuleToStoryOutcomes(t *testing.T) {
	tests := []struct {
		ruleType string
		outcome  string
	}{
		{model.RuleValidation, "data is validated correctly"},
		{model.RulePricing, "pricing is calculated accurately"},
		{model.RuleWorkflow, "the workflow completes successfully"},
		{model.RuleAccessControl, "access is properly controlled"},
		{model.RuleDataConstraint, "data integrity is maintained"},
		{"mystery", "the system behaves correctly"},
	}
	for _, tt := range tests {
		story := ruleToStory("Orders MUST balance", tt.ruleType)
		if !strings.Contains(story, tt.outcome) {
			t.Errorf("ruleToStory(%q) = %q, want outcome %q", tt.ruleType, story, tt.outcome)
		}
		if !strings.Contains(story, "orders must balance") {
			t.Errorf("ruleToStory(%q) = %q, want lowercased rule text", tt.ruleType, story)
		}
	}
}

func TestPersonasTemplateDetects(t *testing.T) {
	in := Input{Static: model.StaticResult{Entities: []model.CodeEntity{
		{Name: "AdminDashboard", EntityType: "type"},
		{Name: "login_user", EntityType: "function"},
	}}}

	content, confidence := personasTemplate(in)
	for _, want := range []string{"## Administrator", "## End User", "`AdminDashboard`", "`login_user`"} {
		if !strings.Contains(content, want) {
			t.Errorf("content missing %q", want)
		}
	}
	if confidence != 0 {
		t.Errorf("confidence = %v, want 0", confidence)
	}
}

func TestPersonasTemplateDefaultsToGeneralUser(t *testing.T) {
	content, _ := personasTemplate(Input{})
	if !strings.Contains(content, "## General User") {
		t.Errorf("content = %q", content)
	}
}

func TestSecurityRequirementsTemplate(t *testing.T) {
	in := richInput()
	in.Semantic.Rules = append(in.Semantic.Rules, model.BusinessRule{
		RuleText: "Only admins may delete accounts", RuleType: model.RuleAccessControl,
		Confidence: model.ConfidenceHigh,
	})

	content, confidence := securityRequirementsTemplate(in)
	for _, want := range []string{
		"## Authentication",
		"| `validate_token` | function | `auth/token.py:5` |",
		"## Access Control Rules",
		"- Only admins may delete accounts",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("content missing %q", want)
		}
	}
	if confidence == 0 {
		t.Error("confidence = 0, want scored")
	}
}

func TestSecurityRequirementsTemplateEmpty(t *testing.T) {
	content, _ := securityRequirementsTemplate(Input{})
	if !strings.Contains(content, "No authentication or authorization patterns discovered in the codebase.") {
		t.Errorf("content = %q", content)
	}
}

func TestSystemOverviewTemplate(t *testing.T) {
	content, confidence := systemOverviewTemplate(richInput())

	for _, want := range []string{
		"## Module Tree",
		"- `api/users.py` (1 entities)",
		"## Architecture Diagram",
		"```mermaid",
		"graph TD",
		"-.->|imports|",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("content missing %q", want)
		}
	}
	if confidence != quality.ASTOnly {
		t.Errorf("confidence = %v", confidence)
	}
}

func TestArchitectureMermaidSanitizesIDs(t *testing.T) {
	deps := []model.DependencyEdge{
		{SourceFile: "api/users.py", Target: "services.user", ImportType: "module"},
	}
	diagram := architectureMermaid(deps)

	for _, want := range []string{
		"api_users_py[users.py]",
		"services_user[services.user]",
		"api_users_py -.->|imports| services_user",
	} {
		if !strings.Contains(diagram, want) {
			t.Errorf("diagram missing %q:\n%s", want, diagram)
		}
	}
}

func TestDataModelsTemplate(t *testing.T) {
	in := Input{Static: model.StaticResult{Entities: []model.CodeEntity{
		{Name: "User", EntityType: "type", FilePath: "models.py", StartLine: 3, Signature: "class User:"},
		{Name: "Order", EntityType: "type", FilePath: "models.py", StartLine: 20, Signature: "class Order:"},
	}}}

	content, confidence := dataModelsTemplate(in)
	for _, want := range []string{"## Entities", "## Entity-Relationship Diagram", "erDiagram"} {
		if !strings.Contains(content, want) {
			t.Errorf("content missing %q", want)
		}
	}
	if confidence != quality.ASTOnly {
		t.Errorf("confidence = %v", confidence)
	}
}

func TestDataModelsTemplateEmpty(t *testing.T) {
	content, confidence := dataModelsTemplate(Input{})
	if !strings.Contains(content, "No data model entities (type, table) discovered in the codebase.") {
		t.Errorf("content = %q", content)
	}
	if confidence != 0 {
		t.Errorf("confidence = %v, want 0", confidence)
	}
}

func TestInterfacesTemplate(t *testing.T) {
	in := Input{Static: model.StaticResult{Entities: []model.CodeEntity{
		{Name: "Store", EntityType: "type", FilePath: "store.go", StartLine: 9, Signature: "type Store interface {"},
		{Name: "UserService", EntityType: "type", FilePath: "service.py", StartLine: 4, Signature: "class UserService:"},
	}}}

	content, _ := interfacesTemplate(in)
	for _, want := range []string{
		"## Interfaces / Protocols",
		"| `Store` | `store.go:9` | type Store interface { |",
		"## Service Boundaries",
		"| `UserService` | type | `service.py:4` |",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("content missing %q", want)
		}
	}
}

func TestUISpecsTemplateEmpty(t *testing.T) {
	content, confidence := uiSpecsTemplate(Input{})
	if !strings.Contains(content, "No UI components or frontend entities discovered in the codebase.") {
		t.Errorf("content = %q", content)
	}
	if confidence != 0 {
		t.Errorf("confidence = %v", confidence)
	}
}

func TestAPISpecsTemplate(t *testing.T) {
	content, confidence := apiSpecsTemplate(richInput())

	for _, want := range []string{
		"## Endpoints",
		"| POST | `/users` | `create_user` | `api/users.py:10` |",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("content missing %q", want)
		}
	}
	if confidence != quality.ASTOnly {
		t.Errorf("confidence = %v", confidence)
	}
}

func TestIntegrationsTemplateGroupsImports(t *testing.T) {
	in := Input{Static: model.StaticResult{Dependencies: []model.DependencyEdge{
		{SourceFile: "a.py", Target: "requests", ImportType: "module"},
		{SourceFile: "b.py", Target: "requests", ImportType: "module"},
		{SourceFile: "c.py", Target: "flask", ImportType: "module"},
	}}}

	content, confidence := integrationsTemplate(in)
	if !strings.Contains(content, "## External Dependencies") {
		t.Fatalf("content = %q", content)
	}
	requestsAt := strings.Index(content, "| `requests` | 2 |")
	flaskAt := strings.Index(content, "| `flask` | 1 |")
	if requestsAt < 0 || flaskAt < 0 {
		t.Fatalf("rows missing:\n%s", content)
	}
	if requestsAt > flaskAt {
		t.Error("rows not ordered by importer count")
	}
	if confidence != 0 {
		t.Errorf("confidence = %v, want 0", confidence)
	}
}

func TestIntegrationsTemplateTruncatesImporterList(t *testing.T) {
	in := Input{Static: model.StaticResult{Dependencies: []model.DependencyEdge{
		{SourceFile: "a.py", Target: "pkg"},
		{SourceFile: "b.py", Target: "pkg"},
		{SourceFile: "c.py", Target: "pkg"},
		{SourceFile: "d.py", Target: "pkg"},
	}}}

	content, _ := integrationsTemplate(in)
	if !strings.Contains(content, "`a.py`, `b.py`, `c.py`...") {
		t.Errorf("content = %q, want truncated importer list", content)
	}
}

func TestTechStoriesTemplate(t *testing.T) {
	content, confidence := techStoriesTemplate(richInput())

	want := "- **When** a signup request arrives, the system creates a user record. (`api/users.py`)"
	if !strings.Contains(content, want) {
		t.Errorf("content = %q, want story %q", content, want)
	}
	if confidence != quality.FromLevel(model.ConfidenceHigh) {
		t.Errorf("confidence = %v", confidence)
	}
}

func TestTechStoriesTemplateEmpty(t *testing.T) {
	content, _ := techStoriesTemplate(Input{})
	if !strings.Contains(content, "No technical stories could be generated.") {
		t.Errorf("content = %q", content)
	}
}

func TestSecurityConsiderationsTemplate(t *testing.T) {
	in := Input{
		Static: model.StaticResult{Entities: []model.CodeEntity{
			{Name: "eval_input", EntityType: "function", FilePath: "calc.py", StartLine: 12},
			{Name: "secret_store", EntityType: "type", FilePath: "vault.py", StartLine: 3},
		}},
		Semantic: model.SemanticResult{Risks: []model.RiskIndicator{
			{Title: "Raw SQL concatenation", RiskType: model.RiskSecurity, Severity: model.SeverityHigh,
				FilePath: "db.py", Line: 40, Confidence: model.ConfidenceHigh},
		}},
	}

	content, confidence := securityConsiderationsTemplate(in)
	for _, want := range []string{
		"## Potential Vulnerability Patterns",
		"| `eval_input` | function | `calc.py:12` |",
		"## Sensitive Data Handlers",
		"| `secret_store` | `vault.py:3` |",
		"## LLM-Detected Risks",
		"| Raw SQL concatenation | high | security | `db.py:40` |",
		"## Coverage Summary",
		"Authentication entities: Not found",
		"Sensitive data handlers: 1 found",
		"Potential vulnerability patterns: 1 found",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("content missing %q", want)
		}
	}
	if confidence == 0 {
		t.Error("confidence = 0, want scored")
	}
}

func TestSecurityConsiderationsTemplateEmptyCoverage(t *testing.T) {
	content, confidence := securityConsiderationsTemplate(Input{})
	for _, want := range []string{
		"## Coverage Summary",
		"Authentication entities: Not found",
		"Validation rules: Not found",
		"Sensitive data handlers: 0 found",
		"Potential vulnerability patterns: 0 found",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("content missing %q", want)
		}
	}
	if confidence != 0 {
		t.Errorf("confidence = %v, want 0", confidence)
	}
}

func TestMdTablePadsShortRows(t *testing.T) {
	got := mdTable([]string{"A", "B"}, [][]string{{"x"}})
	if !strings.Contains(got, "| x |  |") {
		t.Errorf("mdTable = %q, want padded row", got)
	}
	if !strings.Contains(got, "| --- | --- |") {
		t.Errorf("mdTable = %q, want separator row", got)
	}
}

func TestMarkdownHelpers(t *testing.T) {
	if got := heading("Title", 2); got != "## Title\n" {
		t.Errorf("heading = %q", got)
	}
	if got := bulletList([]string{"a", "b"}); got != "- a\n- b\n" {
		t.Errorf("bulletList = %q", got)
	}
	if got := bulletList(nil); got != "" {
		t.Errorf("bulletList(nil) = %q", got)
	}
	if got := fencedCode("x := 1", "go"); got != "```go\nx := 1\n```\n" {
		t.Errorf("fencedCode = %q", got)
	}
}

func TestAvgConfidence(t *testing.T) {
	if got := avgConfidence(nil); got != 0 {
		t.Errorf("avgConfidence(nil) = %v", got)
	}
	if got := avgConfidence([]float64{0.8, 0.6}); math.Abs(got-0.7) > 1e-9 {
		t.Errorf("avgConfidence = %v", got)
	}
}
