package llm

import (
	"testing"

	"github.com/ashita-ai/kaiseki/internal/model"
)

func TestParseChunkAnalysisDefaults(t *testing.T) {
	res, err := parseChunkAnalysis("{}", "api.py")
	if err != nil {
		t.Fatalf("parseChunkAnalysis: %v", err)
	}
	if res.narrative.FilePath != "api.py" {
		t.Errorf("FilePath = %q", res.narrative.FilePath)
	}
	if res.narrative.Purpose != "" {
		t.Errorf("Purpose = %q, want empty", res.narrative.Purpose)
	}
	if res.narrative.Confidence != model.ConfidenceMedium {
		t.Errorf("Confidence = %q, want medium", res.narrative.Confidence)
	}
	if res.failed {
		t.Error("failed = true for a valid empty object")
	}
}

func TestParseChunkAnalysisFullPayload(t *testing.T) {
	raw := `{
		"purpose": "Handles checkout",
		"confidence": "high",
		"behaviors": [
			{"description": "Charges the card", "trigger": "POST /checkout", "citations": ["pay.py:10-20"]}
		],
		"domain_concepts": [
			{"concept": "order total", "role": "calculates", "citations": ["pay.py:12-14"]}
		],
		"rules": [
			{"rule_text": "Orders over $500 need review", "rule_type": "workflow", "condition": "total > 500", "consequence": "flagged", "confidence": "medium", "affected_entities": ["Order"], "citations": ["pay.py:15-18"]}
		],
		"risks": [
			{"risk_type": "hardcoded_value", "severity": "low", "title": "Magic threshold", "description": "500 is inline", "file_path": "pay.py", "line": 15, "recommendations": ["move to config"], "confidence": "high"}
		]
	}`
	res, err := parseChunkAnalysis(raw, "pay.py")
	if err != nil {
		t.Fatalf("parseChunkAnalysis: %v", err)
	}

	narr := res.narrative
	if narr.Purpose != "Handles checkout" || narr.Confidence != model.ConfidenceHigh {
		t.Errorf("narrative = %+v", narr)
	}
	if len(narr.Behaviors) != 1 || narr.Behaviors[0].Trigger != "POST /checkout" {
		t.Errorf("behaviors = %+v", narr.Behaviors)
	}
	if len(narr.DomainConcepts) != 1 || narr.DomainConcepts[0].Concept != "order total" {
		t.Errorf("concepts = %+v", narr.DomainConcepts)
	}

	// Citations pool across behaviors, concepts, rules, and risks.
	want := []string{"pay.py:10-20", "pay.py:12-14", "pay.py:15-18"}
	if len(narr.Citations) != len(want) {
		t.Fatalf("citations = %v, want %v", narr.Citations, want)
	}
	for i, c := range want {
		if narr.Citations[i] != c {
			t.Errorf("citations[%d] = %q, want %q", i, narr.Citations[i], c)
		}
	}

	if len(res.rules) != 1 {
		t.Fatalf("rules = %+v", res.rules)
	}
	rule := res.rules[0]
	if rule.RuleType != model.RuleWorkflow || rule.Confidence != model.ConfidenceMedium {
		t.Errorf("rule = %+v", rule)
	}
	if len(rule.AffectedEntities) != 1 || rule.AffectedEntities[0] != "Order" {
		t.Errorf("AffectedEntities = %v", rule.AffectedEntities)
	}

	if len(res.risks) != 1 {
		t.Fatalf("risks = %+v", res.risks)
	}
	risk := res.risks[0]
	if risk.RiskType != model.RiskHardcodedValue || risk.Severity != model.SeverityLow || risk.Line != 15 {
		t.Errorf("risk = %+v", risk)
	}
}

func TestParseChunkAnalysisAppliesFieldDefaults(t *testing.T) {
	raw := `{
		"rules": [{"rule_text": "something"}],
		"risks": [{"title": "something else"}]
	}`
	res, err := parseChunkAnalysis(raw, "mod.py")
	if err != nil {
		t.Fatalf("parseChunkAnalysis: %v", err)
	}
	if res.rules[0].RuleType != model.RuleValidation {
		t.Errorf("RuleType = %q, want validation default", res.rules[0].RuleType)
	}
	if res.rules[0].Confidence != model.ConfidenceMedium {
		t.Errorf("rule Confidence = %q, want medium default", res.rules[0].Confidence)
	}
	risk := res.risks[0]
	if risk.RiskType != model.RiskComplexity || risk.Severity != model.SeverityMedium {
		t.Errorf("risk defaults = %+v", risk)
	}
	if risk.FilePath != "mod.py" {
		t.Errorf("risk FilePath = %q, want chunk file", risk.FilePath)
	}
	if risk.Line != 0 {
		t.Errorf("Line = %d, want 0", risk.Line)
	}
}

func TestParseChunkAnalysisStripsCodeFence(t *testing.T) {
	raw := "```json\n{\"purpose\": \"fenced\", \"confidence\": \"low\"}\n```"
	res, err := parseChunkAnalysis(raw, "x.py")
	if err != nil {
		t.Fatalf("parseChunkAnalysis: %v", err)
	}
	if res.narrative.Purpose != "fenced" || res.narrative.Confidence != model.ConfidenceLow {
		t.Errorf("narrative = %+v", res.narrative)
	}
}

func TestParseChunkAnalysisRejectsNonJSON(t *testing.T) {
	if _, err := parseChunkAnalysis("sorry, I can't help with that", "x.py"); err == nil {
		t.Fatal("want error for prose response")
	}
	if _, err := parseChunkAnalysis(`["a", "list"]`, "x.py"); err == nil {
		t.Fatal("want error for non-object JSON")
	}
}

func TestParseChunkAnalysisSkipsMalformedEntries(t *testing.T) {
	raw := `{
		"behaviors": ["just a string", {"description": "real one"}],
		"rules": [42],
		"risks": "not a list"
	}`
	res, err := parseChunkAnalysis(raw, "x.py")
	if err != nil {
		t.Fatalf("parseChunkAnalysis: %v", err)
	}
	if len(res.narrative.Behaviors) != 1 || res.narrative.Behaviors[0].Description != "real one" {
		t.Errorf("behaviors = %+v", res.narrative.Behaviors)
	}
	if len(res.rules) != 0 || len(res.risks) != 0 {
		t.Errorf("rules/risks = %+v/%+v", res.rules, res.risks)
	}
}

func TestStringFieldCoercion(t *testing.T) {
	entry := map[string]any{
		"list":   []any{"a", "b"},
		"number": float64(7),
		"null":   nil,
	}
	if got := stringField(entry, "list", ""); got != "a, b" {
		t.Errorf("list = %q", got)
	}
	if got := stringField(entry, "number", ""); got != "7" {
		t.Errorf("number = %q", got)
	}
	if got := stringField(entry, "null", "fb"); got != "fb" {
		t.Errorf("null = %q", got)
	}
	if got := stringField(entry, "missing", "fb"); got != "fb" {
		t.Errorf("missing = %q", got)
	}
}

func TestIntFieldCoercion(t *testing.T) {
	entry := map[string]any{
		"num":  float64(42),
		"str":  " 17 ",
		"junk": "seventeen",
	}
	if got := intField(entry, "num"); got != 42 {
		t.Errorf("num = %d", got)
	}
	if got := intField(entry, "str"); got != 17 {
		t.Errorf("str = %d", got)
	}
	if got := intField(entry, "junk"); got != 0 {
		t.Errorf("junk = %d", got)
	}
	if got := intField(entry, "missing"); got != 0 {
		t.Errorf("missing = %d", got)
	}
}

func TestLevelFieldNormalizes(t *testing.T) {
	cases := map[string]model.ConfidenceLevel{
		"high":      model.ConfidenceHigh,
		"medium":    model.ConfidenceMedium,
		"low":       model.ConfidenceLow,
		"very sure": model.ConfidenceMedium,
		"":          model.ConfidenceMedium,
	}
	for in, want := range cases {
		entry := map[string]any{"confidence": in}
		if in == "" {
			entry = map[string]any{}
		}
		if got := levelField(entry, "confidence"); got != want {
			t.Errorf("levelField(%q) = %q, want %q", in, got, want)
		}
	}
}
