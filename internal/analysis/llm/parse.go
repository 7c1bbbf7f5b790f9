package llm

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	llmclient "github.com/ashita-ai/kaiseki/internal/llm"
	"github.com/ashita-ai/kaiseki/internal/model"
)

// parseChunkAnalysis decodes a model response into a chunk result.
// Field extraction is tolerant: models occasionally return lists
// where strings are expected, numbers as strings, or omit optional
// sections entirely. Anything unrecognized falls back to a default
// rather than failing the whole chunk.
func parseChunkAnalysis(raw, filePath string) (chunkResult, error) {
	cleaned := llmclient.CleanJSONBlock(raw)

	var payload map[string]any
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return chunkResult{}, fmt.Errorf("llm: decode analysis response: %w", err)
	}

	res := chunkResult{
		narrative: extractNarrative(payload, filePath),
		rules:     extractRules(payload),
		risks:     extractRisks(payload, filePath),
	}
	return res, nil
}

func extractNarrative(payload map[string]any, filePath string) model.ModuleNarrative {
	behaviors := extractBehaviors(payload["behaviors"])
	concepts := extractConcepts(payload["domain_concepts"])
	return model.ModuleNarrative{
		FilePath:       filePath,
		Purpose:        stringField(payload, "purpose", ""),
		Confidence:     levelField(payload, "confidence"),
		Behaviors:      behaviors,
		DomainConcepts: concepts,
		Citations:      collectCitations(payload),
	}
}

func extractBehaviors(v any) []model.Behavior {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []model.Behavior
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, model.Behavior{
			Description: stringField(entry, "description", ""),
			Trigger:     stringField(entry, "trigger", ""),
			Citations:   stringsField(entry, "citations"),
		})
	}
	return out
}

func extractConcepts(v any) []model.DomainConcept {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []model.DomainConcept
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, model.DomainConcept{
			Concept:   stringField(entry, "concept", ""),
			Role:      stringField(entry, "role", ""),
			Citations: stringsField(entry, "citations"),
		})
	}
	return out
}

func extractRules(payload map[string]any) []model.BusinessRule {
	items, ok := payload["rules"].([]any)
	if !ok {
		return nil
	}
	var out []model.BusinessRule
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, model.BusinessRule{
			RuleText:         stringField(entry, "rule_text", ""),
			RuleType:         stringField(entry, "rule_type", model.RuleValidation),
			Condition:        stringField(entry, "condition", ""),
			Consequence:      stringField(entry, "consequence", ""),
			Confidence:       levelField(entry, "confidence"),
			AffectedEntities: stringsField(entry, "affected_entities"),
			Citations:        stringsField(entry, "citations"),
		})
	}
	return out
}

func extractRisks(payload map[string]any, filePath string) []model.RiskIndicator {
	items, ok := payload["risks"].([]any)
	if !ok {
		return nil
	}
	var out []model.RiskIndicator
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, model.RiskIndicator{
			RiskType:        stringField(entry, "risk_type", model.RiskComplexity),
			Severity:        stringField(entry, "severity", model.SeverityMedium),
			Title:           stringField(entry, "title", ""),
			Description:     stringField(entry, "description", ""),
			FilePath:        stringField(entry, "file_path", filePath),
			Line:            intField(entry, "line"),
			Recommendations: stringsField(entry, "recommendations"),
			Confidence:      levelField(entry, "confidence"),
		})
	}
	return out
}

// collectCitations gathers citations from every section so the
// narrative carries the full evidence trail for its file.
func collectCitations(payload map[string]any) []string {
	var out []string
	appendFrom := func(v any, key string) {
		items, ok := v.([]any)
		if !ok {
			return
		}
		for _, item := range items {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			out = append(out, stringsField(entry, key)...)
		}
	}
	appendFrom(payload["behaviors"], "citations")
	appendFrom(payload["domain_concepts"], "citations")
	appendFrom(payload["rules"], "citations")
	appendFrom(payload["risks"], "citations")
	return out
}

// stringField reads a string value, joining list values and
// stringifying scalars so a sloppy response still yields usable text.
func stringField(entry map[string]any, key, fallback string) string {
	v, ok := entry[key]
	if !ok || v == nil {
		return fallback
	}
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(t)
	}
}

func stringsField(entry map[string]any, key string) []string {
	items, ok := entry[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, fmt.Sprint(item))
	}
	return out
}

func intField(entry map[string]any, key string) int {
	switch t := entry[key].(type) {
	case float64:
		return int(t)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func levelField(entry map[string]any, key string) model.ConfidenceLevel {
	switch stringField(entry, key, "medium") {
	case "high":
		return model.ConfidenceHigh
	case "low":
		return model.ConfidenceLow
	default:
		return model.ConfidenceMedium
	}
}
