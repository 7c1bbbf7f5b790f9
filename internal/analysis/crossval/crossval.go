// Package crossval reconciles the structural and semantic analyses.
//
// Deterministic extraction takes priority over probabilistic inference
// when the two disagree. Entities the model independently described are
// promoted to cross-validated confidence; model-only findings enter at
// reduced confidence.
package crossval

import (
	"fmt"
	"slices"
	"strings"
	"unicode"

	"github.com/ashita-ai/kaiseki/internal/model"
	"github.com/ashita-ai/kaiseki/internal/quality"
)

// ruleNameLimit bounds the finding name built from a rule statement.
const ruleNameLimit = 80

// Validate matches structural entities against model-described behaviors
// by normalized name tokens within the same file, then folds the
// model-only business rules in as lower-confidence findings.
func Validate(static model.StaticResult, sem model.SemanticResult) model.ValidationResult {
	mentions := mentionsByFile(sem.Narratives)

	var out model.ValidationResult
	for _, entity := range static.Entities {
		tokens := tokenize(entity.Name)
		confirmed := false
		if len(tokens) > 0 {
			for _, mention := range mentions[entity.FilePath] {
				if subset(tokens, tokenize(mention)) {
					confirmed = true
					break
				}
			}
		}

		var score model.ConfidenceScore
		if confirmed {
			score = quality.Score(entity.Name, true, true, model.AgreementHigh)
			out.CrossValidatedCount++
		} else {
			score = quality.Score(entity.Name, true, false, "")
			out.ASTOnlyCount++
		}
		out.Findings = append(out.Findings, entityFinding(entity, score))
	}

	for _, rule := range sem.Rules {
		name := truncateRunes(rule.RuleText, ruleNameLimit)
		score := quality.Score(name, false, true, "")
		out.Findings = append(out.Findings, model.Finding{
			Kind:       model.FindingBehavior,
			Name:       name,
			Detail:     rule.RuleType,
			Source:     score.Source,
			Confidence: score,
		})
		out.LLMOnlyCount++
	}

	if out.CrossValidatedCount == 0 && len(static.Entities) > 0 && len(sem.Narratives) > 0 {
		out.Conflicts = append(out.Conflicts,
			"no cross-validated entities found despite both analysis paths producing results")
	}
	return out
}

// BuildIntelligence assembles the merged model consumed by section
// generation: validated findings plus endpoint and dependency facts.
func BuildIntelligence(projectID string, static model.StaticResult, validation model.ValidationResult, langs model.LanguageMap) model.Intelligence {
	findings := slices.Clone(validation.Findings)

	for _, ep := range static.Endpoints {
		name := ep.Method + " " + ep.Path
		score := quality.Score(name, true, false, "")
		findings = append(findings, model.Finding{
			Kind:       model.FindingEndpoint,
			Name:       name,
			FilePath:   ep.HandlerFile,
			LineStart:  ep.HandlerLine,
			LineEnd:    ep.HandlerLine,
			Detail:     ep.HandlerFunction,
			Source:     score.Source,
			Confidence: score,
		})
	}
	for _, dep := range static.Dependencies {
		score := quality.Score(dep.Target, true, false, "")
		findings = append(findings, model.Finding{
			Kind:       model.FindingDependency,
			Name:       dep.Target,
			FilePath:   dep.SourceFile,
			Detail:     dep.ImportType,
			Source:     score.Source,
			Confidence: score,
		})
	}

	var functions, entities int
	for _, f := range validation.Findings {
		switch f.Kind {
		case model.FindingFunction:
			functions++
		case model.FindingEntity:
			entities++
		}
	}

	languages := make([]string, 0, len(langs.Languages))
	for _, li := range langs.Languages {
		languages = append(languages, li.Name)
	}

	return model.Intelligence{
		ProjectID:     projectID,
		Findings:      findings,
		EntityCount:   entities,
		EndpointCount: len(static.Endpoints),
		FunctionCount: functions,
		Languages:     languages,
		Summary: fmt.Sprintf("%d functions, %d entities, %d endpoints, %d imports across %d languages",
			functions, entities, len(static.Endpoints), len(static.Dependencies), len(languages)),
	}
}

// mentionsByFile collects behavior descriptions per file. A file may
// span several narratives (one per chunk); all contribute.
func mentionsByFile(narratives []model.ModuleNarrative) map[string][]string {
	byFile := make(map[string][]string)
	for _, n := range narratives {
		for _, b := range n.Behaviors {
			if b.Description != "" {
				byFile[n.FilePath] = append(byFile[n.FilePath], b.Description)
			}
		}
	}
	return byFile
}

func entityFinding(e model.CodeEntity, score model.ConfidenceScore) model.Finding {
	kind := model.FindingEntity
	if e.EntityType == "function" || e.EntityType == "method" {
		kind = model.FindingFunction
	}
	return model.Finding{
		Kind:       kind,
		Name:       e.Name,
		FilePath:   e.FilePath,
		LineStart:  e.StartLine,
		LineEnd:    e.EndLine,
		Source:     score.Source,
		Confidence: score,
	}
}

// tokenize splits a name into lowercase tokens on word boundaries,
// handling snake_case, camelCase, PascalCase, acronym runs, and
// dot.separated names. Tokens shorter than two characters are dropped
// to prevent single-letter false matches.
func tokenize(name string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range splitWords(name) {
		if len(w) >= 2 {
			set[strings.ToLower(w)] = struct{}{}
		}
	}
	return set
}

func splitWords(s string) []string {
	var words []string
	var cur []rune
	runes := []rune(s)
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = nil
		}
	}

	for i, r := range runes {
		switch {
		case unicode.IsUpper(r):
			if len(cur) > 0 {
				prev := cur[len(cur)-1]
				if unicode.IsLower(prev) || unicode.IsDigit(prev) {
					flush()
				} else if unicode.IsUpper(prev) && i+1 < len(runes) && unicode.IsLower(runes[i+1]) {
					// Acronym run followed by a capitalized word:
					// HTTPServer splits as HTTP, Server.
					flush()
				}
			}
			cur = append(cur, r)
		case unicode.IsLower(r):
			if len(cur) > 0 && unicode.IsDigit(cur[len(cur)-1]) {
				flush()
			}
			cur = append(cur, r)
		case unicode.IsDigit(r):
			if len(cur) > 0 && !unicode.IsDigit(cur[len(cur)-1]) {
				flush()
			}
			cur = append(cur, r)
		default:
			flush()
		}
	}
	flush()
	return words
}

func subset(want, have map[string]struct{}) bool {
	for t := range want {
		if _, ok := have[t]; !ok {
			return false
		}
	}
	return true
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
