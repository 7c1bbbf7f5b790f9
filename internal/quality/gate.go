package quality

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ashita-ai/kaiseki/internal/model"
)

// Failure severities. Errors fail the gate; warnings only lower the score.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// GateConfig sets the validation thresholds for one section kind.
type GateConfig struct {
	MinLength         int
	RequiredHeadings  []string
	CheckPlaceholders bool
	CheckRepetition   bool
	MaxIterations     int
}

func defaultGateConfig() GateConfig {
	return GateConfig{
		MinLength:         200,
		CheckPlaceholders: true,
		CheckRepetition:   true,
		MaxIterations:     2,
	}
}

// sectionGates holds per-kind overrides of the default thresholds.
var sectionGates = map[model.SectionKind]GateConfig{
	model.SectionExecutiveOverview: {
		MinLength: 300, CheckPlaceholders: true, CheckRepetition: true, MaxIterations: 2,
	},
	model.SectionFeatures: {
		MinLength: 200, RequiredHeadings: []string{"Feature Areas"},
		CheckPlaceholders: true, CheckRepetition: true, MaxIterations: 2,
	},
	model.SectionSystemOverview: {
		MinLength: 200, RequiredHeadings: []string{"Architecture Diagram"},
		CheckPlaceholders: true, CheckRepetition: true, MaxIterations: 2,
	},
	model.SectionDataModels: {
		MinLength: 100, CheckPlaceholders: true, CheckRepetition: true, MaxIterations: 2,
	},
	model.SectionAPISpecs: {
		MinLength: 100, CheckPlaceholders: true, CheckRepetition: true, MaxIterations: 2,
	},
	model.SectionUserStories: {
		MinLength: 200, CheckPlaceholders: true, CheckRepetition: true, MaxIterations: 2,
	},
	model.SectionTechStories: {
		MinLength: 200, CheckPlaceholders: true, CheckRepetition: true, MaxIterations: 2,
	},
	model.SectionSecurityRequirements: {
		MinLength: 100, CheckPlaceholders: true, CheckRepetition: true, MaxIterations: 2,
	},
	model.SectionSecurityConsiderations: {
		MinLength: 200, RequiredHeadings: []string{"Coverage Summary"},
		CheckPlaceholders: true, CheckRepetition: true, MaxIterations: 2,
	},
	model.SectionIntegrations: {
		MinLength: 100, CheckPlaceholders: true, CheckRepetition: true, MaxIterations: 2,
	},
	model.SectionInterfaces: {
		MinLength: 100, CheckPlaceholders: true, CheckRepetition: true, MaxIterations: 2,
	},
	model.SectionPersonas: {
		MinLength: 100, CheckPlaceholders: true, CheckRepetition: true, MaxIterations: 2,
	},
	model.SectionUISpecs: {
		MinLength: 50, CheckPlaceholders: true, CheckRepetition: true, MaxIterations: 2,
	},
}

// GateFor returns the thresholds for kind, falling back to the defaults
// for kinds without an override.
func GateFor(kind model.SectionKind) GateConfig {
	if cfg, ok := sectionGates[kind]; ok {
		return cfg
	}
	return defaultGateConfig()
}

// GateFailure is a single quality gate check failure.
type GateFailure struct {
	Field       string `json:"field"`
	Expected    string `json:"expected"`
	Actual      string `json:"actual"`
	Severity    string `json:"severity"`
	Remediation string `json:"remediation,omitempty"`
}

// GateResult is the outcome of running all quality gates on a section.
type GateResult struct {
	Section  model.SectionKind `json:"section"`
	Passed   bool              `json:"passed"`
	Score    float64           `json:"score"`
	Failures []GateFailure     `json:"failures,omitempty"`
}

var (
	placeholderRe = regexp.MustCompile(`\[([A-Z][A-Z0-9_\s]{2,30})\]`)
	fencedCodeRe  = regexp.MustCompile("(?s)```.*?```")
	inlineCodeRe  = regexp.MustCompile("`[^`]+`")
)

var knownPlaceholders = map[string]bool{
	"[PROJECT NAME]":  true,
	"[PROJECT_NAME]":  true,
	"[TODO]":          true,
	"[TBD]":           true,
	"[PLACEHOLDER]":   true,
	"[INSERT]":        true,
	"[YOUR]":          true,
	"[EXAMPLE]":       true,
	"[MODULE NAME]":   true,
	"[MODULE_NAME]":   true,
	"[FUNCTION NAME]": true,
	"[FUNCTION_NAME]": true,
	"[CLASS NAME]":    true,
	"[CLASS_NAME]":    true,
	"[FILE PATH]":     true,
	"[FILE_PATH]":     true,
	"[DESCRIPTION]":   true,
	"[DETAILS]":       true,
}

var placeholderKeywords = []string{"TODO", "TBD", "INSERT", "YOUR", "EXAMPLE", "PLACEHOLDER"}

// DetectPlaceholders finds unfilled template placeholders in generated
// content. Fenced and inline code are skipped so identifiers like
// []byte examples do not false-positive.
func DetectPlaceholders(content string) []string {
	stripped := fencedCodeRe.ReplaceAllString(content, "")
	stripped = inlineCodeRe.ReplaceAllString(stripped, "")

	var found []string
	for _, match := range placeholderRe.FindAllStringSubmatch(stripped, -1) {
		bracketForm := "[" + match[1] + "]"
		if knownPlaceholders[bracketForm] || containsAnyKeyword(match[1]) {
			found = append(found, bracketForm)
		}
	}
	return found
}

func containsAnyKeyword(s string) bool {
	for _, kw := range placeholderKeywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// EvaluateGate validates generated section content against cfg. The gate
// passes when no error-severity check fails; warnings only reduce the
// score, computed as the fraction of checks that passed.
func EvaluateGate(kind model.SectionKind, content string, cfg GateConfig) GateResult {
	var failures []GateFailure
	totalChecks := 0

	// 1. Minimum content length.
	totalChecks++
	trimmedLen := len(strings.TrimSpace(content))
	if trimmedLen < cfg.MinLength {
		failures = append(failures, GateFailure{
			Field:       "content_length",
			Expected:    fmt.Sprintf("At least %d characters", cfg.MinLength),
			Actual:      fmt.Sprintf("%d characters", trimmedLen),
			Severity:    SeverityError,
			Remediation: "Generate more detailed content",
		})
	}

	// 2. Required headings.
	if len(cfg.RequiredHeadings) > 0 {
		totalChecks++
		contentLower := strings.ToLower(content)
		var missing []string
		for _, heading := range cfg.RequiredHeadings {
			h := strings.ToLower(heading)
			if !strings.Contains(contentLower, "## "+h) && !strings.Contains(contentLower, "### "+h) {
				missing = append(missing, heading)
			}
		}
		if len(missing) > 0 {
			failures = append(failures, GateFailure{
				Field:       "required_headings",
				Expected:    "Headings present: " + strings.Join(cfg.RequiredHeadings, ", "),
				Actual:      "Missing: " + strings.Join(missing, ", "),
				Severity:    SeverityWarning,
				Remediation: "Add sections: " + strings.Join(missing, ", "),
			})
		}
	}

	// 3. Placeholder detection.
	if cfg.CheckPlaceholders {
		totalChecks++
		if found := DetectPlaceholders(content); len(found) > 0 {
			preview := found
			if len(preview) > 3 {
				preview = preview[:3]
			}
			failures = append(failures, GateFailure{
				Field:       "placeholders",
				Expected:    "No unfilled placeholders",
				Actual:      fmt.Sprintf("%d placeholder(s): %s", len(found), strings.Join(preview, ", ")),
				Severity:    SeverityError,
				Remediation: "Replace all [PLACEHOLDER] text with specific content",
			})
		}
	}

	// 4. Repetition detection.
	if cfg.CheckRepetition {
		totalChecks++
		seen := make(map[string]bool)
		dupes := 0
		for _, p := range strings.Split(content, "\n\n") {
			p = strings.TrimSpace(p)
			if len(p) <= 50 {
				continue
			}
			if seen[p] {
				dupes++
			}
			seen[p] = true
		}
		if dupes > 0 {
			failures = append(failures, GateFailure{
				Field:       "repetition",
				Expected:    "No duplicate paragraphs",
				Actual:      fmt.Sprintf("%d duplicate paragraph(s)", dupes),
				Severity:    SeverityWarning,
				Remediation: "Remove repeated content",
			})
		}
	}

	errorCount := 0
	for _, f := range failures {
		if f.Severity == SeverityError {
			errorCount++
		}
	}

	score := 1.0
	if totalChecks > 0 {
		score = float64(totalChecks-len(failures)) / float64(totalChecks)
		if score < 0 {
			score = 0
		}
	}

	return GateResult{
		Section:  kind,
		Passed:   errorCount == 0,
		Score:    score,
		Failures: failures,
	}
}
