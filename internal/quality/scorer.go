// Package quality scores analysis findings and gates generated content.
// Confidence values (0.0-1.0) encode how much trust a finding has earned
// from the analyzers that produced it; guardrails keep unverifiable or
// low-trust output from reaching a consumer unmarked.
package quality

import (
	"fmt"

	"github.com/ashita-ai/kaiseki/internal/model"
)

// Named confidence levels. The table is fixed so identical analyzer
// outcomes always score identically across runs.
const (
	// CrossValidatedHigh applies when the deterministic and
	// probabilistic analyzers fully agree on a finding.
	CrossValidatedHigh = 0.95
	// ASTOnly applies to findings only the parser produced.
	ASTOnly = 0.90
	// CrossValidatedMedium applies on partial agreement.
	CrossValidatedMedium = 0.85
	// SectionRich and SectionSparse score generated sections by how
	// much validated context backed the generation.
	SectionRich   = 0.90
	SectionSparse = 0.80
	// LLMOnly applies to findings only the model produced.
	LLMOnly = 0.70
	// GateThreshold is the cutoff below which generated content gets a
	// visible low-confidence disclaimer.
	GateThreshold = 0.60
	// CrossValidatedLow applies when the two analyzers disagree.
	CrossValidatedLow = 0.50
	// Floor and Ceiling bound any computed pipeline confidence.
	Floor   = 0.10
	Ceiling = 0.95
)

// Score computes the confidence for one finding given which analyzers
// produced it and how strongly they agree.
//
// Scoring rules, first match wins:
//   - both sources, high agreement: 0.95, cross_validated
//   - both sources, medium agreement: 0.85, cross_validated
//   - both sources, low agreement (disagreement): 0.50, cross_validated
//   - AST only: 0.90 (deterministic parser)
//   - LLM only: 0.70 (probabilistic inference)
func Score(finding string, astSource, llmSource bool, agreement model.Agreement) model.ConfidenceScore {
	if astSource && llmSource {
		switch agreement {
		case model.AgreementHigh:
			return model.ConfidenceScore{
				Value:       CrossValidatedHigh,
				Source:      model.SourceCrossValidated,
				Explanation: fmt.Sprintf("Cross-validated: AST and LLM agree on '%s'", finding),
			}
		case model.AgreementMedium:
			return model.ConfidenceScore{
				Value:       CrossValidatedMedium,
				Source:      model.SourceCrossValidated,
				Explanation: fmt.Sprintf("Partial agreement on '%s'", finding),
			}
		default:
			return model.ConfidenceScore{
				Value:       CrossValidatedLow,
				Source:      model.SourceCrossValidated,
				Explanation: fmt.Sprintf("AST and LLM disagree on '%s'", finding),
			}
		}
	}

	if astSource {
		return model.ConfidenceScore{
			Value:       ASTOnly,
			Source:      model.SourceAST,
			Explanation: fmt.Sprintf("AST-derived (deterministic): '%s'", finding),
		}
	}

	return model.ConfidenceScore{
		Value:       LLMOnly,
		Source:      model.SourceLLM,
		Explanation: fmt.Sprintf("LLM-inferred (probabilistic): '%s'", finding),
	}
}

// Clamp bounds a computed confidence to the pipeline range.
func Clamp(v float64) float64 {
	if v < Floor {
		return Floor
	}
	if v > Ceiling {
		return Ceiling
	}
	return v
}

// FromLevel converts a qualitative model-reported confidence to the
// numeric scale used for scored findings.
func FromLevel(level model.ConfidenceLevel) float64 {
	switch level {
	case model.ConfidenceHigh:
		return ASTOnly
	case model.ConfidenceMedium:
		return LLMOnly
	default:
		return CrossValidatedLow
	}
}
