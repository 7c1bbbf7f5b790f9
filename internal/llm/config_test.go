package llm

import (
	"math"
	"testing"
)

func TestConfigModelFallsBackByTier(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.Model(TierAdvanced); got != "gemini-2.5-pro" {
		t.Errorf("advanced = %q", got)
	}

	noAdvanced := Config{Models: map[Tier]string{
		TierStandard: "standard-model",
		TierLite:     "lite-model",
	}}
	if got := noAdvanced.Model(TierAdvanced); got != "standard-model" {
		t.Errorf("missing advanced should fall back to standard, got %q", got)
	}

	liteOnly := Config{Models: map[Tier]string{TierLite: "lite-model"}}
	if got := liteOnly.Model(TierStandard); got != "lite-model" {
		t.Errorf("missing standard should fall back to lite, got %q", got)
	}
}

func TestConfigChainWalksDownFromTier(t *testing.T) {
	cfg := DefaultConfig()

	got := cfg.Chain(TierAdvanced)
	want := []string{"gemini-2.5-pro", "gemini-2.5-flash", "gemini-2.5-flash-lite"}
	if len(got) != len(want) {
		t.Fatalf("chain = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chain[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if got := cfg.Chain(TierStandard); len(got) != 2 || got[0] != "gemini-2.5-flash" {
		t.Errorf("standard chain = %v", got)
	}
	if got := cfg.Chain(TierLite); len(got) != 1 || got[0] != "gemini-2.5-flash-lite" {
		t.Errorf("lite chain = %v", got)
	}
}

func TestConfigChainCollapsesDuplicateModels(t *testing.T) {
	cfg := Config{Models: map[Tier]string{
		TierAdvanced: "same-model",
		TierStandard: "same-model",
		TierLite:     "lite-model",
	}}
	got := cfg.Chain(TierAdvanced)
	if len(got) != 2 || got[0] != "same-model" || got[1] != "lite-model" {
		t.Errorf("chain = %v, want [same-model lite-model]", got)
	}
}

func TestConfigWithModelDoesNotMutateOriginal(t *testing.T) {
	cfg := DefaultConfig()
	override := cfg.WithModel(TierStandard, "custom-model")

	if got := override.Model(TierStandard); got != "custom-model" {
		t.Errorf("override standard = %q", got)
	}
	if got := cfg.Model(TierStandard); got != "gemini-2.5-flash" {
		t.Errorf("original mutated: standard = %q", got)
	}
}

func TestEstimateCost(t *testing.T) {
	// 1M input at $1.25 plus 0.5M output at $10.00.
	got := EstimateCost("gemini-2.5-pro", 1_000_000, 500_000)
	if math.Abs(got-6.25) > 1e-9 {
		t.Errorf("pro cost = %v, want 6.25", got)
	}

	// Unknown models are billed at standard-tier rates.
	unknown := EstimateCost("mystery-model", 1_000_000, 1_000_000)
	standard := EstimateCost("gemini-2.5-flash", 1_000_000, 1_000_000)
	if unknown != standard {
		t.Errorf("unknown model cost = %v, want %v", unknown, standard)
	}

	if got := EstimateCost("gemini-2.5-flash", 0, 0); got != 0 {
		t.Errorf("zero usage cost = %v, want 0", got)
	}
}
