package llm

// Tier groups models by capability so each stage can pick a chain without
// hard-coding model names.
type Tier string

const (
	TierLite     Tier = "lite"
	TierStandard Tier = "standard"
	TierAdvanced Tier = "advanced"
)

// Config maps tiers to concrete model names.
type Config struct {
	Models map[Tier]string
}

// DefaultConfig returns the Gemini model set used when the environment does
// not override tiers.
func DefaultConfig() Config {
	return Config{
		Models: map[Tier]string{
			TierLite:     "gemini-2.5-flash-lite",
			TierStandard: "gemini-2.5-flash",
			TierAdvanced: "gemini-2.5-pro",
		},
	}
}

// Model resolves a tier, falling back standard then lite when the requested
// tier is not configured.
func (c Config) Model(tier Tier) string {
	if m, ok := c.Models[tier]; ok && m != "" {
		return m
	}
	if m, ok := c.Models[TierStandard]; ok && m != "" {
		return m
	}
	return c.Models[TierLite]
}

// Chain returns the fallback chain starting at the given tier and walking
// down in capability. Tiers sharing a model name collapse to one entry.
func (c Config) Chain(tier Tier) []string {
	order := []Tier{TierAdvanced, TierStandard, TierLite}
	start := 0
	for i, t := range order {
		if t == tier {
			start = i
			break
		}
	}
	var chain []string
	seen := make(map[string]bool)
	for _, t := range order[start:] {
		m := c.Models[t]
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		chain = append(chain, m)
	}
	return chain
}

// WithModel returns a copy of the config with one tier overridden.
func (c Config) WithModel(tier Tier, model string) Config {
	models := make(map[Tier]string, len(c.Models)+1)
	for k, v := range c.Models {
		models[k] = v
	}
	models[tier] = model
	return Config{Models: models}
}

// pricing is dollars per million tokens.
type pricing struct {
	input  float64
	output float64
}

var modelPricing = map[string]pricing{
	"gemini-2.5-pro":        {input: 1.25, output: 10.00},
	"gemini-2.5-flash":      {input: 0.30, output: 2.50},
	"gemini-2.5-flash-lite": {input: 0.10, output: 0.40},
}

// Unknown models are billed at standard-tier rates so spend totals stay
// conservative rather than silently reading zero.
var fallbackPricing = pricing{input: 0.30, output: 2.50}

// EstimateCost converts a call's token usage to dollars for cost tracking.
func EstimateCost(model string, inputTokens, outputTokens int) float64 {
	p, ok := modelPricing[model]
	if !ok {
		p = fallbackPricing
	}
	return float64(inputTokens)/1e6*p.input + float64(outputTokens)/1e6*p.output
}
