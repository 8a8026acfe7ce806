package llm

import "sort"

const (
	VendorAnthropic = "anthropic"
	VendorOpenAI    = "openai"
)

// Evaluator model ids form a closed set. Anything outside it resolves to
// DefaultModelID rather than erroring, so a scenario saved against a
// retired model keeps evaluating.
const (
	ModelClaudeSonnet = "claude-sonnet-4-5"
	ModelClaudeHaiku  = "claude-haiku-4-5"
	ModelGPT41        = "gpt-4.1"
	ModelGPT41Mini    = "gpt-4.1-mini"
	ModelGPT4oMini    = "gpt-4o-mini"
)

// DefaultModelID is used when a run names no evaluator model or an
// unrecognized one.
const DefaultModelID = ModelClaudeSonnet

// ModelSpec describes one entry of the evaluator catalog. Costs are USD
// per million tokens.
type ModelSpec struct {
	ID                string
	Vendor            string
	InputCostPerMTok  float64
	OutputCostPerMTok float64
}

var catalog = map[string]ModelSpec{
	ModelClaudeSonnet: {ID: ModelClaudeSonnet, Vendor: VendorAnthropic, InputCostPerMTok: 3.0, OutputCostPerMTok: 15.0},
	ModelClaudeHaiku:  {ID: ModelClaudeHaiku, Vendor: VendorAnthropic, InputCostPerMTok: 1.0, OutputCostPerMTok: 5.0},
	ModelGPT41:        {ID: ModelGPT41, Vendor: VendorOpenAI, InputCostPerMTok: 2.0, OutputCostPerMTok: 8.0},
	ModelGPT41Mini:    {ID: ModelGPT41Mini, Vendor: VendorOpenAI, InputCostPerMTok: 0.4, OutputCostPerMTok: 1.6},
	ModelGPT4oMini:    {ID: ModelGPT4oMini, Vendor: VendorOpenAI, InputCostPerMTok: 0.15, OutputCostPerMTok: 0.6},
}

// ResolveModel maps an evaluator model id to its catalog spec, falling
// back to the default model for unrecognized ids.
func ResolveModel(id string) ModelSpec {
	if spec, ok := catalog[id]; ok {
		return spec
	}
	return catalog[DefaultModelID]
}

// KnownModels returns the catalog ids in sorted order.
func KnownModels() []string {
	ids := make([]string, 0, len(catalog))
	for id := range catalog {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EstimateCost computes the USD cost of a completion from token usage.
func EstimateCost(spec ModelSpec, inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*spec.InputCostPerMTok/1e6 +
		float64(outputTokens)*spec.OutputCostPerMTok/1e6
}
