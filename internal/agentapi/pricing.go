package agentapi

// modelPricing holds per-million-token USD costs for models reachable
// through the API backend. Ollama-routed (local) models are free.
type modelPricing struct {
	PromptPer1M     float64
	CompletionPer1M float64
}

var knownModels = map[string]modelPricing{
	"claude-opus-4-1":   {15.00, 75.00},
	"claude-sonnet-4-5": {3.00, 15.00},
	"claude-haiku-4-5":  {0.80, 4.00},
}

// estimateCostUSD returns the estimated USD cost for the given token
// counts, or 0 for unknown/local models.
func estimateCostUSD(model string, promptTokens, completionTokens int) float64 {
	p, ok := knownModels[model]
	if !ok {
		return 0.0
	}
	return (float64(promptTokens)/1_000_000)*p.PromptPer1M +
		(float64(completionTokens)/1_000_000)*p.CompletionPer1M
}
