package config

import "strings"

// canonical model ids for the short aliases the scheduler accepts.
var modelAliases = map[string]string{
	"opus":   "claude-opus-4-1",
	"sonnet": "claude-sonnet-4-5",
	"haiku":  "claude-haiku-4-5",
}

// ResolvedModel is the outcome of resolving a job's configured model string
// against the alias table and the ollama: prefix convention.
type ResolvedModel struct {
	Model    string
	Provider string // "claude" or "ollama"
}

// ResolveModel implements the precedence and aliasing rules: a lowercase
// short alias maps to a canonical model id; an "ollama:<name>" prefix
// (case-insensitive) routes to the local-model provider with the prefix
// stripped; anything else passes through verbatim with provider=claude.
// An empty input returns a zero-value ResolvedModel.
func ResolveModel(raw string) ResolvedModel {
	if raw == "" {
		return ResolvedModel{}
	}
	lower := strings.ToLower(raw)
	if canonical, ok := modelAliases[lower]; ok {
		return ResolvedModel{Model: canonical, Provider: "claude"}
	}
	if strings.HasPrefix(lower, "ollama:") {
		name := raw[len("ollama:"):]
		return ResolvedModel{Model: name, Provider: "ollama"}
	}
	return ResolvedModel{Model: raw, Provider: "claude"}
}

// IsKnownAlias reports whether s (case-insensitive) is one of the short
// model aliases, as opposed to an opaque passthrough model id.
func IsKnownAlias(s string) bool {
	_, ok := modelAliases[strings.ToLower(s)]
	return ok
}

// AvailableModels returns the model aliases the conductor knows about,
// filtered to those whose provider has credentials configured.
func AvailableModels(cfg Config) []string {
	var models []string
	if cfg.ProviderAPIKey("anthropic") != "" {
		models = append(models, "opus", "sonnet", "haiku")
	}
	if cfg.ProviderBaseURL("ollama") != "" {
		models = append(models, "ollama:<name>")
	}
	if len(models) == 0 {
		models = []string{"sonnet"}
	}
	return models
}
