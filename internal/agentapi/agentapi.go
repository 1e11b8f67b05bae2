// Package agentapi invokes an agent model through a hosted HTTP API —
// the "API backend" alternative to the agentproc subprocess backend.
// It wraps genkit, initializing the Anthropic plugin for Claude models
// and the OpenAI-compatible plugin (pointed at a local Ollama server)
// for "ollama:<name>" models.
package agentapi

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
)

const defaultTimeout = 300 * time.Second

// Config configures the API backend's provider connections.
type Config struct {
	AnthropicAPIKey  string
	AnthropicBaseURL string
	OllamaBaseURL    string
}

// Options describes one API-backend invocation.
type Options struct {
	Prompt       string
	SystemPrompt string
	Model        string // resolved canonical model id, no provider prefix
	Provider     string // "claude" or "ollama"
	MaxTurns     int
	Timeout      time.Duration
}

// Result is the outcome of one invocation, modeled on the agent SDK's
// "result" event shape: num_turns/total_cost_usd plus either a success
// text or an error subtype and joined error text.
type Result struct {
	NumTurns int
	CostUSD  float64
	Subtype  string // "success" or an error subtype
	Text     string
	IsError  bool
	TimedOut bool
}

// Invoker holds lazily-initialized genkit instances, one per provider,
// so repeated invocations don't re-run plugin setup.
type Invoker struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	instances map[string]*genkit.Genkit
}

// New creates an API-backend invoker. Genkit instances are created on
// first use per provider, not eagerly.
func New(cfg Config, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{cfg: cfg, logger: logger, instances: make(map[string]*genkit.Genkit)}
}

func (inv *Invoker) genkitFor(ctx context.Context, provider string) (*genkit.Genkit, string, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if g, ok := inv.instances[provider]; ok {
		return g, modelPrefix(provider), nil
	}

	var g *genkit.Genkit
	switch provider {
	case "ollama":
		plugin := &compat_oai.OpenAICompatible{
			Provider: "ollama",
			APIKey:   "ollama",
			BaseURL:  inv.cfg.OllamaBaseURL,
		}
		g = genkit.Init(ctx, genkit.WithPlugins(plugin))
	case "claude", "":
		if inv.cfg.AnthropicAPIKey == "" {
			return nil, "", fmt.Errorf("agentapi: ANTHROPIC_API_KEY not configured")
		}
		plugin := &anthropic.Anthropic{
			APIKey:  inv.cfg.AnthropicAPIKey,
			BaseURL: inv.cfg.AnthropicBaseURL,
		}
		g = genkit.Init(ctx, genkit.WithPlugins(plugin))
	default:
		return nil, "", fmt.Errorf("agentapi: unknown provider %q", provider)
	}
	inv.instances[provider] = g
	return g, modelPrefix(provider), nil
}

// UpdateConfig swaps in a freshly reloaded provider configuration and
// discards any cached genkit instances, so the next call per provider
// re-initializes its plugin against the new API key / base URL instead of
// silently continuing to use stale credentials. Called from the
// config.Watcher's reload loop.
func (inv *Invoker) UpdateConfig(cfg Config) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.cfg = cfg
	inv.instances = make(map[string]*genkit.Genkit)
}

func modelPrefix(provider string) string {
	switch provider {
	case "ollama":
		return "ollama"
	default:
		return "anthropic"
	}
}

// Invoke runs a single generate call, honoring ctx and opts.Timeout as
// the abort signal. The timeout timer is always cleared on both success
// and failure paths via the deferred cancel.
func (inv *Invoker) Invoke(ctx context.Context, opts Options) (Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	g, prefix, err := inv.genkitFor(ctx, opts.Provider)
	if err != nil {
		return Result{}, err
	}

	genOpts := []ai.GenerateOption{
		ai.WithModelName(prefix + "/" + opts.Model),
		ai.WithPrompt(opts.Prompt),
	}
	if opts.SystemPrompt != "" {
		genOpts = append(genOpts, ai.WithSystem(opts.SystemPrompt))
	}
	if opts.MaxTurns > 0 {
		genOpts = append(genOpts, ai.WithMaxTurns(opts.MaxTurns))
	}

	resp, err := genkit.Generate(ctx, g, genOpts...)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Result{TimedOut: true, IsError: true, Subtype: "timeout", Text: "agent invocation timed out"}, nil
		}
		return Result{IsError: true, Subtype: "error", Text: err.Error()}, nil
	}

	text := resp.Text()
	promptTok, completionTok := tokenCounts(resp)

	return Result{
		NumTurns: 1,
		CostUSD:  estimateCostUSD(opts.Model, promptTok, completionTok),
		Subtype:  "success",
		Text:     text,
	}, nil
}

func tokenCounts(resp *ai.ModelResponse) (prompt, completion int) {
	if resp == nil || resp.Usage == nil {
		return 0, 0
	}
	return resp.Usage.InputTokens, resp.Usage.OutputTokens
}
