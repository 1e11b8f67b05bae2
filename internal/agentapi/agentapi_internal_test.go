package agentapi

import (
	"context"
	"testing"
	"time"
)

func TestModelPrefix(t *testing.T) {
	if got := modelPrefix("ollama"); got != "ollama" {
		t.Fatalf("got %q", got)
	}
	if got := modelPrefix("claude"); got != "anthropic" {
		t.Fatalf("got %q", got)
	}
	if got := modelPrefix(""); got != "anthropic" {
		t.Fatalf("got %q", got)
	}
}

func TestGenkitFor_MissingAnthropicKeyErrors(t *testing.T) {
	inv := New(Config{}, nil)
	_, _, err := inv.genkitFor(context.Background(), "claude")
	if err == nil {
		t.Fatal("expected error when ANTHROPIC_API_KEY is not configured")
	}
}

func TestGenkitFor_UnknownProviderErrors(t *testing.T) {
	inv := New(Config{}, nil)
	_, _, err := inv.genkitFor(context.Background(), "bogus")
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestInvoke_PropagatesGenkitInitFailureAsResultError(t *testing.T) {
	inv := New(Config{}, nil)
	res, err := inv.Invoke(context.Background(), Options{
		Prompt:   "hi",
		Provider: "claude",
		Model:    "claude-haiku-4-5",
		Timeout:  time.Second,
	})
	if err == nil {
		t.Fatal("expected error for missing API key")
	}
	if res.Text != "" {
		t.Fatalf("expected empty result on error, got %+v", res)
	}
}
