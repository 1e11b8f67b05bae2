// Package doctor runs a battery of startup diagnostics against the
// conductor's configuration, storage, and external dependencies.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/go-claw/internal/config"
	"github.com/basket/go-claw/internal/store"
)

// CheckResult is the outcome of one diagnostic check.
type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Diagnosis is the full report returned by Run.
type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// SystemInfo identifies the runtime environment the checks ran in.
type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks against cfg.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAPIKey,
		checkDatabase,
		checkPermissions,
		checkExternalTools,
		checkOllama,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml did not exist; defaults were written"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("loaded from %s", cfg.ConfigPath)}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: "SKIP", Message: "config missing"}
	}
	if cfg.ProviderAPIKey("anthropic") != "" {
		return CheckResult{Name: "API Key", Status: "PASS", Message: "ANTHROPIC_API_KEY is set"}
	}
	return CheckResult{
		Name:    "API Key",
		Status:  "WARN",
		Message: "ANTHROPIC_API_KEY not set — jobs with execution_mode=api and model=claude-* will fail",
		Detail:  "CLI-mode jobs authenticate via the claude CLI's own OAuth session and are unaffected",
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "config missing"}
	}
	s, err := store.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("open failed: %v", err)}
	}
	defer s.Close()

	if _, err := s.ListJobs(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: fmt.Sprintf("connection and schema valid at %s", cfg.DBPath)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "config missing"}
	}
	home := filepath.Dir(cfg.ConfigPath)
	probe := filepath.Join(home, ".write_test")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("home dir unwritable: %v", err)}
	}
	os.Remove(probe)

	if err := os.MkdirAll(cfg.VaultPath, 0o755); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("vault dir unwritable: %v", err)}
	}
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "home and vault directories writable"}
}

// checkExternalTools confirms the claude CLI is on PATH — required for any
// job with execution_mode=cli, the default when a job omits the field.
func checkExternalTools(ctx context.Context, _ *config.Config) CheckResult {
	path, err := exec.LookPath("claude")
	if err != nil {
		return CheckResult{
			Name:    "External Tools",
			Status:  "WARN",
			Message: "claude CLI not found on PATH",
			Detail:  "required for execution_mode=cli jobs; api-mode jobs are unaffected",
		}
	}
	return CheckResult{Name: "External Tools", Status: "PASS", Message: fmt.Sprintf("claude CLI found at %s", path)}
}

// checkOllama probes the configured Ollama base URL's OpenAI-compatible
// /models endpoint with a bounded timeout. A failure only warns: Ollama
// is an optional local-model provider, not a hard dependency.
func checkOllama(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Ollama", Status: "SKIP", Message: "config missing"}
	}
	base := cfg.ProviderBaseURL("ollama")
	if base == "" {
		return CheckResult{Name: "Ollama", Status: "SKIP", Message: "no ollama base_url configured"}
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, base+"/models", nil)
	if err != nil {
		return CheckResult{Name: "Ollama", Status: "WARN", Message: fmt.Sprintf("bad base_url: %v", err)}
	}

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		var netErr net.Error
		detail := err.Error()
		if errors.As(err, &netErr) && netErr.Timeout() {
			detail = "timed out after 3s"
		}
		return CheckResult{Name: "Ollama", Status: "WARN", Message: "unreachable", Detail: detail}
	}
	defer resp.Body.Close()

	return CheckResult{
		Name:    "Ollama",
		Status:  "PASS",
		Message: fmt.Sprintf("%s responded in %dms (status %d)", base, latency.Milliseconds(), resp.StatusCode),
	}
}
