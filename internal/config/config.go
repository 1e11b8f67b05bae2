// Package config loads and normalizes the conductor's runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-claw/internal/otel"
	"github.com/basket/go-claw/internal/shared"
)

// ProviderConfig holds the credentials and routing details for one model
// provider family.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
}

// TelegramConfig configures the chat producer adapter's Telegram backend.
type TelegramConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Token          string  `yaml:"token,omitempty"`
	AllowedChatIDs []int64 `yaml:"allowed_chat_ids,omitempty"`
}

// JobDefaults are applied to a cron job when its own config omits a field.
type JobDefaults struct {
	Model        string `yaml:"model"`
	TimeoutSec   int    `yaml:"timeout_seconds"`
	Sink         string `yaml:"sink"`
	MaxQueueSize int    `yaml:"max_queue_size"`
}

// Config is the conductor's fully-resolved runtime configuration.
type Config struct {
	DBPath     string `yaml:"db_path"`
	VaultPath  string `yaml:"vault_path"`
	ConfigPath string `yaml:"-"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`

	Providers   map[string]ProviderConfig `yaml:"providers"`
	Telegram    TelegramConfig            `yaml:"telegram"`
	JobDefaults JobDefaults               `yaml:"job_defaults"`

	OTel otel.Config `yaml:"otel"`

	// NeedsGenesis is true when no config.yaml existed on disk and defaults
	// were written out for the operator to review.
	NeedsGenesis bool `yaml:"-"`
}

func defaults() Config {
	return Config{
		DBPath:    "conductor.db",
		VaultPath: "vault",
		LogLevel:  "info",
		LogFormat: "json",
		Host:      "127.0.0.1",
		Port:      8099,
		Providers: map[string]ProviderConfig{},
		JobDefaults: JobDefaults{
			Model:        "sonnet",
			TimeoutSec:   600,
			Sink:         "log",
			MaxQueueSize: 64,
		},
		OTel: otel.Config{
			Enabled:  false,
			Exporter: "stdout",
		},
	}
}

// HomeDir returns the conductor's home directory: $CONDUCTOR_HOME if set,
// else ~/.conductor.
func HomeDir() string {
	if v := os.Getenv("CONDUCTOR_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".conductor"
	}
	return filepath.Join(home, ".conductor")
}

// Load reads config.yaml from homeDir, applying defaults, env overrides,
// and normalization. If config.yaml does not exist, defaults are written
// out and NeedsGenesis is set.
func Load(homeDir string) (Config, error) {
	if homeDir == "" {
		homeDir = HomeDir()
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return Config{}, &shared.ConfigError{Field: "home_dir", Err: err}
	}

	cfg := defaults()
	cfg.ConfigPath = filepath.Join(homeDir, "config.yaml")

	raw, err := os.ReadFile(cfg.ConfigPath)
	switch {
	case err == nil:
		if uerr := yaml.Unmarshal(raw, &cfg); uerr != nil {
			return Config{}, &shared.ConfigError{Field: "config.yaml", Err: uerr}
		}
	case os.IsNotExist(err):
		cfg.NeedsGenesis = true
		if werr := writeDefault(cfg.ConfigPath, cfg); werr != nil {
			return Config{}, &shared.ConfigError{Field: "config.yaml", Err: werr}
		}
	default:
		return Config{}, &shared.ConfigError{Field: "config.yaml", Err: err}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, &shared.ConfigError{Field: "config", Err: err}
	}
	return cfg, nil
}

func writeDefault(path string, cfg Config) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o644)
}

// applyEnvOverrides layers well-known env vars over the parsed config.
// Environment always wins over the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("VAULT_PATH"); v != "" {
		cfg.VaultPath = v
	}
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		cfg.ConfigPath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}

	for provider, envVar := range map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
	} {
		if v := os.Getenv(envVar); v != "" {
			pc := cfg.Providers[provider]
			pc.APIKey = v
			cfg.Providers[provider] = pc
		}
	}
	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		pc := cfg.Providers["ollama"]
		pc.BaseURL = v
		cfg.Providers["ollama"] = pc
	}

	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Enabled = true
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("TELEGRAM_ALLOWED_CHAT_IDS"); v != "" {
		var ids []int64
		for _, tok := range strings.Split(v, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			if id, err := strconv.ParseInt(tok, 10, 64); err == nil {
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			cfg.Telegram.AllowedChatIDs = ids
		}
	}
}

// normalize fills in values that depend on other already-resolved fields
// and makes relative paths absolute against the home directory.
func normalize(cfg *Config) {
	home := filepath.Dir(cfg.ConfigPath)
	if !filepath.IsAbs(cfg.DBPath) {
		cfg.DBPath = filepath.Join(home, cfg.DBPath)
	}
	if !filepath.IsAbs(cfg.VaultPath) {
		cfg.VaultPath = filepath.Join(home, cfg.VaultPath)
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderConfig{}
	}
	if ollama, ok := cfg.Providers["ollama"]; !ok || ollama.BaseURL == "" {
		ollama.BaseURL = firstNonEmpty(ollama.BaseURL, "http://localhost:11434/v1")
		cfg.Providers["ollama"] = ollama
	}
	if cfg.JobDefaults.TimeoutSec <= 0 {
		cfg.JobDefaults.TimeoutSec = 600
	}
	if cfg.JobDefaults.MaxQueueSize <= 0 {
		cfg.JobDefaults.MaxQueueSize = 64
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func validate(cfg Config) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port %d", cfg.Port)
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}
	return nil
}

// ProviderAPIKey returns the resolved API key for the given provider name,
// or "" if none is configured.
func (c Config) ProviderAPIKey(provider string) string {
	return c.Providers[provider].APIKey
}

// ProviderBaseURL returns the resolved base URL override for the given
// provider, or "" if none is configured.
func (c Config) ProviderBaseURL(provider string) string {
	return c.Providers[provider].BaseURL
}

// JobTimeout returns the job-default timeout as a time.Duration.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.JobDefaults.TimeoutSec) * time.Second
}
