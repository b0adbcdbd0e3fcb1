package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Provider   ProviderConfig
	Log        LogConfig
	Generation GenerationConfig
	Quota      QuotaConfig
	Auth       AuthConfig
	MCP        MCPConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type ProviderConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
}

type LogConfig struct {
	Level string
}

type GenerationConfig struct {
	Variants         int
	MaxVariants      int
	MaxMessageLength int
	FrameBuffer      int
	VariantTimeout   string
	CostPer1KChars   float64
}

// Timeout parses VariantTimeout.
func (g GenerationConfig) Timeout() (time.Duration, error) {
	d, err := time.ParseDuration(g.VariantTimeout)
	if err != nil {
		return 0, fmt.Errorf("generation.variant_timeout: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("generation.variant_timeout must be positive, got %s", d)
	}
	return d, nil
}

type QuotaConfig struct {
	DefaultAllowance int
}

type AuthConfig struct {
	// Tokens is a comma-separated list of token=account pairs.
	Tokens string
}

type MCPConfig struct {
	AccountID string
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 4100},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Provider: ProviderConfig{
			BaseURL:     "https://openrouter.ai/api/v1",
			Model:       "openai/gpt-4o-mini",
			Temperature: 0.8,
		},
		Log: LogConfig{Level: "info"},
		Generation: GenerationConfig{
			Variants:         3,
			MaxVariants:      5,
			MaxMessageLength: 4000,
			FrameBuffer:      8,
			VariantTimeout:   "90s",
			CostPer1KChars:   0.002,
		},
		Quota: QuotaConfig{DefaultAllowance: 100},
		MCP:   MCPConfig{AccountID: "local"},
	}
}

// Load reads configuration from the JSON file at ConfigFilePath, secrets
// from SecretsFilePath, and REPLYD_* environment variables, in increasing
// order of precedence.
func Load() (Config, error) {
	return loadWith(newFileBackend(ConfigFilePath()), secretFile{path: SecretsFilePath()})
}

// LoadUnchecked is Load without validation, for commands that only display
// or edit configuration.
func LoadUnchecked() Config {
	cfg := defaults()
	if err := populate(&cfg, newFileBackend(ConfigFilePath()), secretFile{path: SecretsFilePath()}); err != nil {
		return defaults()
	}
	return cfg
}

func loadWith(b Backend, secrets secretStore) (Config, error) {
	cfg := defaults()
	if err := populate(&cfg, b, secrets); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func populate(cfg *Config, b Backend, secrets secretStore) error {
	if err := applyBackend(cfg, b); err != nil {
		return err
	}
	applySecrets(cfg, secrets)
	applyEnvOverrides(cfg)
	return nil
}

// Validate checks required keys and value ranges.
func (c Config) Validate() error {
	var errs []error
	if c.Provider.APIKey == "" && !isLocal(c.Provider.BaseURL) {
		errs = append(errs, errors.New("missing required config: provider API key. "+
			"Set it via environment variable REPLYD_PROVIDER_API_KEY or `replyd config set provider.api_key <key>`"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	g := c.Generation
	if g.MaxVariants < 1 {
		errs = append(errs, fmt.Errorf("generation.max_variants must be at least 1, got %d", g.MaxVariants))
	}
	if g.Variants < 1 || g.Variants > g.MaxVariants {
		errs = append(errs, fmt.Errorf("generation.variants must be between 1 and generation.max_variants, got %d", g.Variants))
	}
	if g.MaxMessageLength < 1 {
		errs = append(errs, fmt.Errorf("generation.max_message_length must be positive, got %d", g.MaxMessageLength))
	}
	if g.CostPer1KChars < 0 {
		errs = append(errs, fmt.Errorf("generation.cost_per_1k_chars must not be negative, got %v", g.CostPer1KChars))
	}
	if _, err := g.Timeout(); err != nil {
		errs = append(errs, err)
	}
	if c.Quota.DefaultAllowance < 0 {
		errs = append(errs, fmt.Errorf("quota.default_allowance must not be negative, got %d", c.Quota.DefaultAllowance))
	}
	return errors.Join(errs...)
}

// isLocal reports whether the provider runs on this machine and therefore
// needs no key.
func isLocal(baseURL string) bool {
	u, err := url.Parse(baseURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
