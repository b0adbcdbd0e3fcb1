package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "REPLYD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "REPLYD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "provider.api_key", typ: kString, env: "REPLYD_PROVIDER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Provider.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.APIKey },
	},
	{
		key: "provider.base_url", typ: kString, env: "REPLYD_PROVIDER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Provider.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.BaseURL },
	},
	{
		key: "provider.model", typ: kString, env: "REPLYD_PROVIDER_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Provider.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.Model },
	},
	{
		key: "provider.temperature", typ: kFloat, env: "REPLYD_PROVIDER_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Provider.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Provider.Temperature },
	},
	{
		key: "log.level", typ: kString, env: "REPLYD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "generation.variants", typ: kInt, env: "REPLYD_GENERATION_VARIANTS",
		apply:   func(cfg *Config, v any) { cfg.Generation.Variants = v.(int) },
		extract: func(cfg Config) any { return cfg.Generation.Variants },
	},
	{
		key: "generation.max_variants", typ: kInt, env: "REPLYD_GENERATION_MAX_VARIANTS",
		apply:   func(cfg *Config, v any) { cfg.Generation.MaxVariants = v.(int) },
		extract: func(cfg Config) any { return cfg.Generation.MaxVariants },
	},
	{
		key: "generation.max_message_length", typ: kInt, env: "REPLYD_GENERATION_MAX_MESSAGE_LENGTH",
		apply:   func(cfg *Config, v any) { cfg.Generation.MaxMessageLength = v.(int) },
		extract: func(cfg Config) any { return cfg.Generation.MaxMessageLength },
	},
	{
		key: "generation.frame_buffer", typ: kInt, env: "REPLYD_GENERATION_FRAME_BUFFER",
		apply:   func(cfg *Config, v any) { cfg.Generation.FrameBuffer = v.(int) },
		extract: func(cfg Config) any { return cfg.Generation.FrameBuffer },
	},
	{
		key: "generation.variant_timeout", typ: kString, env: "REPLYD_GENERATION_VARIANT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Generation.VariantTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.VariantTimeout },
	},
	{
		key: "generation.cost_per_1k_chars", typ: kFloat, env: "REPLYD_GENERATION_COST_PER_1K_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Generation.CostPer1KChars = v.(float64) },
		extract: func(cfg Config) any { return cfg.Generation.CostPer1KChars },
	},
	{
		key: "quota.default_allowance", typ: kInt, env: "REPLYD_QUOTA_DEFAULT_ALLOWANCE",
		apply:   func(cfg *Config, v any) { cfg.Quota.DefaultAllowance = v.(int) },
		extract: func(cfg Config) any { return cfg.Quota.DefaultAllowance },
	},
	{
		key: "auth.tokens", typ: kString, env: "REPLYD_AUTH_TOKENS",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Auth.Tokens = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.Tokens },
	},
	{
		key: "mcp.account_id", typ: kString, env: "REPLYD_MCP_ACCOUNT_ID",
		apply:   func(cfg *Config, v any) { cfg.MCP.AccountID = v.(string) },
		extract: func(cfg Config) any { return cfg.MCP.AccountID },
	},
}

func lookup(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applySecrets(cfg *Config, secrets secretStore) {
	if secrets == nil {
		return
	}
	for _, s := range specs {
		if !s.secret {
			continue
		}
		if v, err := secrets.Get(s.key); err == nil {
			s.apply(cfg, v)
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
