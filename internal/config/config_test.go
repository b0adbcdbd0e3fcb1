package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type mockSecrets struct {
	values map[string]string
}

func (m *mockSecrets) Get(key string) (string, error) {
	if v, ok := m.values[key]; ok {
		return v, nil
	}
	return "", errNoSecret
}

func (m *mockSecrets) Set(key, value string) error {
	if m.values == nil {
		m.values = make(map[string]string)
	}
	m.values[key] = value
	return nil
}

// clearEnv blanks every REPLYD_* variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

func writeTempConfig(t *testing.T, values map[string]any) *fileBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	data, err := json.Marshal(values)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return newFileBackend(path)
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, map[string]any{})
	cfg, err := loadWith(b, &mockSecrets{values: map[string]string{"provider.api_key": "sk-test"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Provider.BaseURL != "https://openrouter.ai/api/v1" {
		t.Errorf("Provider.BaseURL = %q", cfg.Provider.BaseURL)
	}
	if cfg.Provider.Model != "openai/gpt-4o-mini" {
		t.Errorf("Provider.Model = %q", cfg.Provider.Model)
	}
	if cfg.Provider.Temperature != 0.8 {
		t.Errorf("Provider.Temperature = %v, want 0.8", cfg.Provider.Temperature)
	}
	if cfg.Generation.Variants != 3 || cfg.Generation.MaxVariants != 5 {
		t.Errorf("Generation variants = %d/%d, want 3/5", cfg.Generation.Variants, cfg.Generation.MaxVariants)
	}
	if cfg.Generation.MaxMessageLength != 4000 {
		t.Errorf("Generation.MaxMessageLength = %d, want 4000", cfg.Generation.MaxMessageLength)
	}
	if d, _ := cfg.Generation.Timeout(); d != 90*time.Second {
		t.Errorf("Generation.Timeout = %s, want 90s", d)
	}
	if cfg.Quota.DefaultAllowance != 100 {
		t.Errorf("Quota.DefaultAllowance = %d, want 100", cfg.Quota.DefaultAllowance)
	}
	if cfg.Provider.APIKey != "sk-test" {
		t.Errorf("Provider.APIKey = %q, want secret store value", cfg.Provider.APIKey)
	}
}

func TestFileValues(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, map[string]any{
		"server.port":                  5000,
		"storage.data_dir":             "/tmp/replyd-test",
		"provider.model":               "anthropic/claude-3.5-haiku",
		"provider.temperature":         0.2,
		"generation.variants":          2,
		"generation.variant_timeout":   "30s",
		"generation.cost_per_1k_chars": "0.01",
		"quota.default_allowance":      7,
	})
	cfg, err := loadWith(b, &mockSecrets{values: map[string]string{"provider.api_key": "k"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if cfg.Storage.DataDir != "/tmp/replyd-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Provider.Model != "anthropic/claude-3.5-haiku" {
		t.Errorf("Provider.Model = %q", cfg.Provider.Model)
	}
	if cfg.Provider.Temperature != 0.2 {
		t.Errorf("Provider.Temperature = %v", cfg.Provider.Temperature)
	}
	if cfg.Generation.Variants != 2 {
		t.Errorf("Generation.Variants = %d", cfg.Generation.Variants)
	}
	if d, _ := cfg.Generation.Timeout(); d != 30*time.Second {
		t.Errorf("Generation.Timeout = %s", d)
	}
	if cfg.Generation.CostPer1KChars != 0.01 {
		t.Errorf("Generation.CostPer1KChars = %v", cfg.Generation.CostPer1KChars)
	}
	if cfg.Quota.DefaultAllowance != 7 {
		t.Errorf("Quota.DefaultAllowance = %d", cfg.Quota.DefaultAllowance)
	}
}

func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, map[string]any{"server.port": 5000})
	t.Setenv("REPLYD_SERVER_PORT", "6000")
	t.Setenv("REPLYD_PROVIDER_API_KEY", "env-key")
	t.Setenv("REPLYD_AUTH_TOKENS", "tok=acct")

	cfg, err := loadWith(b, &mockSecrets{values: map[string]string{"provider.api_key": "stored-key"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.Provider.APIKey != "env-key" {
		t.Errorf("Provider.APIKey = %q, want env-key", cfg.Provider.APIKey)
	}
	if cfg.Auth.Tokens != "tok=acct" {
		t.Errorf("Auth.Tokens = %q", cfg.Auth.Tokens)
	}
}

func TestBadEnvValueKeepsDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("REPLYD_SERVER_PORT", "not-a-port")
	t.Setenv("REPLYD_PROVIDER_API_KEY", "k")

	cfg, err := loadWith(writeTempConfig(t, map[string]any{}), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want default 4100", cfg.Server.Port)
	}
}

func TestMissingAPIKey(t *testing.T) {
	clearEnv(t)
	_, err := loadWith(writeTempConfig(t, map[string]any{}), &mockSecrets{})
	if err == nil {
		t.Fatal("expected error for missing API key, got nil")
	}
	if !strings.Contains(err.Error(), "missing required config") {
		t.Errorf("error = %q", err)
	}
}

func TestLocalProviderNeedsNoKey(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, map[string]any{"provider.base_url": "http://localhost:11434/v1"})
	if _, err := loadWith(b, &mockSecrets{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRanges(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, map[string]any{
		"generation.variants":        9,
		"generation.variant_timeout": "soon",
	})
	_, err := loadWith(b, &mockSecrets{values: map[string]string{"provider.api_key": "k"}})
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"generation.variants", "generation.variant_timeout"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestSetKey(t *testing.T) {
	b := writeTempConfig(t, map[string]any{})
	secrets := &mockSecrets{}

	if err := setKey(b, secrets, "server.port", "4200"); err != nil {
		t.Fatalf("setKey port: %v", err)
	}
	if err := setKey(b, secrets, "provider.temperature", "0.5"); err != nil {
		t.Fatalf("setKey temperature: %v", err)
	}
	if err := setKey(b, secrets, "provider.api_key", "sk-secret"); err != nil {
		t.Fatalf("setKey api key: %v", err)
	}

	reloaded := newFileBackend(b.path)
	if v, ok, _ := reloaded.GetInt("server.port"); !ok || v != 4200 {
		t.Errorf("server.port = %d (%v), want 4200", v, ok)
	}
	if _, ok, _ := reloaded.GetString("provider.api_key"); ok {
		t.Error("secret written to the config file")
	}
	if secrets.values["provider.api_key"] != "sk-secret" {
		t.Errorf("secret store = %v", secrets.values)
	}

	if err := setKey(b, secrets, "server.port", "abc"); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := setKey(b, secrets, "provider.temperature", "warm"); err == nil {
		t.Error("expected error for non-numeric temperature")
	}
	if err := setKey(b, secrets, "nope", "1"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestSecretFile(t *testing.T) {
	s := secretFile{path: filepath.Join(t.TempDir(), "replyd", "secrets.json")}
	if _, err := s.Get("provider.api_key"); err != errNoSecret {
		t.Fatalf("Get on missing file = %v, want errNoSecret", err)
	}
	if err := s.Set("provider.api_key", "sk-1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set("auth.tokens", "t=a"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, err := s.Get("provider.api_key"); err != nil || v != "sk-1" {
		t.Errorf("Get = %q, %v", v, err)
	}
	info, err := os.Stat(s.path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("secrets file mode = %o, want 600", perm)
	}
}

func TestShowAllMasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Provider.APIKey = "sk-or-v1-abcdef123456"
	for _, k := range ShowAll(cfg) {
		switch k.Key {
		case "provider.api_key":
			if k.Value != "sk-o****" {
				t.Errorf("api key shown as %q", k.Value)
			}
		case "auth.tokens":
			if k.Value != "(not set)" {
				t.Errorf("auth.tokens shown as %q", k.Value)
			}
		}
	}
	if len(ValidKeys()) != len(specs) {
		t.Errorf("ValidKeys = %d keys, want %d", len(ValidKeys()), len(specs))
	}
}

func TestIsSecret(t *testing.T) {
	for key, want := range map[string]bool{
		"provider.api_key": true,
		"auth.tokens":      true,
		"provider.model":   false,
		"no.such.key":      false,
	} {
		if got := IsSecret(key); got != want {
			t.Errorf("IsSecret(%q) = %v, want %v", key, got, want)
		}
	}
}
