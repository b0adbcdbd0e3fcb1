package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var errNoSecret = errors.New("secret not set")

// secretStore holds values that never go into the plain config file.
type secretStore interface {
	Get(key string) (string, error)
	Set(key, value string) error
}

// SecretsFilePath returns $XDG_DATA_HOME/replyd/secrets.json.
func SecretsFilePath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, appName, "secrets.json")
}

// secretFile is a 0600 JSON object of secret key to value.
type secretFile struct {
	path string
}

func (s secretFile) read() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var secrets map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func (s secretFile) Get(key string) (string, error) {
	secrets, err := s.read()
	if err != nil {
		if os.IsNotExist(err) {
			return "", errNoSecret
		}
		return "", err
	}
	v, ok := secrets[key]
	if !ok || v == "" {
		return "", errNoSecret
	}
	return v, nil
}

func (s secretFile) Set(key, value string) error {
	secrets, err := s.read()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if secrets == nil {
		secrets = make(map[string]string)
	}
	secrets[key] = value

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, out, 0o600)
}
