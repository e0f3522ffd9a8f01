package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// secretReader abstracts the secret store for testing.
type secretReader interface {
	Get(name string) (string, error)
}

func secretsFilePath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "ledger-insights", "secrets.yaml")
}

// secretsFile reads secrets from a flat YAML map kept outside the config
// file, readable only by its owner.
type secretsFile struct {
	path string
}

func (s secretsFile) Get(name string) (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", fmt.Errorf("secrets file not available: %w", err)
	}
	var secrets map[string]string
	if err := yaml.Unmarshal(data, &secrets); err != nil {
		return "", fmt.Errorf("parsing secrets file: %w", err)
	}
	val, ok := secrets[name]
	if !ok {
		return "", fmt.Errorf("secret %q not found", name)
	}
	return val, nil
}

// SetSecret writes a secret to the secrets file.
func SetSecret(name, value string) error {
	p := secretsFilePath()

	secrets := make(map[string]string)
	if data, err := os.ReadFile(p); err == nil {
		if err := yaml.Unmarshal(data, &secrets); err != nil {
			return fmt.Errorf("parsing secrets file: %w", err)
		}
	}
	secrets[name] = value

	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := yaml.Marshal(secrets)
	if err != nil {
		return err
	}
	return os.WriteFile(p, out, 0o600)
}
