package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

func secretsFilePath() string {
	return filepath.Join(defaultDataDir(), "secrets.json")
}

func readSecret(path, name string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var secrets map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return "", fmt.Errorf("parsing secrets file: %w", err)
	}
	v, ok := secrets[name]
	if !ok || v == "" {
		return "", fmt.Errorf("secret %q not found", name)
	}
	return v, nil
}

func writeSecret(path, name, value string) error {
	secrets := make(map[string]string)
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &secrets)
	}
	secrets[name] = value

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o600)
}

// APIToken returns the bearer token guarding the operational API. The
// HOSTRD_SERVER_API_TOKEN override wins; otherwise the token is read from the
// secrets file, generating and persisting one on first use.
func APIToken(cfg Config) (string, error) {
	return apiTokenAt(cfg, secretsFilePath())
}

func apiTokenAt(cfg Config, path string) (string, error) {
	return secretAt(path, "api_token", cfg.Server.APIToken, func() (string, error) {
		return strings.ReplaceAll(uuid.New().String(), "-", ""), nil
	})
}

// SigningKey returns the HMAC key tenant access tokens are signed with. It is
// resolved like APIToken: HOSTRD_SERVER_SIGNING_KEY, then the secrets file,
// then a fresh 256-bit key persisted on first use. Rotating it revokes every
// issued tenant token.
func SigningKey(cfg Config) (string, error) {
	return signingKeyAt(cfg, secretsFilePath())
}

func signingKeyAt(cfg Config, path string) (string, error) {
	return secretAt(path, "signing_key", cfg.Server.SigningKey, func() (string, error) {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return "", err
		}
		return hex.EncodeToString(b), nil
	})
}

func secretAt(path, name, override string, generate func() (string, error)) (string, error) {
	if override != "" {
		return override, nil
	}
	if v, err := readSecret(path, name); err == nil {
		return v, nil
	}
	v, err := generate()
	if err != nil {
		return "", fmt.Errorf("generating %s: %w", name, err)
	}
	if err := writeSecret(path, name, v); err != nil {
		return "", fmt.Errorf("storing %s: %w", name, err)
	}
	return v, nil
}
