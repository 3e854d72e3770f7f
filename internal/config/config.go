package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ember-chat/ember/internal/credentials"
)

const (
	appName    = "ember"
	configFile = "config.json"
)

// Config holds everything the engine needs to run. Secrets never live in
// the JSON file; they come from the OS keyring, with env overrides for
// headless deployments.
type Config struct {
	Homeserver   string `json:"homeserver"`
	CryptoDBPath string `json:"crypto_db_path"`

	// AutoVerify controls whether SAS codes are accepted without user
	// confirmation. Only sensible for trusted single-operator setups.
	AutoVerify bool `json:"auto_verify"`

	// AutoJoinInvites accepts room invites as they arrive.
	AutoJoinInvites bool `json:"auto_join_invites"`

	// BackupOnStart uploads held sessions to key backup after login.
	BackupOnStart bool `json:"backup_on_start"`

	PickleKey string `json:"-"`
}

// Load reads (or creates) the config file under the user config dir and
// resolves secrets.
func Load() (*Config, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, err
	}
	appDir := filepath.Join(configDir, appName)

	path := filepath.Join(appDir, configFile)
	var cfg Config

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else {
		cfg.CryptoDBPath = filepath.Join(appDir, "crypto")
		cfg.BackupOnStart = true
		if err := os.MkdirAll(appDir, 0700); err != nil {
			return nil, err
		}
		out, _ := json.MarshalIndent(cfg, "", "  ")
		_ = os.WriteFile(path, out, 0600)
	}

	cfg.PickleKey, err = credentials.LoadAppSecret("pickle_key")
	if err != nil {
		pickle := make([]byte, 32)
		if _, err := rand.Read(pickle); err != nil {
			return nil, err
		}
		cfg.PickleKey = base64.StdEncoding.EncodeToString(pickle)
		if err := credentials.StoreAppSecret("pickle_key", cfg.PickleKey); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EMBER_HOMESERVER"); v != "" {
		cfg.Homeserver = v
	}
	if v := os.Getenv("EMBER_CRYPTO_DB_PATH"); v != "" {
		cfg.CryptoDBPath = v
	}
	if v := os.Getenv("EMBER_PICKLE_KEY"); v != "" {
		cfg.PickleKey = v
	}
	if v := os.Getenv("EMBER_AUTO_VERIFY"); v != "" {
		cfg.AutoVerify = v == "1" || v == "true"
	}
	if v := os.Getenv("EMBER_AUTO_JOIN"); v != "" {
		cfg.AutoJoinInvites = v == "1" || v == "true"
	}
}

// PickleKeyBytes decodes the pickle key for the crypto store.
func (c *Config) PickleKeyBytes() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(c.PickleKey)
	if err != nil {
		return nil, fmt.Errorf("decode pickle key: %w", err)
	}
	return raw, nil
}
