package credentials

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const (
	serviceName    = "ember"
	keyAccessToken = "access_token"
	keyRecoveryKey = "recovery_key"
)

var ErrNotFound = errors.New("credentials: not found")

// SessionMetadata identifies a logged-in device.
type SessionMetadata struct {
	Homeserver string `json:"homeserver"`
	UserID     string `json:"user_id"`
	DeviceID   string `json:"device_id"`
}

// StoreSession writes the session metadata and access token to the OS
// keyring.
func StoreSession(meta SessionMetadata, accessToken string) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	if err := keyring.Set(serviceName, meta.UserID+":metadata", string(metaJSON)); err != nil {
		return fmt.Errorf("store metadata: %w", err)
	}
	if err := keyring.Set(serviceName, meta.UserID+":"+keyAccessToken, accessToken); err != nil {
		return fmt.Errorf("store access token: %w", err)
	}
	return nil
}

// LoadSession reads a stored session for the user.
func LoadSession(userID string) (SessionMetadata, string, error) {
	metaRaw, err := keyring.Get(serviceName, userID+":metadata")
	if err != nil {
		return SessionMetadata{}, "", ErrNotFound
	}
	var meta SessionMetadata
	if err := json.Unmarshal([]byte(metaRaw), &meta); err != nil {
		return SessionMetadata{}, "", fmt.Errorf("unmarshal metadata: %w", err)
	}
	token, err := keyring.Get(serviceName, userID+":"+keyAccessToken)
	if err != nil {
		return SessionMetadata{}, "", fmt.Errorf("load access token: %w", err)
	}
	return meta, token, nil
}

// DeleteSession drops all keyring entries for the user.
func DeleteSession(userID string) {
	_ = keyring.Delete(serviceName, userID+":metadata")
	_ = keyring.Delete(serviceName, userID+":"+keyAccessToken)
	_ = keyring.Delete(serviceName, userID+":"+keyRecoveryKey)
}

// StoreRecoveryKey keeps the backup recovery key in the keyring so a
// restore does not require retyping it.
func StoreRecoveryKey(userID, recoveryKey string) error {
	return keyring.Set(serviceName, userID+":"+keyRecoveryKey, recoveryKey)
}

// LoadRecoveryKey returns the stored recovery key for the user.
func LoadRecoveryKey(userID string) (string, error) {
	key, err := keyring.Get(serviceName, userID+":"+keyRecoveryKey)
	if err != nil {
		return "", ErrNotFound
	}
	return key, nil
}

// StoreAppSecret stores an application-level secret.
func StoreAppSecret(key, value string) error {
	return keyring.Set(serviceName, "app:"+key, value)
}

// LoadAppSecret reads an application-level secret.
func LoadAppSecret(key string) (string, error) {
	value, err := keyring.Get(serviceName, "app:"+key)
	if err != nil {
		return "", ErrNotFound
	}
	return value, nil
}
