package olm

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sort"

	"github.com/ember-chat/ember/internal/canonicaljson"
)

// DefaultOneTimeKeyTarget is how many one-time keys an account keeps
// available on the homeserver.
const DefaultOneTimeKeyTarget = 50

// AlgorithmOlm and AlgorithmMegolm are the algorithm names advertised in
// uploaded device keys.
const (
	AlgorithmOlm    = "m.olm.v1.curve25519-aes-sha2"
	AlgorithmMegolm = "m.megolm.v1.aes-sha2"
)

// OneTimeKey is a single-use Curve25519 key pair. Published marks keys the
// homeserver already knows about.
type OneTimeKey struct {
	ID        string            `json:"id"`
	Key       Curve25519KeyPair `json:"key"`
	Published bool              `json:"published"`
}

// Account is a device's long-term identity: a Curve25519 key pair for key
// agreement, an Ed25519 key pair for signing, and the one-time key pool.
// It is exclusively owned by one device and persisted as an opaque blob.
type Account struct {
	IdentityKey Curve25519KeyPair `json:"identity_key"`
	SigningSeed []byte            `json:"signing_seed"`
	OneTimeKeys []OneTimeKey      `json:"one_time_keys"`
	NextKeyID   uint64            `json:"next_key_id"`
}

// NewAccount generates a fresh long-term identity with an empty one-time
// key pool.
func NewAccount() (*Account, error) {
	identity, err := GenerateCurve25519()
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate signing seed: %w", err)
	}
	return &Account{
		IdentityKey: identity,
		SigningSeed: seed,
		NextKeyID:   1,
	}, nil
}

func (a *Account) signingKey() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(a.SigningSeed)
}

// Curve25519Base64 returns the device's Curve25519 identity key.
func (a *Account) Curve25519Base64() string {
	return a.IdentityKey.PublicBase64()
}

// Ed25519Base64 returns the device's Ed25519 fingerprint key.
func (a *Account) Ed25519Base64() string {
	pub := a.signingKey().Public().(ed25519.PublicKey)
	return encodeBase64(pub)
}

// SignJSON signs the canonical JSON form of v (minus signatures/unsigned)
// with the device Ed25519 key and returns the unpadded base64 signature.
func (a *Account) SignJSON(v any) (string, error) {
	canonical, err := canonicaljson.EncodeUnsigned(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	sig := ed25519.Sign(a.signingKey(), canonical)
	return encodeBase64(sig), nil
}

// DeviceKeys builds the signed device_keys object for /keys/upload.
func (a *Account) DeviceKeys(userID, deviceID string) (map[string]any, error) {
	keys := map[string]any{
		"user_id":    userID,
		"device_id":  deviceID,
		"algorithms": []string{AlgorithmOlm, AlgorithmMegolm},
		"keys": map[string]string{
			"curve25519:" + deviceID: a.Curve25519Base64(),
			"ed25519:" + deviceID:    a.Ed25519Base64(),
		},
	}
	sig, err := a.SignJSON(keys)
	if err != nil {
		return nil, fmt.Errorf("sign device keys: %w", err)
	}
	keys["signatures"] = map[string]map[string]string{
		userID: {"ed25519:" + deviceID: sig},
	}
	return keys, nil
}

// GenerateOneTimeKeys adds n keys to the pool and returns the full set of
// unpublished keys in upload form, each signed over its canonical JSON.
// Keys in the returned map are "signed_curve25519:<key_id>".
func (a *Account) GenerateOneTimeKeys(n int, userID, deviceID string) (map[string]any, error) {
	for i := 0; i < n; i++ {
		kp, err := GenerateCurve25519()
		if err != nil {
			return nil, fmt.Errorf("generate one-time key: %w", err)
		}
		a.OneTimeKeys = append(a.OneTimeKeys, OneTimeKey{
			ID:  fmt.Sprintf("AAAA%d", a.NextKeyID),
			Key: kp,
		})
		a.NextKeyID++
	}

	signed := make(map[string]any)
	for _, otk := range a.OneTimeKeys {
		if otk.Published {
			continue
		}
		entry := map[string]any{"key": otk.Key.PublicBase64()}
		sig, err := a.SignJSON(entry)
		if err != nil {
			return nil, fmt.Errorf("sign one-time key %s: %w", otk.ID, err)
		}
		entry["signatures"] = map[string]map[string]string{
			userID: {"ed25519:" + deviceID: sig},
		}
		signed["signed_curve25519:"+otk.ID] = entry
	}
	return signed, nil
}

// MarkKeysPublished flags every pooled key as known to the homeserver.
func (a *Account) MarkKeysPublished() {
	for i := range a.OneTimeKeys {
		a.OneTimeKeys[i].Published = true
	}
}

// UnpublishedCount reports how many pooled keys have not been uploaded yet.
func (a *Account) UnpublishedCount() int {
	n := 0
	for _, otk := range a.OneTimeKeys {
		if !otk.Published {
			n++
		}
	}
	return n
}

// claimOneTimeKey removes and returns the pooled key matching the given
// public key. Each key can be claimed exactly once.
func (a *Account) claimOneTimeKey(pub [32]byte) (Curve25519KeyPair, error) {
	for i, otk := range a.OneTimeKeys {
		if otk.Key.Public == pub {
			a.OneTimeKeys = append(a.OneTimeKeys[:i], a.OneTimeKeys[i+1:]...)
			return otk.Key, nil
		}
	}
	return Curve25519KeyPair{}, ErrUnknownOneTimeKey
}

// KeyIDs returns the pooled key IDs in stable order, mostly for tests and
// diagnostics.
func (a *Account) KeyIDs() []string {
	ids := make([]string, 0, len(a.OneTimeKeys))
	for _, otk := range a.OneTimeKeys {
		ids = append(ids, otk.ID)
	}
	sort.Strings(ids)
	return ids
}
