package backup

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/ember-chat/ember/internal/canonicaljson"
)

// CrossSigningKeys is the master / self-signing / user-signing hierarchy.
// The master key signs the other two; the self-signing key signs our own
// devices and the user-signing key signs other users' master keys.
type CrossSigningKeys struct {
	MasterSeed      []byte `json:"master_seed"`
	SelfSigningSeed []byte `json:"self_signing_seed"`
	UserSigningSeed []byte `json:"user_signing_seed"`
}

// NewCrossSigningKeys generates a fresh hierarchy.
func NewCrossSigningKeys() (*CrossSigningKeys, error) {
	c := &CrossSigningKeys{}
	for _, seed := range []*[]byte{&c.MasterSeed, &c.SelfSigningSeed, &c.UserSigningSeed} {
		*seed = make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(*seed); err != nil {
			return nil, fmt.Errorf("generate cross-signing seed: %w", err)
		}
	}
	return c, nil
}

func publicB64(seed []byte) string {
	pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	return encodeBase64(pub)
}

// MasterPublicKey returns the base64 master public key, which doubles as
// its key ID.
func (c *CrossSigningKeys) MasterPublicKey() string { return publicB64(c.MasterSeed) }

// SelfSigningPublicKey returns the base64 self-signing public key.
func (c *CrossSigningKeys) SelfSigningPublicKey() string { return publicB64(c.SelfSigningSeed) }

// UserSigningPublicKey returns the base64 user-signing public key.
func (c *CrossSigningKeys) UserSigningPublicKey() string { return publicB64(c.UserSigningSeed) }

func signJSON(seed []byte, v any) (string, error) {
	canonical, err := canonicaljson.EncodeUnsigned(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	return encodeBase64(ed25519.Sign(ed25519.NewKeyFromSeed(seed), canonical)), nil
}

func keyObject(userID, usage string, seed []byte) map[string]any {
	pub := publicB64(seed)
	return map[string]any{
		"user_id": userID,
		"usage":   []string{usage},
		"keys":    map[string]string{"ed25519:" + pub: pub},
	}
}

// UploadContent builds the three signed key objects for
// /keys/device_signing/upload. The master key is self-contained; the
// subordinate keys carry master signatures.
func (c *CrossSigningKeys) UploadContent(userID string) (master, selfSigning, userSigning map[string]any, err error) {
	master = keyObject(userID, "master", c.MasterSeed)

	masterKeyID := "ed25519:" + c.MasterPublicKey()
	selfSigning = keyObject(userID, "self_signing", c.SelfSigningSeed)
	sig, err := signJSON(c.MasterSeed, selfSigning)
	if err != nil {
		return nil, nil, nil, err
	}
	selfSigning["signatures"] = map[string]map[string]string{userID: {masterKeyID: sig}}

	userSigning = keyObject(userID, "user_signing", c.UserSigningSeed)
	sig, err = signJSON(c.MasterSeed, userSigning)
	if err != nil {
		return nil, nil, nil, err
	}
	userSigning["signatures"] = map[string]map[string]string{userID: {masterKeyID: sig}}

	return master, selfSigning, userSigning, nil
}

// SignDeviceKeys adds a self-signing signature to one of our own device
// key objects, the upload shape for /keys/signatures/upload.
func (c *CrossSigningKeys) SignDeviceKeys(userID string, deviceKeys map[string]any) (map[string]any, error) {
	sig, err := signJSON(c.SelfSigningSeed, deviceKeys)
	if err != nil {
		return nil, err
	}
	signed := make(map[string]any, len(deviceKeys)+1)
	for k, v := range deviceKeys {
		signed[k] = v
	}
	signed["signatures"] = map[string]map[string]string{
		userID: {"ed25519:" + c.SelfSigningPublicKey(): sig},
	}
	return signed, nil
}
