package olm

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Curve25519KeyPair holds a clamped X25519 scalar and its public point.
type Curve25519KeyPair struct {
	Private [32]byte `json:"private"`
	Public  [32]byte `json:"public"`
}

// GenerateCurve25519 returns a fresh X25519 key pair.
func GenerateCurve25519() (Curve25519KeyPair, error) {
	var kp Curve25519KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return kp, fmt.Errorf("read random: %w", err)
	}
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64

	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return kp, fmt.Errorf("derive public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret computes X25519(private, peer).
func (kp Curve25519KeyPair) SharedSecret(peer [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(kp.Private[:], peer[:])
	if err != nil {
		return nil, fmt.Errorf("x25519: %w", err)
	}
	return shared, nil
}

// PublicBase64 returns the unpadded base64 form used on the wire.
func (kp Curve25519KeyPair) PublicBase64() string {
	return base64.RawStdEncoding.EncodeToString(kp.Public[:])
}

// DecodeCurve25519 parses an unpadded (or padded) base64 public key.
func DecodeCurve25519(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := decodeBase64(s)
	if err != nil {
		return out, fmt.Errorf("decode curve25519 key: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("curve25519 key is %d bytes, want 32", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// EncodeBase64 renders bytes in the unpadded base64 wire form.
func EncodeBase64(b []byte) string { return encodeBase64(b) }

// DecodeBase64 accepts both padded and unpadded standard base64.
func DecodeBase64(s string) ([]byte, error) { return decodeBase64(s) }

func encodeBase64(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}

// decodeBase64 accepts both padded and unpadded standard base64, as Matrix
// peers are inconsistent about padding.
func decodeBase64(s string) ([]byte, error) {
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
