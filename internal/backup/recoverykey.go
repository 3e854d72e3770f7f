// Package backup implements server-side key backup: recovery-key
// encoding, per-session backup encryption, encrypted secret storage, and
// the cross-signing key hierarchy.
package backup

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// Recovery keys are 32 random bytes wrapped as
// 0x8B 0x01 || key || parity, where parity is the XOR of every preceding
// byte, then Base58 encoded and displayed in four-character groups.
const (
	recoveryKeyPrefix1 = 0x8b
	recoveryKeyPrefix2 = 0x01
	recoveryKeyLen     = 32
	recoveryKeyWrapped = 2 + recoveryKeyLen + 1
)

// GenerateRecoveryKey mints a fresh recovery key and its display form.
func GenerateRecoveryKey() ([]byte, string, error) {
	key := make([]byte, recoveryKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, "", fmt.Errorf("generate recovery key: %w", err)
	}
	return key, EncodeRecoveryKey(key), nil
}

// EncodeRecoveryKey renders the 32-byte key in the user-displayable
// checksummed Base58 form.
func EncodeRecoveryKey(key []byte) string {
	wrapped := make([]byte, 0, recoveryKeyWrapped)
	wrapped = append(wrapped, recoveryKeyPrefix1, recoveryKeyPrefix2)
	wrapped = append(wrapped, key...)
	parity := byte(0)
	for _, b := range wrapped {
		parity ^= b
	}
	wrapped = append(wrapped, parity)

	encoded := base58.Encode(wrapped)
	var out strings.Builder
	for i, r := range encoded {
		if i > 0 && i%4 == 0 {
			out.WriteByte(' ')
		}
		out.WriteRune(r)
	}
	return out.String()
}

// DecodeRecoveryKey parses a user-supplied recovery key. Checksummed
// Base58 is the canonical form; a bare base64 encoding of the 32 key
// bytes is accepted as a fallback.
func DecodeRecoveryKey(s string) ([]byte, error) {
	compact := strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\n' {
			return -1
		}
		return r
	}, strings.TrimSpace(s))
	if compact == "" {
		return nil, fmt.Errorf("%w: empty input", ErrBadRecoveryKey)
	}

	if wrapped, err := base58.Decode(compact); err == nil && len(wrapped) == recoveryKeyWrapped {
		if wrapped[0] != recoveryKeyPrefix1 || wrapped[1] != recoveryKeyPrefix2 {
			return nil, fmt.Errorf("%w: bad prefix", ErrBadRecoveryKey)
		}
		parity := byte(0)
		for _, b := range wrapped[:recoveryKeyWrapped-1] {
			parity ^= b
		}
		if parity != wrapped[recoveryKeyWrapped-1] {
			return nil, fmt.Errorf("%w: parity check failed", ErrBadRecoveryKey)
		}
		return bytes.Clone(wrapped[2 : 2+recoveryKeyLen]), nil
	}

	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding} {
		if raw, err := enc.DecodeString(compact); err == nil && len(raw) == recoveryKeyLen {
			return raw, nil
		}
	}
	return nil, fmt.Errorf("%w: not base58 or base64", ErrBadRecoveryKey)
}
