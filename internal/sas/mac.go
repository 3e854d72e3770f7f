package sas

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	infoPrefixSAS = "MATRIX_KEY_VERIFICATION_SAS"
	infoPrefixMAC = "MATRIX_KEY_VERIFICATION_MAC"

	sasByteLength = 6
)

// sasInfo binds the derived SAS bytes to this exact exchange: both
// identities, both ephemeral keys, and the transaction ID, initiator
// first.
func sasInfo(initUser, initDevice, initKey, respUser, respDevice, respKey, txnID string) string {
	return strings.Join([]string{
		infoPrefixSAS, initUser, initDevice, initKey, respUser, respDevice, respKey, txnID,
	}, "|")
}

// macInfo is the base info string for MAC derivation, sender first. The
// per-key ID (or "KEY_IDS") is appended by the caller.
func macInfo(senderUser, senderDevice, recipientUser, recipientDevice, txnID string) string {
	return infoPrefixMAC + senderUser + senderDevice + recipientUser + recipientDevice + txnID
}

// deriveSAS expands the ECDH shared secret into the display bytes.
func deriveSAS(sharedSecret []byte, info string) ([]byte, error) {
	out := make([]byte, sasByteLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("derive sas bytes: %w", err)
	}
	return out, nil
}

// calculateMAC authenticates input with a key expanded from the shared
// secret under the given info string.
func calculateMAC(sharedSecret []byte, input, info string) (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret, nil, []byte(info)), key); err != nil {
		return "", fmt.Errorf("derive mac key: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(input))
	return base64.RawStdEncoding.EncodeToString(mac.Sum(nil)), nil
}
