package backup

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// BackupAlgorithm is the backup version algorithm we read and write.
const BackupAlgorithm = "m.megolm_backup.v1.curve25519-aes-sha2"

const (
	backupHKDFInfo = "m.megolm_backup.v1"
	macTruncated   = 8
)

// Version mirrors the server's /room_keys/version response.
type Version struct {
	Version   string `json:"version"`
	Algorithm string `json:"algorithm"`
	PublicKey string `json:"public_key"`
	Count     int    `json:"count"`
	Etag      string `json:"etag"`
}

// SessionData is one encrypted session entry as stored server-side.
type SessionData struct {
	Ephemeral  string `json:"ephemeral"`
	Ciphertext string `json:"ciphertext"`
	MAC        string `json:"mac"`
}

// PublicKeyFor derives the Curve25519 public key for a recovery key. The
// backup version registered on the server stores this public key, which
// is what lets a candidate recovery key be validated before any restore.
func PublicKeyFor(recoveryKey []byte) (string, error) {
	pub, err := curve25519.X25519(recoveryKey, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("derive backup public key: %w", err)
	}
	return encodeBase64(pub), nil
}

// VerifyRecoveryKey checks a candidate recovery key against the backup's
// registered public key.
func VerifyRecoveryKey(recoveryKey []byte, version *Version) error {
	pub, err := PublicKeyFor(recoveryKey)
	if err != nil {
		return err
	}
	if strings.TrimRight(pub, "=") != strings.TrimRight(version.PublicKey, "=") {
		return ErrPublicKeyMismatch
	}
	return nil
}

// EncryptSession encrypts an exported session key for upload: ECDH of a
// fresh ephemeral key against the backup public key, HKDF key expansion,
// AES-256-CTR, and a truncated HMAC-SHA256 over the ciphertext.
func EncryptSession(backupPublicKeyB64 string, sessionExport []byte) (SessionData, error) {
	backupPub, err := decodeBase64(backupPublicKeyB64)
	if err != nil || len(backupPub) != 32 {
		return SessionData{}, fmt.Errorf("%w: backup public key", ErrMalformedEntry)
	}

	ephPriv := make([]byte, 32)
	if _, err := rand.Read(ephPriv); err != nil {
		return SessionData{}, fmt.Errorf("generate ephemeral key: %w", err)
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return SessionData{}, fmt.Errorf("ephemeral public key: %w", err)
	}
	shared, err := curve25519.X25519(ephPriv, backupPub)
	if err != nil {
		return SessionData{}, fmt.Errorf("backup ecdh: %w", err)
	}

	aesKey, macKey, iv, err := expandBackupKeys(shared)
	if err != nil {
		return SessionData{}, err
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return SessionData{}, fmt.Errorf("aes: %w", err)
	}
	ciphertext := make([]byte, len(sessionExport))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, sessionExport)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(ciphertext)

	return SessionData{
		Ephemeral:  encodeBase64(ephPub),
		Ciphertext: encodeBase64(ciphertext),
		MAC:        encodeBase64(mac.Sum(nil)[:macTruncated]),
	}, nil
}

// DecryptSession reverses EncryptSession with the recovery key. Both the
// truncated and the full-length MAC encodings are accepted.
func DecryptSession(recoveryKey []byte, data SessionData) ([]byte, error) {
	ephPub, err := decodeBase64(data.Ephemeral)
	if err != nil || len(ephPub) != 32 {
		return nil, fmt.Errorf("%w: ephemeral key", ErrMalformedEntry)
	}
	ciphertext, err := decodeBase64(data.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext", ErrMalformedEntry)
	}
	wantMAC, err := decodeBase64(data.MAC)
	if err != nil {
		return nil, fmt.Errorf("%w: mac", ErrMalformedEntry)
	}

	shared, err := curve25519.X25519(recoveryKey, ephPub)
	if err != nil {
		return nil, fmt.Errorf("backup ecdh: %w", err)
	}
	aesKey, macKey, iv, err := expandBackupKeys(shared)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, macKey)
	mac.Write(ciphertext)
	full := mac.Sum(nil)
	ok := false
	switch len(wantMAC) {
	case macTruncated:
		ok = hmac.Equal(wantMAC, full[:macTruncated])
	case sha256.Size:
		ok = hmac.Equal(wantMAC, full)
	}
	if !ok {
		return nil, ErrBadMAC
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

func expandBackupKeys(shared []byte) (aesKey, macKey, iv []byte, err error) {
	out := make([]byte, 80)
	kdf := hkdf.New(sha256.New, shared, nil, []byte(backupHKDFInfo))
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, nil, nil, fmt.Errorf("hkdf: %w", err)
	}
	return out[:32], out[32:64], out[64:80], nil
}

func encodeBase64(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}

func decodeBase64(s string) ([]byte, error) {
	if b, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "=")); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
