package backup

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Well-known secret storage account-data identifiers.
const (
	SSSSDefaultKeyEvent = "m.secret_storage.default_key"
	SSSSKeyEventPrefix  = "m.secret_storage.key."
	SSSSBackupSecret    = "m.megolm_backup.v1"
	SSSSAlgorithm       = "m.secret_storage.v1.aes-hmac-sha2"
)

// EncryptedSecret is the aes-hmac-sha2 payload stored in account data.
type EncryptedSecret struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	MAC        string `json:"mac"`
}

// ssssKeys derives the AES and HMAC keys for a named secret: HKDF-SHA256
// with a 32-byte zero salt and the secret name as info.
func ssssKeys(key []byte, secretName string) (aesKey, macKey []byte, err error) {
	salt := make([]byte, 32)
	out := make([]byte, 64)
	kdf := hkdf.New(sha256.New, key, salt, []byte(secretName))
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, nil, fmt.Errorf("hkdf: %w", err)
	}
	return out[:32], out[32:], nil
}

// DecryptSecret opens one secret-storage payload with the given storage
// key. The MAC covers the ciphertext and is checked before decryption.
func DecryptSecret(key []byte, secretName string, enc EncryptedSecret) ([]byte, error) {
	iv, err := decodeBase64(enc.IV)
	if err != nil || len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: iv", ErrMalformedEntry)
	}
	ciphertext, err := decodeBase64(enc.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext", ErrMalformedEntry)
	}
	wantMAC, err := decodeBase64(enc.MAC)
	if err != nil {
		return nil, fmt.Errorf("%w: mac", ErrMalformedEntry)
	}

	aesKey, macKey, err := ssssKeys(key, secretName)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, macKey)
	mac.Write(ciphertext)
	if !hmac.Equal(wantMAC, mac.Sum(nil)) {
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

// EncryptSecret is the inverse of DecryptSecret, used when bootstrapping
// secret storage for a fresh account.
func EncryptSecret(key []byte, secretName string, plaintext []byte) (EncryptedSecret, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return EncryptedSecret{}, fmt.Errorf("generate iv: %w", err)
	}
	// Matrix clears bit 63 of the IV to sidestep broken counter
	// implementations.
	iv[8] &= 0x7f

	aesKey, macKey, err := ssssKeys(key, secretName)
	if err != nil {
		return EncryptedSecret{}, err
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return EncryptedSecret{}, fmt.Errorf("aes: %w", err)
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, plaintext)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(ciphertext)

	return EncryptedSecret{
		IV:         encodeBase64(iv),
		Ciphertext: encodeBase64(ciphertext),
		MAC:        encodeBase64(mac.Sum(nil)),
	}, nil
}
