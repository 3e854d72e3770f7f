package cryptostore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrBlobCorrupt is returned when a stored blob fails authentication,
// usually because the store was opened with the wrong pickle key.
var ErrBlobCorrupt = errors.New("cryptostore: blob authentication failed")

const blobInfo = "ember.cryptostore.blob.v1"

// blobCipher seals records as iv || ciphertext || hmac, AES-256-CTR with
// an HMAC-SHA256 over everything before the tag.
type blobCipher struct {
	aesKey []byte
	macKey []byte
}

func newBlobCipher(pickleKey []byte) (*blobCipher, error) {
	out := make([]byte, 64)
	kdf := hkdf.New(sha256.New, pickleKey, nil, []byte(blobInfo))
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, fmt.Errorf("derive blob keys: %w", err)
	}
	return &blobCipher{aesKey: out[:32], macKey: out[32:]}, nil
}

func (c *blobCipher) seal(plain []byte) ([]byte, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	block, err := aes.NewCipher(c.aesKey)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	out := make([]byte, aes.BlockSize+len(plain), aes.BlockSize+len(plain)+sha256.Size)
	copy(out, iv)
	cipher.NewCTR(block, iv).XORKeyStream(out[aes.BlockSize:], plain)

	mac := hmac.New(sha256.New, c.macKey)
	mac.Write(out)
	return mac.Sum(out), nil
}

func (c *blobCipher) open(blob []byte) ([]byte, error) {
	if len(blob) < aes.BlockSize+sha256.Size {
		return nil, ErrBlobCorrupt
	}
	body, tag := blob[:len(blob)-sha256.Size], blob[len(blob)-sha256.Size:]
	mac := hmac.New(sha256.New, c.macKey)
	mac.Write(body)
	if !hmac.Equal(tag, mac.Sum(nil)) {
		return nil, ErrBlobCorrupt
	}

	block, err := aes.NewCipher(c.aesKey)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	plain := make([]byte, len(body)-aes.BlockSize)
	cipher.NewCTR(block, body[:aes.BlockSize]).XORKeyStream(plain, body[aes.BlockSize:])
	return plain, nil
}
