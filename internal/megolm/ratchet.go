// Package megolm implements the group ratchet used for room messages: a
// four-part hash ratchet advanced per message, with message keys expanded
// from the full ratchet state.
package megolm

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	ratchetParts    = 4
	ratchetPartLen  = 32
	ratchetLen      = ratchetParts * ratchetPartLen
	messageKeyInfo  = "MEGOLM_KEYS"
	messageKeyBytes = 80
)

// Ratchet is the 128-byte group ratchet. Part i rolls over every 2^(8*(3-i))
// messages, so part 3 advances on every message and part 0 every 2^24.
type Ratchet struct {
	Data    [ratchetParts][ratchetPartLen]byte `json:"data"`
	Counter uint32                             `json:"counter"`
}

// NewRatchet returns a ratchet seeded with random data at counter zero.
func NewRatchet() (*Ratchet, error) {
	var r Ratchet
	for i := range r.Data {
		if _, err := rand.Read(r.Data[i][:]); err != nil {
			return nil, fmt.Errorf("seed ratchet: %w", err)
		}
	}
	return &r, nil
}

// rehash replaces part `to` with HMAC-SHA256 keyed by part `from` over the
// single byte `to`.
func (r *Ratchet) rehash(from, to int) {
	mac := hmac.New(sha256.New, r.Data[from][:])
	mac.Write([]byte{byte(to)})
	copy(r.Data[to][:], mac.Sum(nil))
}

// advance steps the ratchet by one message. Low parts are only re-derived
// when their counter byte rolls over, which is what makes sharing a
// mid-stream ratchet cheap.
func (r *Ratchet) advance() {
	r.Counter++
	mask := uint32(0x00ffffff)
	h := 0
	for h < ratchetParts {
		if r.Counter&mask == 0 {
			break
		}
		h++
		mask >>= 8
	}
	for i := ratchetParts - 1; i >= h; i-- {
		if i == h {
			r.rehash(h, h)
		} else {
			r.rehash(h, i)
		}
	}
}

// AdvanceTo steps forward until the counter reaches target. Stepping
// backwards is impossible, that is the point of the construction.
func (r *Ratchet) AdvanceTo(target uint32) error {
	if target < r.Counter {
		return fmt.Errorf("%w: ratchet at %d cannot reach %d", ErrRatchetRewind, r.Counter, target)
	}
	for r.Counter < target {
		r.advance()
	}
	return nil
}

// MessageKeys expands the current ratchet state into the AES key, MAC key
// and IV for the message at the current counter.
func (r *Ratchet) MessageKeys() (aesKey, macKey, iv []byte, err error) {
	flat := r.Bytes()
	kdf := hkdf.New(sha256.New, flat, nil, []byte(messageKeyInfo))
	out := make([]byte, messageKeyBytes)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, nil, nil, fmt.Errorf("hkdf: %w", err)
	}
	return out[:32], out[32:64], out[64:80], nil
}

// Bytes returns the concatenated ratchet parts.
func (r *Ratchet) Bytes() []byte {
	flat := make([]byte, 0, ratchetLen)
	for i := range r.Data {
		flat = append(flat, r.Data[i][:]...)
	}
	return flat
}

// SetBytes loads the ratchet parts from a 128-byte slice.
func (r *Ratchet) SetBytes(b []byte) error {
	if len(b) != ratchetLen {
		return fmt.Errorf("%w: ratchet length %d", ErrMalformedSessionKey, len(b))
	}
	for i := range r.Data {
		copy(r.Data[i][:], b[i*ratchetPartLen:])
	}
	return nil
}
