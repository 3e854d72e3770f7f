package megolm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
)

// sessionKeyVersion prefixes the exported session key format:
// version || counter(4, big-endian) || ratchet(128) || ed25519 public(32).
const sessionKeyVersion = 0x02

const macLength = 8

// envelope is the wire form of one group message.
type envelope struct {
	SessionID  string `json:"session_id"`
	Index      uint32 `json:"index"`
	Ciphertext string `json:"ciphertext"`
	MAC        string `json:"mac"`
	Signature  string `json:"signature"`
}

// OutboundSession encrypts messages for one room. The session is rotated
// by the owner on membership changes, rotation policy lives with the
// caller.
type OutboundSession struct {
	RoomID      string   `json:"room_id"`
	Ratchet     *Ratchet `json:"ratchet"`
	SigningSeed []byte   `json:"signing_seed"`
}

// NewOutboundSession creates a fresh group session for a room.
func NewOutboundSession(roomID string) (*OutboundSession, error) {
	ratchet, err := NewRatchet()
	if err != nil {
		return nil, err
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate signing seed: %w", err)
	}
	return &OutboundSession{RoomID: roomID, Ratchet: ratchet, SigningSeed: seed}, nil
}

func (s *OutboundSession) signingKey() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(s.SigningSeed)
}

// ID is the session identifier, the base64 of the session's Ed25519
// public key.
func (s *OutboundSession) ID() string {
	pub := s.signingKey().Public().(ed25519.PublicKey)
	return encodeBase64(pub)
}

// MessageIndex reports the index the next message will use.
func (s *OutboundSession) MessageIndex() uint32 {
	return s.Ratchet.Counter
}

// SessionKey exports the ratchet at its current index for sharing with
// room members. A recipient importing this key can decrypt from the
// current index onward and nothing before it.
func (s *OutboundSession) SessionKey() string {
	pub := s.signingKey().Public().(ed25519.PublicKey)
	return exportKey(s.Ratchet, pub)
}

// Encrypt encrypts payload at the current ratchet index, advances the
// ratchet, and returns the base64 envelope.
func (s *OutboundSession) Encrypt(payload []byte) (string, error) {
	aesKey, macKey, iv, err := s.Ratchet.MessageKeys()
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return "", fmt.Errorf("aes: %w", err)
	}
	padded := pkcs7Pad(payload, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	env := envelope{
		SessionID:  s.ID(),
		Index:      s.Ratchet.Counter,
		Ciphertext: encodeBase64(out),
	}
	env.MAC = computeMAC(macKey, &env)
	env.Signature = encodeBase64(ed25519.Sign(s.signingKey(), signingInput(&env)))

	s.Ratchet.advance()

	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return encodeBase64(raw), nil
}

// InboundSession decrypts messages for a session key received via Olm or
// restored from backup. The ratchet only moves forward, an index it has
// passed is gone for good.
type InboundSession struct {
	ID              string   `json:"session_id"`
	RoomID          string   `json:"room_id"`
	SenderKey       string   `json:"sender_key"`
	SigningKey      []byte   `json:"signing_key"`
	Ratchet         *Ratchet `json:"ratchet"`
	FirstKnownIndex uint32   `json:"first_known_index"`
}

// NewInboundSession imports an exported session key. senderKey is the
// Curve25519 identity of the device that shared it, recorded for trust
// decisions but not used cryptographically here.
func NewInboundSession(roomID, senderKey, sessionKey string) (*InboundSession, error) {
	raw, err := decodeBase64(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSessionKey, err)
	}
	if len(raw) != 1+4+ratchetLen+ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: length %d", ErrMalformedSessionKey, len(raw))
	}
	if raw[0] != sessionKeyVersion {
		return nil, fmt.Errorf("%w: version %d", ErrMalformedSessionKey, raw[0])
	}

	ratchet := &Ratchet{Counter: binary.BigEndian.Uint32(raw[1:5])}
	if err := ratchet.SetBytes(raw[5 : 5+ratchetLen]); err != nil {
		return nil, err
	}
	signingKey := make([]byte, ed25519.PublicKeySize)
	copy(signingKey, raw[5+ratchetLen:])

	return &InboundSession{
		ID:              encodeBase64(signingKey),
		RoomID:          roomID,
		SenderKey:       senderKey,
		SigningKey:      signingKey,
		Ratchet:         ratchet,
		FirstKnownIndex: ratchet.Counter,
	}, nil
}

// Decrypt verifies and decrypts one envelope, returning the plaintext and
// its message index. Decryption advances the ratchet past the message, so
// replays and out-of-order delivery fail.
func (s *InboundSession) Decrypt(ciphertext string) ([]byte, uint32, error) {
	raw, err := decodeBase64(ciphertext)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.SessionID != s.ID {
		return nil, 0, fmt.Errorf("%w: envelope for session %s", ErrUnknownSession, env.SessionID)
	}

	sig, err := decodeBase64(env.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return nil, 0, fmt.Errorf("%w: bad signature encoding", ErrMalformedMessage)
	}
	if !ed25519.Verify(ed25519.PublicKey(s.SigningKey), signingInput(&env), sig) {
		return nil, 0, ErrBadSignature
	}

	if err := s.Ratchet.AdvanceTo(env.Index); err != nil {
		return nil, 0, err
	}

	aesKey, macKey, iv, err := s.Ratchet.MessageKeys()
	if err != nil {
		return nil, 0, err
	}
	expectedMAC, err := decodeBase64(computeMAC(macKey, &env))
	if err != nil {
		return nil, 0, ErrBadMAC
	}
	gotMAC, err := decodeBase64(env.MAC)
	if err != nil || !hmac.Equal(expectedMAC, gotMAC) {
		return nil, 0, ErrBadMAC
	}

	ct, err := decodeBase64(env.Ciphertext)
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, 0, fmt.Errorf("%w: bad ciphertext", ErrMalformedMessage)
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, 0, fmt.Errorf("aes: %w", err)
	}
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ct)
	plaintext, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return nil, 0, err
	}

	// Step past the consumed index so the same message cannot be
	// decrypted twice.
	s.Ratchet.advance()
	return plaintext, env.Index, nil
}

// Export re-serializes the session key at the ratchet's current index,
// used when uploading the session to backup.
func (s *InboundSession) Export() string {
	return exportKey(s.Ratchet, ed25519.PublicKey(s.SigningKey))
}

func exportKey(r *Ratchet, pub ed25519.PublicKey) string {
	out := make([]byte, 0, 1+4+ratchetLen+ed25519.PublicKeySize)
	out = append(out, sessionKeyVersion)
	out = binary.BigEndian.AppendUint32(out, r.Counter)
	out = append(out, r.Bytes()...)
	out = append(out, pub...)
	return encodeBase64(out)
}

func computeMAC(macKey []byte, env *envelope) string {
	mac := hmac.New(sha256.New, macKey)
	fmt.Fprintf(mac, "%s:%d:%s", env.SessionID, env.Index, env.Ciphertext)
	return encodeBase64(mac.Sum(nil)[:macLength])
}

func signingInput(env *envelope) []byte {
	return []byte(fmt.Sprintf("%s:%d:%s:%s", env.SessionID, env.Index, env.Ciphertext, env.MAC))
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+pad)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("%w: bad padding length", ErrMalformedMessage)
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize || pad > len(data) {
		return nil, fmt.Errorf("%w: bad padding", ErrMalformedMessage)
	}
	for _, b := range data[len(data)-pad:] {
		if b != byte(pad) {
			return nil, fmt.Errorf("%w: bad padding", ErrMalformedMessage)
		}
	}
	return data[:len(data)-pad], nil
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
