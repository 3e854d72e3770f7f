package olm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Message types on the wire. A session keeps sending pre-key messages
// until it has decrypted at least one reply, so a slow receiver can still
// bootstrap the session from any of them.
const (
	MessageTypePreKey = 0
	MessageTypeNormal = 1
)

const (
	infoRoot    = "OLM_ROOT"
	infoRatchet = "OLM_RATCHET"
	infoKeys    = "OLM_KEYS"

	macLength      = 8
	maxSkippedKeys = 128
)

// preKeyEnvelope wraps the first messages of a session with the key
// material the receiver needs to run the triple-DH on its side.
type preKeyEnvelope struct {
	IdentityKey string          `json:"identity_key"`
	BaseKey     string          `json:"base_key"`
	OneTimeKey  string          `json:"one_time_key"`
	Message     json.RawMessage `json:"message"`
}

// messageEnvelope is a single ratchet message.
type messageEnvelope struct {
	RatchetKey string `json:"ratchet_key"`
	Index      uint32 `json:"index"`
	PrevCount  uint32 `json:"prev_count"`
	Ciphertext string `json:"ciphertext"`
	MAC        string `json:"mac"`
}

// recvChain is one receiving chain, keyed by the peer's ratchet key that
// started it.
type recvChain struct {
	RatchetPub [32]byte `json:"ratchet_pub"`
	ChainKey   []byte   `json:"chain_key"`
	Index      uint32   `json:"index"`
}

// pendingPreKey carries the envelope fields repeated on every outbound
// message until the peer has demonstrably established the session.
type pendingPreKey struct {
	IdentityKey string `json:"identity_key"`
	BaseKey     string `json:"base_key"`
	OneTimeKey  string `json:"one_time_key"`
}

// Session is a double-ratchet channel with one remote device. All state is
// JSON-serializable so the store can persist it as an encrypted blob.
type Session struct {
	SessionID     string            `json:"session_id"`
	TheirIdentity [32]byte          `json:"their_identity"`
	RootKey       []byte            `json:"root_key"`
	SendRatchet   Curve25519KeyPair `json:"send_ratchet"`
	SendChainKey  []byte            `json:"send_chain_key"`
	SendIndex     uint32            `json:"send_index"`
	PrevSendCount uint32            `json:"prev_send_count"`
	RecvChains    []recvChain       `json:"recv_chains"`
	Skipped       map[string][]byte `json:"skipped"`
	Pending       *pendingPreKey    `json:"pending,omitempty"`
}

// NewOutboundSession establishes a session toward a remote device from its
// published identity key and a claimed one-time key. The first messages
// will be pre-key messages carrying the handshake material.
func NewOutboundSession(account *Account, theirIdentityB64, theirOneTimeB64 string) (*Session, error) {
	theirIdentity, err := DecodeCurve25519(theirIdentityB64)
	if err != nil {
		return nil, fmt.Errorf("peer identity key: %w", err)
	}
	theirOneTime, err := DecodeCurve25519(theirOneTimeB64)
	if err != nil {
		return nil, fmt.Errorf("peer one-time key: %w", err)
	}

	baseKey, err := GenerateCurve25519()
	if err != nil {
		return nil, fmt.Errorf("generate base key: %w", err)
	}
	ratchet, err := GenerateCurve25519()
	if err != nil {
		return nil, fmt.Errorf("generate ratchet key: %w", err)
	}

	dh1, err := account.IdentityKey.SharedSecret(theirOneTime)
	if err != nil {
		return nil, err
	}
	dh2, err := baseKey.SharedSecret(theirIdentity)
	if err != nil {
		return nil, err
	}
	dh3, err := baseKey.SharedSecret(theirOneTime)
	if err != nil {
		return nil, err
	}

	root, chain, err := deriveInitial(dh1, dh2, dh3)
	if err != nil {
		return nil, err
	}

	return &Session{
		SessionID:     sessionID(baseKey.Public, theirIdentity),
		TheirIdentity: theirIdentity,
		RootKey:       root,
		SendRatchet:   ratchet,
		SendChainKey:  chain,
		Skipped:       make(map[string][]byte),
		Pending: &pendingPreKey{
			IdentityKey: account.Curve25519Base64(),
			BaseKey:     baseKey.PublicBase64(),
			OneTimeKey:  theirOneTimeB64,
		},
	}, nil
}

// NewInboundSession creates a session from a received pre-key message and
// decrypts it. The referenced one-time key is consumed from the account;
// a second pre-key message claiming the same key fails with
// ErrUnknownOneTimeKey.
func NewInboundSession(account *Account, senderIdentityB64, ciphertext string) (*Session, []byte, error) {
	raw, err := decodeBase64(ciphertext)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	var env preKeyEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.IdentityKey != senderIdentityB64 {
		return nil, nil, fmt.Errorf("%w: identity key mismatch", ErrMalformedPayload)
	}

	theirIdentity, err := DecodeCurve25519(env.IdentityKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	theirBase, err := DecodeCurve25519(env.BaseKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	oneTimePub, err := DecodeCurve25519(env.OneTimeKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	oneTime, err := account.claimOneTimeKey(oneTimePub)
	if err != nil {
		return nil, nil, err
	}

	dh1, err := oneTime.SharedSecret(theirIdentity)
	if err != nil {
		return nil, nil, err
	}
	dh2, err := account.IdentityKey.SharedSecret(theirBase)
	if err != nil {
		return nil, nil, err
	}
	dh3, err := oneTime.SharedSecret(theirBase)
	if err != nil {
		return nil, nil, err
	}

	root, chain, err := deriveInitial(dh1, dh2, dh3)
	if err != nil {
		return nil, nil, err
	}

	sess := &Session{
		SessionID:     sessionID(theirBase, account.IdentityKey.Public),
		TheirIdentity: theirIdentity,
		RootKey:       root,
		Skipped:       make(map[string][]byte),
	}

	var inner messageEnvelope
	if err := json.Unmarshal(env.Message, &inner); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	theirRatchet, err := DecodeCurve25519(inner.RatchetKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	// The sender's initial chain becomes our first receiving chain.
	sess.RecvChains = []recvChain{{RatchetPub: theirRatchet, ChainKey: chain}}

	plaintext, err := sess.decryptEnvelope(&inner)
	if err != nil {
		return nil, nil, err
	}
	return sess, plaintext, nil
}

// Encrypt encrypts plaintext and returns the message type and the base64
// payload. Pre-key messages are emitted until the peer has replied.
func (s *Session) Encrypt(plaintext []byte) (int, string, error) {
	if s.SendChainKey == nil {
		if err := s.ratchetSendChain(); err != nil {
			return 0, "", err
		}
	}

	messageKey := hmacSHA256(s.SendChainKey, []byte{0x01})
	s.SendChainKey = hmacSHA256(s.SendChainKey, []byte{0x02})

	ciphertext, err := encryptWithKey(messageKey, plaintext)
	if err != nil {
		return 0, "", err
	}

	env := messageEnvelope{
		RatchetKey: s.SendRatchet.PublicBase64(),
		Index:      s.SendIndex,
		PrevCount:  s.PrevSendCount,
		Ciphertext: ciphertext,
	}
	env.MAC = computeMAC(messageKey, &env)
	s.SendIndex++

	inner, err := json.Marshal(env)
	if err != nil {
		return 0, "", fmt.Errorf("marshal message: %w", err)
	}

	if s.Pending != nil {
		outer, err := json.Marshal(preKeyEnvelope{
			IdentityKey: s.Pending.IdentityKey,
			BaseKey:     s.Pending.BaseKey,
			OneTimeKey:  s.Pending.OneTimeKey,
			Message:     inner,
		})
		if err != nil {
			return 0, "", fmt.Errorf("marshal pre-key message: %w", err)
		}
		return MessageTypePreKey, encodeBase64(outer), nil
	}
	return MessageTypeNormal, encodeBase64(inner), nil
}

// Decrypt decrypts a message of the given type. Once any message has been
// decrypted the session stops emitting pre-key messages.
func (s *Session) Decrypt(msgType int, ciphertext string) ([]byte, error) {
	raw, err := decodeBase64(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var inner messageEnvelope
	switch msgType {
	case MessageTypePreKey:
		var env preKeyEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if err := json.Unmarshal(env.Message, &inner); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
	case MessageTypeNormal:
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrMalformedPayload, msgType)
	}

	plaintext, err := s.decryptEnvelope(&inner)
	if err != nil {
		return nil, err
	}
	// The peer holds the session now, no need to keep re-sending the
	// handshake material.
	s.Pending = nil
	return plaintext, nil
}

func (s *Session) decryptEnvelope(env *messageEnvelope) ([]byte, error) {
	theirRatchet, err := DecodeCurve25519(env.RatchetKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if key, ok := s.Skipped[skippedKeyID(theirRatchet, env.Index)]; ok {
		plaintext, err := s.openEnvelope(key, env)
		if err != nil {
			return nil, err
		}
		delete(s.Skipped, skippedKeyID(theirRatchet, env.Index))
		return plaintext, nil
	}

	chain := s.findRecvChain(theirRatchet)
	if chain == nil {
		if err := s.ratchetRecvChain(theirRatchet, env.PrevCount); err != nil {
			return nil, err
		}
		chain = s.findRecvChain(theirRatchet)
	}

	if env.Index < chain.Index {
		return nil, fmt.Errorf("%w: message index %d already consumed", ErrWrongSession, env.Index)
	}
	if err := s.skipTo(chain, env.Index); err != nil {
		return nil, err
	}

	messageKey := hmacSHA256(chain.ChainKey, []byte{0x01})
	plaintext, err := s.openEnvelope(messageKey, env)
	if err != nil {
		return nil, err
	}
	chain.ChainKey = hmacSHA256(chain.ChainKey, []byte{0x02})
	chain.Index++
	return plaintext, nil
}

func (s *Session) openEnvelope(messageKey []byte, env *messageEnvelope) ([]byte, error) {
	expected, err := decodeBase64(computeMAC(messageKey, env))
	if err != nil {
		return nil, ErrBadMAC
	}
	got, err := decodeBase64(env.MAC)
	if err != nil || !hmac.Equal(expected, got) {
		return nil, ErrBadMAC
	}
	return decryptWithKey(messageKey, env.Ciphertext)
}

// ratchetSendChain rotates our sending ratchet against the peer's newest
// ratchet key and derives a fresh sending chain.
func (s *Session) ratchetSendChain() error {
	if len(s.RecvChains) == 0 {
		return fmt.Errorf("%w: no receiving chain to ratchet against", ErrWrongSession)
	}
	ratchet, err := GenerateCurve25519()
	if err != nil {
		return fmt.Errorf("generate ratchet key: %w", err)
	}
	latest := s.RecvChains[len(s.RecvChains)-1]
	shared, err := ratchet.SharedSecret(latest.RatchetPub)
	if err != nil {
		return err
	}
	root, chain, err := deriveRatchet(s.RootKey, shared)
	if err != nil {
		return err
	}
	s.RootKey = root
	s.SendRatchet = ratchet
	s.SendChainKey = chain
	s.PrevSendCount = s.SendIndex
	s.SendIndex = 0
	return nil
}

// ratchetRecvChain advances the root for a previously unseen peer ratchet
// key, first capturing any still-missing message keys on the old chain.
func (s *Session) ratchetRecvChain(theirRatchet [32]byte, prevCount uint32) error {
	if n := len(s.RecvChains); n > 0 {
		old := &s.RecvChains[n-1]
		if err := s.skipTo(old, prevCount); err != nil {
			return err
		}
	}
	shared, err := s.SendRatchet.SharedSecret(theirRatchet)
	if err != nil {
		return err
	}
	root, chain, err := deriveRatchet(s.RootKey, shared)
	if err != nil {
		return err
	}
	s.RootKey = root
	s.RecvChains = append(s.RecvChains, recvChain{RatchetPub: theirRatchet, ChainKey: chain})
	// A new chain from the peer means our sending chain is stale.
	s.SendChainKey = nil
	return nil
}

// skipTo stores the message keys for indexes [chain.Index, to) so
// out-of-order messages stay decryptable.
func (s *Session) skipTo(chain *recvChain, to uint32) error {
	if to > chain.Index+maxSkippedKeys {
		return fmt.Errorf("%w: gap of %d messages exceeds limit", ErrWrongSession, to-chain.Index)
	}
	for chain.Index < to {
		if len(s.Skipped) >= maxSkippedKeys {
			return fmt.Errorf("%w: too many skipped message keys", ErrWrongSession)
		}
		s.Skipped[skippedKeyID(chain.RatchetPub, chain.Index)] = hmacSHA256(chain.ChainKey, []byte{0x01})
		chain.ChainKey = hmacSHA256(chain.ChainKey, []byte{0x02})
		chain.Index++
	}
	return nil
}

func (s *Session) findRecvChain(ratchetPub [32]byte) *recvChain {
	for i := range s.RecvChains {
		if s.RecvChains[i].RatchetPub == ratchetPub {
			return &s.RecvChains[i]
		}
	}
	return nil
}

func sessionID(basePub, identityPub [32]byte) string {
	h := sha256.New()
	h.Write(basePub[:])
	h.Write(identityPub[:])
	return encodeBase64(h.Sum(nil))
}

func skippedKeyID(ratchetPub [32]byte, index uint32) string {
	return fmt.Sprintf("%s:%d", encodeBase64(ratchetPub[:]), index)
}

// deriveInitial turns the triple-DH output into the initial root and
// sending chain keys.
func deriveInitial(dh1, dh2, dh3 []byte) (root, chain []byte, err error) {
	secret := make([]byte, 0, 96)
	secret = append(secret, dh1...)
	secret = append(secret, dh2...)
	secret = append(secret, dh3...)
	return hkdfSplit(secret, nil, infoRoot)
}

// deriveRatchet advances the root key through one DH ratchet step.
func deriveRatchet(rootKey, shared []byte) (root, chain []byte, err error) {
	return hkdfSplit(shared, rootKey, infoRatchet)
}

func hkdfSplit(secret, salt []byte, info string) (a, b []byte, err error) {
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	out := make([]byte, 64)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, nil, fmt.Errorf("hkdf: %w", err)
	}
	return out[:32], out[32:], nil
}

// encryptWithKey expands a message key into AES-256-CBC material and
// encrypts plaintext with PKCS#7 padding.
func encryptWithKey(messageKey, plaintext []byte) (string, error) {
	aesKey, _, iv, err := expandMessageKey(messageKey)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return "", fmt.Errorf("aes: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return encodeBase64(out), nil
}

func decryptWithKey(messageKey []byte, ciphertext string) ([]byte, error) {
	raw, err := decodeBase64(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrMalformedPayload, len(raw))
	}
	aesKey, _, iv, err := expandMessageKey(messageKey)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, raw)
	return pkcs7Unpad(out, aes.BlockSize)
}

// computeMAC authenticates the envelope fields with the MAC key expanded
// from the message key, truncated to 8 bytes.
func computeMAC(messageKey []byte, env *messageEnvelope) string {
	_, macKey, _, err := expandMessageKey(messageKey)
	if err != nil {
		return ""
	}
	mac := hmac.New(sha256.New, macKey)
	fmt.Fprintf(mac, "%s:%d:%d:%s", env.RatchetKey, env.Index, env.PrevCount, env.Ciphertext)
	return encodeBase64(mac.Sum(nil)[:macLength])
}

func expandMessageKey(messageKey []byte) (aesKey, macKey, iv []byte, err error) {
	r := hkdf.New(sha256.New, messageKey, nil, []byte(infoKeys))
	out := make([]byte, 80)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, nil, nil, fmt.Errorf("hkdf: %w", err)
	}
	return out[:32], out[32:64], out[64:80], nil
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
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
		return nil, fmt.Errorf("%w: bad padding length", ErrMalformedPayload)
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize || pad > len(data) {
		return nil, fmt.Errorf("%w: bad padding", ErrMalformedPayload)
	}
	for _, b := range data[len(data)-pad:] {
		if subtle.ConstantTimeByteEq(b, byte(pad)) != 1 {
			return nil, fmt.Errorf("%w: bad padding", ErrMalformedPayload)
		}
	}
	return data[:len(data)-pad], nil
}
