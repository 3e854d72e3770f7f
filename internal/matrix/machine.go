package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ember-chat/ember/internal/cryptostore"
	"github.com/ember-chat/ember/internal/megolm"
	"github.com/ember-chat/ember/internal/olm"
)

// Event types the engine produces and consumes.
const (
	EventEncrypted         = "m.room.encrypted"
	EventRoomKey           = "m.room_key"
	EventForwardedRoomKey  = "m.forwarded_room_key"
	EventRoomKeyRequest    = "m.room_key_request"
	EventVerificationReq   = "m.key.verification.request"
	EventVerificationReady = "m.key.verification.ready"
	EventVerificationStart = "m.key.verification.start"
	EventVerificationAccpt = "m.key.verification.accept"
	EventVerificationKey   = "m.key.verification.key"
	EventVerificationMAC   = "m.key.verification.mac"
	EventVerificationDone  = "m.key.verification.done"
	EventVerificationCncl  = "m.key.verification.cancel"
)

const keyRequestCooldown = 5 * time.Minute

// Machine owns the account and all ratchet state. Every operation that
// advances a ratchet runs read-modify-persist under one lock; a ratchet
// advanced twice from a stale read is permanently corrupted.
type Machine struct {
	client  *Client
	store   *cryptostore.Store
	devices *deviceTracker
	logger  *slog.Logger

	mu      sync.Mutex
	account *olm.Account

	keysUploaded bool
}

// NewMachine loads the account from the store, creating one on first run.
func NewMachine(client *Client, store *cryptostore.Store, logger *slog.Logger) (*Machine, error) {
	account, err := store.LoadAccount()
	if errors.Is(err, cryptostore.ErrNotFound) {
		account, err = olm.NewAccount()
		if err == nil {
			err = store.SaveAccount(account)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	logger.Info("crypto engine ready",
		"user", client.UserID(),
		"device", client.DeviceID(),
		"identity_key", account.Curve25519Base64(),
	)
	return &Machine{
		client:  client,
		store:   store,
		devices: newDeviceTracker(client, store, logger),
		logger:  logger,
		account: account,
	}, nil
}

// IdentityKey returns our Curve25519 device key.
func (m *Machine) IdentityKey() string {
	return m.account.Curve25519Base64()
}

// FingerprintKey returns our Ed25519 device key.
func (m *Machine) FingerprintKey() string {
	return m.account.Ed25519Base64()
}

// Devices exposes the device tracker for other components.
func (m *Machine) Devices(ctx context.Context, userID string) (map[string]DeviceKeyInfo, error) {
	return m.devices.Devices(ctx, userID)
}

// InvalidateDevices drops cached device keys for a user.
func (m *Machine) InvalidateDevices(userID string) {
	m.devices.Invalidate(userID)
}

// MarkDeviceVerified records a device as verified in the trust store.
func (m *Machine) MarkDeviceVerified(userID, deviceID string) error {
	return m.devices.MarkVerified(userID, deviceID)
}

// EnsureKeysUploaded publishes our device keys once and tops up one-time
// keys to the target.
func (m *Machine) EnsureKeysUploaded(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deviceKeys map[string]any
	if !m.keysUploaded {
		var err error
		deviceKeys, err = m.account.DeviceKeys(m.client.UserID(), m.client.DeviceID())
		if err != nil {
			return err
		}
	}

	oneTimeKeys, err := m.account.GenerateOneTimeKeys(
		olm.DefaultOneTimeKeyTarget, m.client.UserID(), m.client.DeviceID(),
	)
	if err != nil {
		return err
	}

	if _, err := m.client.UploadKeys(ctx, deviceKeys, oneTimeKeys); err != nil {
		return err
	}
	m.account.MarkKeysPublished()
	m.keysUploaded = true
	return m.store.SaveAccount(m.account)
}

// MaintainOneTimeKeys replenishes the server-side pool when the sync loop
// reports it below half the target.
func (m *Machine) MaintainOneTimeKeys(ctx context.Context, serverCount int) error {
	if serverCount >= olm.DefaultOneTimeKeyTarget/2 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	missing := olm.DefaultOneTimeKeyTarget - serverCount
	oneTimeKeys, err := m.account.GenerateOneTimeKeys(missing, m.client.UserID(), m.client.DeviceID())
	if err != nil {
		return err
	}
	if _, err := m.client.UploadKeys(ctx, nil, oneTimeKeys); err != nil {
		return err
	}
	m.account.MarkKeysPublished()
	m.logger.Debug("replenished one-time keys", "count", missing)
	return m.store.SaveAccount(m.account)
}

// olmPayload is the authenticated plaintext inside an Olm-encrypted
// to-device message. The recipient checks the identity fields against the
// session it decrypted with.
type olmPayload struct {
	Type          string            `json:"type"`
	Content       map[string]any    `json:"content"`
	Sender        string            `json:"sender"`
	Recipient     string            `json:"recipient"`
	RecipientKeys map[string]string `json:"recipient_keys"`
	Keys          map[string]string `json:"keys"`
}

// claimOneTimeKey fetches and validates a signed one-time key for one
// device.
func (m *Machine) claimOneTimeKey(ctx context.Context, userID string, device DeviceKeyInfo) (string, error) {
	resp, err := m.client.ClaimKeys(ctx, map[string]map[string]string{
		userID: {device.DeviceID: "signed_curve25519"},
	})
	if err != nil {
		return "", err
	}
	for _, raw := range resp[userID][device.DeviceID] {
		var otk struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(raw, &otk); err != nil || otk.Key == "" {
			continue
		}
		return otk.Key, nil
	}
	return "", fmt.Errorf("%w: no one-time key for %s/%s", ErrNoOlmSession, userID, device.DeviceID)
}

// ensureOlmSession returns the most recent cached session for the
// device, bootstrapping one from a claimed one-time key if none exists.
func (m *Machine) ensureOlmSession(ctx context.Context, userID string, device DeviceKeyInfo) (*olm.Session, error) {
	sessions, err := m.store.OlmSessions(device.Curve25519())
	if err != nil {
		return nil, err
	}
	if len(sessions) > 0 {
		return sessions[0], nil
	}

	oneTimeKey, err := m.claimOneTimeKey(ctx, userID, device)
	if err != nil {
		return nil, err
	}
	session, err := olm.NewOutboundSession(m.account, device.Curve25519(), oneTimeKey)
	if err != nil {
		return nil, err
	}
	if err := m.store.SaveOlmSession(device.Curve25519(), session); err != nil {
		return nil, err
	}
	m.logger.Debug("created outbound olm session",
		"user", userID,
		"device", device.DeviceID,
	)
	return session, nil
}

// EncryptToDevice Olm-encrypts an event for one device and returns the
// m.room.encrypted content to send.
func (m *Machine) EncryptToDevice(ctx context.Context, userID string, device DeviceKeyInfo, eventType string, content map[string]any) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.encryptToDeviceLocked(ctx, userID, device, eventType, content)
}

func (m *Machine) encryptToDeviceLocked(ctx context.Context, userID string, device DeviceKeyInfo, eventType string, content map[string]any) (map[string]any, error) {
	session, err := m.ensureOlmSession(ctx, userID, device)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(olmPayload{
		Type:          eventType,
		Content:       content,
		Sender:        m.client.UserID(),
		Recipient:     userID,
		RecipientKeys: map[string]string{"ed25519": device.Ed25519()},
		Keys:          map[string]string{"ed25519": m.account.Ed25519Base64()},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal olm payload: %w", err)
	}

	msgType, ciphertext, err := session.Encrypt(payload)
	if err != nil {
		return nil, err
	}
	if err := m.store.SaveOlmSession(device.Curve25519(), session); err != nil {
		return nil, err
	}

	return map[string]any{
		"algorithm":  olm.AlgorithmOlm,
		"sender_key": m.account.Curve25519Base64(),
		"ciphertext": map[string]any{
			device.Curve25519(): map[string]any{
				"type": msgType,
				"body": ciphertext,
			},
		},
	}, nil
}

// DecryptToDevice decrypts an Olm m.room.encrypted to-device event,
// returning the inner event type, content, and the sender's Curve25519
// key. Cached sessions are tried newest first; a pre-key message that no
// session accepts bootstraps a new inbound session.
func (m *Machine) DecryptToDevice(ctx context.Context, ev ToDeviceEvent) (string, map[string]any, string, error) {
	var content struct {
		Algorithm  string `json:"algorithm"`
		SenderKey  string `json:"sender_key"`
		Ciphertext map[string]struct {
			Type int    `json:"type"`
			Body string `json:"body"`
		} `json:"ciphertext"`
	}
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return "", nil, "", fmt.Errorf("%w: %v", olm.ErrMalformedPayload, err)
	}
	if content.Algorithm != olm.AlgorithmOlm {
		return "", nil, "", fmt.Errorf("%w: algorithm %q", olm.ErrMalformedPayload, content.Algorithm)
	}
	message, ok := content.Ciphertext[m.account.Curve25519Base64()]
	if !ok {
		return "", nil, "", fmt.Errorf("%w: not encrypted for this device", olm.ErrMalformedPayload)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	plaintext, err := m.decryptOlmLocked(content.SenderKey, message.Type, message.Body)
	if err != nil {
		return "", nil, "", err
	}

	var payload olmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return "", nil, "", fmt.Errorf("%w: %v", olm.ErrMalformedPayload, err)
	}
	if payload.Recipient != m.client.UserID() {
		return "", nil, "", fmt.Errorf("%w: payload for %s", olm.ErrMalformedPayload, payload.Recipient)
	}
	if want := payload.RecipientKeys["ed25519"]; want != "" && want != m.account.Ed25519Base64() {
		return "", nil, "", fmt.Errorf("%w: recipient key mismatch", olm.ErrMalformedPayload)
	}
	return payload.Type, payload.Content, content.SenderKey, nil
}

func (m *Machine) decryptOlmLocked(senderKey string, msgType int, body string) ([]byte, error) {
	sessions, err := m.store.OlmSessions(senderKey)
	if err != nil {
		return nil, err
	}
	for _, session := range sessions {
		plaintext, err := session.Decrypt(msgType, body)
		if err == nil {
			if err := m.store.SaveOlmSession(senderKey, session); err != nil {
				return nil, err
			}
			return plaintext, nil
		}
	}

	if msgType != olm.MessageTypePreKey {
		return nil, fmt.Errorf("%w: %s", ErrNoOlmSession, senderKey)
	}
	session, plaintext, err := olm.NewInboundSession(m.account, senderKey, body)
	if err != nil {
		return nil, err
	}
	// The one-time key is consumed, losing the account write would leak
	// it for reuse.
	if err := m.store.SaveAccount(m.account); err != nil {
		return nil, err
	}
	if err := m.store.SaveOlmSession(senderKey, session); err != nil {
		return nil, err
	}
	m.logger.Debug("created inbound olm session", "sender_key", senderKey)
	return plaintext, nil
}

// CreateOutboundGroupSession creates, stores, and shares a fresh group
// session for the room, replacing any existing one.
func (m *Machine) CreateOutboundGroupSession(ctx context.Context, roomID string) (*megolm.OutboundSession, error) {
	session, err := m.createGroupSession(roomID)
	if err != nil {
		return nil, err
	}

	if err := m.shareGroupSession(ctx, roomID, session); err != nil {
		return nil, err
	}
	m.logger.Info("created outbound group session",
		"room", roomID,
		"session_id", session.ID(),
	)
	return session, nil
}

// createGroupSession replaces the room's sessions under the machine
// lock. Sharing happens outside it, EncryptToDevice takes the lock
// per device.
func (m *Machine) createGroupSession(roomID string) (*megolm.OutboundSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := megolm.NewOutboundSession(roomID)
	if err != nil {
		return nil, err
	}

	// Import our own copy so we can decrypt our own messages and back
	// them up like any other session.
	inbound, err := megolm.NewInboundSession(roomID, m.account.Curve25519Base64(), session.SessionKey())
	if err != nil {
		return nil, err
	}
	if err := m.store.SaveInboundMegolm(inbound); err != nil {
		return nil, err
	}
	if err := m.store.SaveOutboundMegolm(session); err != nil {
		return nil, err
	}
	return session, nil
}

// shareGroupSession delivers the session key to every verified-or-unknown
// device of every room member over Olm. Blacklisted devices and our own
// device are skipped. Per-device failures are logged and do not block
// the rest.
func (m *Machine) shareGroupSession(ctx context.Context, roomID string, session *megolm.OutboundSession) error {
	members, err := m.client.JoinedMembers(ctx, roomID)
	if err != nil {
		return err
	}

	roomKey := map[string]any{
		"algorithm":   olm.AlgorithmMegolm,
		"room_id":     roomID,
		"session_id":  session.ID(),
		"session_key": session.SessionKey(),
	}

	messages := make(map[string]map[string]any)
	for _, userID := range members {
		devices, err := m.devices.Devices(ctx, userID)
		if err != nil {
			m.logger.Warn("skipping member, device query failed", "user", userID, "err", err)
			continue
		}
		for deviceID, device := range devices {
			if userID == m.client.UserID() && deviceID == m.client.DeviceID() {
				continue
			}
			trust, err := m.devices.Trust(userID, deviceID)
			if err != nil {
				return err
			}
			if trust == cryptostore.TrustBlacklisted {
				continue
			}
			encrypted, err := m.EncryptToDevice(ctx, userID, device, EventRoomKey, roomKey)
			if err != nil {
				m.logger.Warn("failed to share room key",
					"user", userID,
					"device", deviceID,
					"err", err,
				)
				continue
			}
			if messages[userID] == nil {
				messages[userID] = make(map[string]any)
			}
			messages[userID][deviceID] = encrypted
		}
	}
	if len(messages) == 0 {
		return nil
	}
	return m.client.SendToDevice(ctx, EventEncrypted, messages)
}

// EncryptRoomEvent encrypts a room event with the room's outbound group
// session. Calling it without a session is a contract violation; create
// one first.
func (m *Machine) EncryptRoomEvent(ctx context.Context, roomID, eventType string, content map[string]any) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.store.OutboundMegolm(roomID)
	if errors.Is(err, cryptostore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoOutboundSession, roomID)
	}
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]any{
		"type":    eventType,
		"content": content,
		"room_id": roomID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal megolm payload: %w", err)
	}

	ciphertext, err := session.Encrypt(payload)
	if err != nil {
		return nil, err
	}
	if err := m.store.SaveOutboundMegolm(session); err != nil {
		return nil, err
	}

	return map[string]any{
		"algorithm":  olm.AlgorithmMegolm,
		"sender_key": m.account.Curve25519Base64(),
		"device_id":  m.client.DeviceID(),
		"session_id": session.ID(),
		"ciphertext": ciphertext,
	}, nil
}

// RotateOutboundGroupSession drops the room's outbound session, forcing
// a fresh one (and fresh shares) on next use. Called when membership
// changes.
func (m *Machine) RotateOutboundGroupSession(roomID string) error {
	return m.store.DeleteOutboundMegolm(roomID)
}

// DecryptRoomEvent decrypts an m.room.encrypted timeline event. A missing
// session triggers a (cooldown-limited) room key request and returns an
// error matching megolm.ErrUnknownSession.
func (m *Machine) DecryptRoomEvent(ctx context.Context, roomID string, ev RoomEvent) (string, map[string]any, error) {
	var content struct {
		Algorithm  string `json:"algorithm"`
		SenderKey  string `json:"sender_key"`
		SessionID  string `json:"session_id"`
		Ciphertext string `json:"ciphertext"`
	}
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return "", nil, fmt.Errorf("%w: %v", olm.ErrMalformedPayload, err)
	}
	if content.Algorithm != olm.AlgorithmMegolm {
		return "", nil, fmt.Errorf("%w: algorithm %q", olm.ErrMalformedPayload, content.Algorithm)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.store.InboundMegolm(content.SessionID)
	if errors.Is(err, cryptostore.ErrNotFound) {
		m.requestRoomKeyLocked(ctx, roomID, content.SenderKey, content.SessionID)
		return "", nil, fmt.Errorf("%w: %s", megolm.ErrUnknownSession, content.SessionID)
	}
	if err != nil {
		return "", nil, err
	}

	plaintext, index, err := session.Decrypt(content.Ciphertext)
	if err != nil {
		return "", nil, err
	}
	if err := m.store.SaveInboundMegolm(session); err != nil {
		return "", nil, err
	}

	var payload struct {
		Type    string         `json:"type"`
		Content map[string]any `json:"content"`
		RoomID  string         `json:"room_id"`
	}
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return "", nil, fmt.Errorf("%w: %v", olm.ErrMalformedPayload, err)
	}
	if payload.RoomID != "" && payload.RoomID != roomID {
		return "", nil, fmt.Errorf("%w: event claims room %s", olm.ErrMalformedPayload, payload.RoomID)
	}
	m.logger.Debug("decrypted room event",
		"room", roomID,
		"session_id", content.SessionID,
		"index", index,
	)
	return payload.Type, payload.Content, nil
}

// ImportRoomKey imports an m.room_key (or forwarded_room_key) content
// received over a secure channel.
func (m *Machine) ImportRoomKey(senderKey string, content map[string]any) error {
	algorithm, _ := content["algorithm"].(string)
	roomID, _ := content["room_id"].(string)
	sessionID, _ := content["session_id"].(string)
	sessionKey, _ := content["session_key"].(string)
	if algorithm != olm.AlgorithmMegolm || roomID == "" || sessionID == "" || sessionKey == "" {
		return fmt.Errorf("%w: incomplete room key", olm.ErrMalformedPayload)
	}

	session, err := megolm.NewInboundSession(roomID, senderKey, sessionKey)
	if err != nil {
		return err
	}
	if session.ID != sessionID {
		return fmt.Errorf("%w: session id mismatch", olm.ErrMalformedPayload)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.SaveInboundMegolm(session); err != nil {
		return err
	}
	m.logger.Info("imported room key", "room", roomID, "session_id", sessionID)
	return nil
}

// HandleRoomKeyRequest answers an m.room_key_request from another of our
// own verified devices by forwarding the session key over Olm. Requests
// from other users or unverified devices are ignored.
func (m *Machine) HandleRoomKeyRequest(ctx context.Context, sender string, content map[string]any) error {
	if sender != m.client.UserID() {
		return nil
	}
	action, _ := content["action"].(string)
	if action != "request" {
		return nil
	}
	deviceID, _ := content["requesting_device_id"].(string)
	body, _ := content["body"].(map[string]any)
	sessionID, _ := body["session_id"].(string)
	roomID, _ := body["room_id"].(string)
	if deviceID == "" || sessionID == "" || deviceID == m.client.DeviceID() {
		return nil
	}

	trust, err := m.devices.Trust(sender, deviceID)
	if err != nil {
		return err
	}
	if trust != cryptostore.TrustVerified {
		m.logger.Debug("ignoring key request from unverified device",
			"device", deviceID,
			"session_id", sessionID,
		)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.store.InboundMegolm(sessionID)
	if errors.Is(err, cryptostore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	devices, err := m.devices.Devices(ctx, sender)
	if err != nil {
		return err
	}
	device, ok := devices[deviceID]
	if !ok {
		return nil
	}

	forwarded := map[string]any{
		"algorithm":                       olm.AlgorithmMegolm,
		"room_id":                         roomID,
		"session_id":                      session.ID,
		"session_key":                     session.Export(),
		"sender_key":                      session.SenderKey,
		"forwarding_curve25519_key_chain": []string{m.account.Curve25519Base64()},
	}
	encrypted, err := m.encryptToDeviceLocked(ctx, sender, device, EventForwardedRoomKey, forwarded)
	if err != nil {
		return err
	}
	m.logger.Info("forwarding room key",
		"device", deviceID,
		"session_id", sessionID,
	)
	return m.client.SendToDevice(ctx, EventEncrypted, map[string]map[string]any{
		sender: {deviceID: encrypted},
	})
}

// requestRoomKeyLocked sends an m.room_key_request to our own devices,
// deduplicated by a wall-clock cooldown window. Advisory only; a double
// send is wasteful, not harmful.
func (m *Machine) requestRoomKeyLocked(ctx context.Context, roomID, senderKey, sessionID string) {
	last, err := m.store.LastKeyRequest(roomID, sessionID)
	if err != nil && !errors.Is(err, cryptostore.ErrNotFound) {
		m.logger.Warn("key request cooldown lookup failed", "err", err)
		return
	}
	if err == nil && time.Since(last) < keyRequestCooldown {
		return
	}

	content := map[string]any{
		"action":               "request",
		"requesting_device_id": m.client.DeviceID(),
		"request_id":           fmt.Sprintf("%s|%s", sessionID, time.Now().UTC().Format(time.RFC3339)),
		"body": map[string]any{
			"algorithm":  olm.AlgorithmMegolm,
			"room_id":    roomID,
			"sender_key": senderKey,
			"session_id": sessionID,
		},
	}
	err = m.client.SendToDevice(ctx, EventRoomKeyRequest, map[string]map[string]any{
		m.client.UserID(): {"*": content},
	})
	if err != nil {
		m.logger.Warn("room key request failed",
			"room", roomID,
			"session_id", sessionID,
			"err", err,
		)
		return
	}
	if err := m.store.MarkKeyRequest(roomID, sessionID, time.Now().UTC()); err != nil {
		m.logger.Warn("failed to record key request", "err", err)
	}
	m.logger.Info("requested room key", "room", roomID, "session_id", sessionID)
}
