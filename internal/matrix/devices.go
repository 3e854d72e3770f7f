package matrix

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"time"

	"github.com/ember-chat/ember/internal/cache"
	"github.com/ember-chat/ember/internal/canonicaljson"
	"github.com/ember-chat/ember/internal/cryptostore"
	"github.com/ember-chat/ember/internal/olm"
)

// deviceTracker caches /keys/query results and answers trust questions.
// Entries are invalidated by device_lists deltas from sync.
type deviceTracker struct {
	client *Client
	store  *cryptostore.Store
	logger *slog.Logger
	cache  *cache.Loader[map[string]DeviceKeyInfo]
}

func newDeviceTracker(client *Client, store *cryptostore.Store, logger *slog.Logger) *deviceTracker {
	return &deviceTracker{
		client: client,
		store:  store,
		logger: logger,
		cache:  cache.NewLoader[map[string]DeviceKeyInfo](5 * time.Minute),
	}
}

// Devices returns the user's devices with verified self-signatures.
// Devices whose signature does not check out are dropped, not surfaced.
func (d *deviceTracker) Devices(ctx context.Context, userID string) (map[string]DeviceKeyInfo, error) {
	return d.cache.Get(userID, func() (map[string]DeviceKeyInfo, error) {
		resp, err := d.client.QueryKeys(ctx, map[string][]string{userID: {}})
		if err != nil {
			return nil, err
		}
		devices := make(map[string]DeviceKeyInfo, len(resp[userID]))
		for deviceID, info := range resp[userID] {
			if err := verifyDeviceSignature(&info); err != nil {
				d.logger.Warn("dropping device with bad key signature",
					"user", userID,
					"device", deviceID,
					"err", err,
				)
				continue
			}
			devices[deviceID] = info
		}
		return devices, nil
	})
}

// Invalidate drops the cached keys for a user after a device-list change.
func (d *deviceTracker) Invalidate(userID string) {
	d.cache.Invalidate(userID)
}

// Trust returns the stored verification state for a device.
func (d *deviceTracker) Trust(userID, deviceID string) (cryptostore.TrustState, error) {
	return d.store.Trust(userID, deviceID)
}

// MarkVerified records a device as verified.
func (d *deviceTracker) MarkVerified(userID, deviceID string) error {
	return d.store.SetTrust(userID, deviceID, cryptostore.TrustVerified)
}

// MarkBlacklisted records a device as blacklisted; it will never receive
// room keys.
func (d *deviceTracker) MarkBlacklisted(userID, deviceID string) error {
	return d.store.SetTrust(userID, deviceID, cryptostore.TrustBlacklisted)
}

// verifyDeviceSignature checks the device's Ed25519 self-signature over
// its canonical key object.
func verifyDeviceSignature(info *DeviceKeyInfo) error {
	fingerprint := info.Ed25519()
	if fingerprint == "" {
		return fmt.Errorf("no ed25519 key")
	}
	sigB64, ok := info.Signatures[info.UserID]["ed25519:"+info.DeviceID]
	if !ok {
		return fmt.Errorf("no self-signature")
	}

	pub, err := olm.DecodeBase64(fingerprint)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("bad ed25519 key encoding")
	}
	sig, err := olm.DecodeBase64(sigB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("bad signature encoding")
	}

	canonical, err := canonicaljson.EncodeUnsigned(map[string]any{
		"user_id":    info.UserID,
		"device_id":  info.DeviceID,
		"algorithms": info.Algorithms,
		"keys":       info.Keys,
	})
	if err != nil {
		return fmt.Errorf("canonicalize device keys: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), canonical, sig) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}
