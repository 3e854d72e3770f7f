package matrix

import (
	"context"
	"log/slog"
)

// AutoSetup bootstraps encryption for every one of the account's devices:
// it queries their keys and opens an Olm channel to each, so room keys
// can flow immediately. The whole run is idempotent.
type AutoSetup struct {
	client   *Client
	machine  *Machine
	verifier *Verifier
	logger   *slog.Logger
}

func NewAutoSetup(client *Client, machine *Machine, verifier *Verifier, logger *slog.Logger) *AutoSetup {
	return &AutoSetup{client: client, machine: machine, verifier: verifier, logger: logger}
}

// Run walks the device list and establishes a session per device. One
// unreachable device never blocks the rest; failures are logged per
// device.
func (a *AutoSetup) Run(ctx context.Context) error {
	if err := a.machine.EnsureKeysUploaded(ctx); err != nil {
		return err
	}

	devices, err := a.client.Devices(ctx)
	if err != nil {
		return err
	}
	keys, err := a.machine.Devices(ctx, a.client.UserID())
	if err != nil {
		return err
	}

	for _, device := range devices {
		if device.DeviceID == a.client.DeviceID() {
			continue
		}
		info, ok := keys[device.DeviceID]
		if !ok {
			// Keys may not be uploaded yet. A direct claim sometimes
			// surfaces a device the query missed, so try one before the
			// single re-query.
			claimed, claimErr := a.client.ClaimKeys(ctx, map[string]map[string]string{
				a.client.UserID(): {device.DeviceID: "signed_curve25519"},
			})
			if claimErr != nil || len(claimed[a.client.UserID()][device.DeviceID]) == 0 {
				a.logger.Debug("direct key claim came up empty",
					"device", device.DeviceID,
					"err", claimErr,
				)
			}
			a.machine.InvalidateDevices(a.client.UserID())
			keys, err = a.machine.Devices(ctx, a.client.UserID())
			if err != nil {
				a.logger.Warn("device key re-query failed", "err", err)
				continue
			}
			if info, ok = keys[device.DeviceID]; !ok {
				a.logger.Warn("device has no published keys, skipping",
					"device", device.DeviceID,
				)
				continue
			}
		}
		if err := a.setupDevice(ctx, info); err != nil {
			a.logger.Warn("device setup failed",
				"device", device.DeviceID,
				"err", err,
			)
		}
	}
	return nil
}

// setupDevice makes sure an Olm session exists toward one device.
func (a *AutoSetup) setupDevice(ctx context.Context, info DeviceKeyInfo) error {
	sessions, err := a.machine.store.OlmSessions(info.Curve25519())
	if err != nil {
		return err
	}
	if len(sessions) > 0 {
		return nil
	}

	a.machine.mu.Lock()
	_, err = a.machine.ensureOlmSession(ctx, a.client.UserID(), info)
	a.machine.mu.Unlock()
	if err != nil {
		return err
	}

	// Under an auto-accept policy our own devices are trusted outright;
	// otherwise trust waits for SAS verification.
	if a.verifier.autoAccept {
		if err := a.machine.MarkDeviceVerified(a.client.UserID(), info.DeviceID); err != nil {
			return err
		}
	}
	a.logger.Info("bootstrapped session to own device", "device", info.DeviceID)
	return nil
}
