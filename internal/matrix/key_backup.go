package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ember-chat/ember/internal/backup"
	"github.com/ember-chat/ember/internal/cryptostore"
	"github.com/ember-chat/ember/internal/megolm"
)

// BackupManager owns the server-side key backup: creating a backup
// generation, uploading held sessions, and restoring from a recovery key
// with a secret-storage fallback.
type BackupManager struct {
	client  *Client
	machine *Machine
	store   *cryptostore.Store
	logger  *slog.Logger
}

func NewBackupManager(client *Client, machine *Machine, store *cryptostore.Store, logger *slog.Logger) *BackupManager {
	return &BackupManager{client: client, machine: machine, store: store, logger: logger}
}

// EnsureBackup makes sure a backup generation exists on the server. On
// first run it mints a recovery key, registers the backup version, and
// logs the display form once for the user to write down.
func (b *BackupManager) EnsureBackup(ctx context.Context) (*backup.Version, error) {
	version, err := b.client.BackupVersion(ctx)
	if err == nil {
		return version, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}

	recoveryKey, display, err := backup.GenerateRecoveryKey()
	if err != nil {
		return nil, err
	}
	publicKey, err := backup.PublicKeyFor(recoveryKey)
	if err != nil {
		return nil, err
	}
	versionID, err := b.client.CreateBackupVersion(ctx, publicKey)
	if err != nil {
		return nil, err
	}
	if err := b.store.SaveRecoveryKey(recoveryKey); err != nil {
		return nil, err
	}
	b.logger.Info("created key backup, store the recovery key somewhere safe",
		"version", versionID,
		"recovery_key", display,
	)
	return &backup.Version{
		Version:   versionID,
		Algorithm: backup.BackupAlgorithm,
		PublicKey: publicKey,
	}, nil
}

// UploadSessions encrypts every locally held inbound session for the
// backup and uploads them. A session that fails to encrypt is skipped and
// counted, never aborts the batch.
func (b *BackupManager) UploadSessions(ctx context.Context, version *backup.Version) (uploaded, skipped int, err error) {
	sessions, err := b.store.AllInboundMegolm()
	if err != nil {
		return 0, 0, err
	}
	if len(sessions) == 0 {
		return 0, 0, nil
	}

	rooms := make(map[string]BackupRoom)
	for _, session := range sessions {
		export, err := json.Marshal(sessionExport{
			Algorithm:  "m.megolm.v1.aes-sha2",
			RoomID:     session.RoomID,
			SenderKey:  session.SenderKey,
			SessionID:  session.ID,
			SessionKey: session.Export(),
			FirstIndex: session.FirstKnownIndex,
		})
		if err != nil {
			skipped++
			continue
		}
		data, err := backup.EncryptSession(version.PublicKey, export)
		if err != nil {
			b.logger.Warn("skipping session, backup encrypt failed",
				"session_id", session.ID,
				"err", err,
			)
			skipped++
			continue
		}
		room := rooms[session.RoomID]
		if room.Sessions == nil {
			room.Sessions = make(map[string]BackupSession)
		}
		room.Sessions[session.ID] = BackupSession{
			FirstMessageIndex: session.FirstKnownIndex,
			SessionData:       data,
		}
		rooms[session.RoomID] = room
		uploaded++
	}

	if err := b.client.PutRoomKeys(ctx, version.Version, rooms); err != nil {
		return 0, skipped, err
	}
	b.logger.Info("uploaded sessions to backup",
		"version", version.Version,
		"uploaded", uploaded,
		"skipped", skipped,
	)
	return uploaded, skipped, nil
}

// sessionExport is the plaintext form of one backed-up session.
type sessionExport struct {
	Algorithm  string `json:"algorithm"`
	RoomID     string `json:"room_id"`
	SenderKey  string `json:"sender_key"`
	SessionID  string `json:"session_id"`
	SessionKey string `json:"session_key"`
	FirstIndex uint32 `json:"first_message_index"`
}

// Restore validates the supplied recovery key against the backup's
// registered public key and imports every decryptable session. On a
// public-key mismatch it tries to resolve the real backup key through
// encrypted secret storage before failing. Corrupt entries are skipped
// and counted.
func (b *BackupManager) Restore(ctx context.Context, recoveryKeyInput string) (restored, skipped int, err error) {
	recoveryKey, err := backup.DecodeRecoveryKey(recoveryKeyInput)
	if err != nil {
		return 0, 0, err
	}

	version, err := b.client.BackupVersion(ctx)
	if err != nil {
		return 0, 0, err
	}

	if err := backup.VerifyRecoveryKey(recoveryKey, version); err != nil {
		resolved, ssssErr := b.resolveViaSecretStorage(ctx, recoveryKey, version)
		if ssssErr != nil {
			b.logger.Warn("secret storage resolution failed", "err", ssssErr)
			return 0, 0, err
		}
		recoveryKey = resolved
	}

	rooms, err := b.client.GetRoomKeys(ctx, version.Version)
	if err != nil {
		return 0, 0, err
	}

	for roomID, room := range rooms {
		for sessionID, entry := range room.Sessions {
			export, err := b.decryptEntry(recoveryKey, entry)
			if err != nil {
				b.logger.Warn("skipping corrupt backup entry",
					"room", roomID,
					"session_id", sessionID,
					"err", err,
				)
				skipped++
				continue
			}
			session, err := megolm.NewInboundSession(export.RoomID, export.SenderKey, export.SessionKey)
			if err != nil || session.ID != export.SessionID {
				skipped++
				continue
			}
			if err := b.store.SaveInboundMegolm(session); err != nil {
				return restored, skipped, err
			}
			restored++
		}
	}
	b.logger.Info("restored sessions from backup",
		"version", version.Version,
		"restored", restored,
		"skipped", skipped,
	)
	return restored, skipped, nil
}

func (b *BackupManager) decryptEntry(recoveryKey []byte, entry BackupSession) (*sessionExport, error) {
	plaintext, err := backup.DecryptSession(recoveryKey, entry.SessionData)
	if err != nil {
		return nil, err
	}
	var export sessionExport
	if err := json.Unmarshal(plaintext, &export); err != nil {
		return nil, fmt.Errorf("%w: %v", backup.ErrMalformedEntry, err)
	}
	if export.RoomID == "" || export.SessionID == "" || export.SessionKey == "" {
		return nil, fmt.Errorf("%w: incomplete export", backup.ErrMalformedEntry)
	}
	return &export, nil
}

// resolveViaSecretStorage treats the supplied key as a secret-storage key
// and tries to decrypt the real backup key out of account data.
func (b *BackupManager) resolveViaSecretStorage(ctx context.Context, candidateKey []byte, version *backup.Version) ([]byte, error) {
	var defaultKey struct {
		Key string `json:"key"`
	}
	if err := b.client.AccountData(ctx, backup.SSSSDefaultKeyEvent, &defaultKey); err != nil {
		return nil, err
	}
	if defaultKey.Key == "" {
		return nil, errors.New("no default secret storage key")
	}

	var secret struct {
		Encrypted map[string]backup.EncryptedSecret `json:"encrypted"`
	}
	if err := b.client.AccountData(ctx, backup.SSSSBackupSecret, &secret); err != nil {
		return nil, err
	}
	enc, ok := secret.Encrypted[defaultKey.Key]
	if !ok {
		return nil, fmt.Errorf("backup secret not encrypted under key %s", defaultKey.Key)
	}

	plaintext, err := backup.DecryptSecret(candidateKey, backup.SSSSBackupSecret, enc)
	if err != nil {
		return nil, err
	}
	// The stored secret is the base64 of the backup private key.
	resolved, err := backup.DecodeRecoveryKey(string(plaintext))
	if err != nil {
		return nil, err
	}
	if err := backup.VerifyRecoveryKey(resolved, version); err != nil {
		return nil, err
	}
	b.logger.Info("resolved backup key via secret storage")
	return resolved, nil
}

// BootstrapCrossSigning generates and uploads the cross-signing hierarchy
// if the store does not hold one yet, then signs our own device.
func (b *BackupManager) BootstrapCrossSigning(ctx context.Context) error {
	keys, err := b.store.CrossSigning()
	if errors.Is(err, cryptostore.ErrNotFound) {
		keys, err = backup.NewCrossSigningKeys()
		if err != nil {
			return err
		}
		master, selfSigning, userSigning, err := keys.UploadContent(b.client.UserID())
		if err != nil {
			return err
		}
		if err := b.client.UploadCrossSigningKeys(ctx, master, selfSigning, userSigning); err != nil {
			return err
		}
		if err := b.store.SaveCrossSigning(keys); err != nil {
			return err
		}
		b.logger.Info("bootstrapped cross-signing keys",
			"master_key", keys.MasterPublicKey(),
		)
	} else if err != nil {
		return err
	}

	deviceKeys, err := b.machine.account.DeviceKeys(b.client.UserID(), b.client.DeviceID())
	if err != nil {
		return err
	}
	signed, err := keys.SignDeviceKeys(b.client.UserID(), deviceKeys)
	if err != nil {
		return err
	}
	return b.client.UploadSignatures(ctx, map[string]map[string]any{
		b.client.UserID(): {b.client.DeviceID(): signed},
	})
}
