// Package cryptostore persists all E2EE state in a local Badger database:
// the account blob, Olm and Megolm sessions, the device trust table, and
// the sync cursor. Every blob is encrypted under a key derived from the
// caller-supplied pickle key before it touches disk.
package cryptostore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/ember-chat/ember/internal/backup"
	"github.com/ember-chat/ember/internal/megolm"
	"github.com/ember-chat/ember/internal/olm"
)

// Key families. Everything is scoped under the owning concern so prefix
// scans stay cheap.
const (
	keyAccount       = "account"
	keySyncToken     = "synctoken"
	keyCrossSigning  = "crosssigning"
	keyRecovery      = "recovery"
	prefixOlm        = "olm/"
	prefixMegolmIn   = "megolm/in/"
	prefixMegolmOut  = "megolm/out/"
	prefixTrust      = "trust/"
	prefixKeyRequest = "keyreq/"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("cryptostore: not found")

// TrustState is the tri-state verification status of a device.
type TrustState int

const (
	TrustUnverified TrustState = iota
	TrustVerified
	TrustBlacklisted
)

func (t TrustState) String() string {
	switch t {
	case TrustUnverified:
		return "unverified"
	case TrustVerified:
		return "verified"
	case TrustBlacklisted:
		return "blacklisted"
	}
	return fmt.Sprintf("TrustState(%d)", int(t))
}

// Store is the single source of truth for crypto state. Blob encryption
// keys are derived once at open time.
type Store struct {
	db     *badger.DB
	cipher *blobCipher
}

// Open opens (or creates) the database at path. pickleKey protects every
// stored blob; opening with a different key makes existing records
// undecryptable.
func Open(path string, pickleKey []byte) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open crypto store: %w", err)
	}
	cipher, err := newBlobCipher(pickleKey)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, cipher: cipher}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) put(key string, v any) error {
	plain, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	blob, err := s.cipher.seal(plain)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), blob)
	})
	if err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

func (s *Store) get(key string, v any) error {
	var blob []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		blob, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	plain, err := s.cipher.open(blob)
	if err != nil {
		return fmt.Errorf("decrypt %s: %w", key, err)
	}
	if err := json.Unmarshal(plain, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *Store) delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// scan decodes every record under prefix through fn.
func (s *Store) scan(prefix string, fn func(key string, plain []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			blob, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			plain, err := s.cipher.open(blob)
			if err != nil {
				return fmt.Errorf("decrypt %s: %w", item.Key(), err)
			}
			if err := fn(string(item.Key()), plain); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveAccount persists the account blob. Must be called after any
// operation that consumed a one-time key.
func (s *Store) SaveAccount(a *olm.Account) error {
	return s.put(keyAccount, a)
}

// LoadAccount returns the stored account, or ErrNotFound on first run.
func (s *Store) LoadAccount() (*olm.Account, error) {
	var a olm.Account
	if err := s.get(keyAccount, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// olmRecord wraps a session with its creation time so decrypt attempts
// can be ordered most-recent-first.
type olmRecord struct {
	CreatedAt time.Time    `json:"created_at"`
	Session   *olm.Session `json:"session"`
}

// SaveOlmSession persists one ratchet session keyed by the peer's
// Curve25519 identity. Ratchet state must be re-persisted after every
// encrypt or decrypt; a stale write replays key material.
func (s *Store) SaveOlmSession(peerKey string, sess *olm.Session) error {
	key := prefixOlm + peerKey + "/" + sess.SessionID
	var rec olmRecord
	if err := s.get(key, &rec); errors.Is(err, ErrNotFound) {
		rec.CreatedAt = time.Now().UTC()
	} else if err != nil {
		return err
	}
	rec.Session = sess
	return s.put(key, &rec)
}

// OlmSessions returns all sessions for a peer device, newest first.
func (s *Store) OlmSessions(peerKey string) ([]*olm.Session, error) {
	var recs []olmRecord
	err := s.scan(prefixOlm+peerKey+"/", func(_ string, plain []byte) error {
		var rec olmRecord
		if err := json.Unmarshal(plain, &rec); err != nil {
			return err
		}
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
	out := make([]*olm.Session, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Session)
	}
	return out, nil
}

// SaveInboundMegolm persists an inbound group session by its session ID.
func (s *Store) SaveInboundMegolm(sess *megolm.InboundSession) error {
	return s.put(prefixMegolmIn+sess.ID, sess)
}

// InboundMegolm loads one inbound group session.
func (s *Store) InboundMegolm(sessionID string) (*megolm.InboundSession, error) {
	var sess megolm.InboundSession
	if err := s.get(prefixMegolmIn+sessionID, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// AllInboundMegolm returns every stored inbound session, the working set
// for a backup upload.
func (s *Store) AllInboundMegolm() ([]*megolm.InboundSession, error) {
	var out []*megolm.InboundSession
	err := s.scan(prefixMegolmIn, func(_ string, plain []byte) error {
		var sess megolm.InboundSession
		if err := json.Unmarshal(plain, &sess); err != nil {
			return err
		}
		out = append(out, &sess)
		return nil
	})
	return out, err
}

// SaveOutboundMegolm persists the room's outbound group session.
func (s *Store) SaveOutboundMegolm(sess *megolm.OutboundSession) error {
	return s.put(prefixMegolmOut+sess.RoomID, sess)
}

// OutboundMegolm loads the room's outbound session, ErrNotFound if the
// room has none yet.
func (s *Store) OutboundMegolm(roomID string) (*megolm.OutboundSession, error) {
	var sess megolm.OutboundSession
	if err := s.get(prefixMegolmOut+roomID, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// DeleteOutboundMegolm drops a room's outbound session, forcing a new one
// on next encrypt. Called on membership changes.
func (s *Store) DeleteOutboundMegolm(roomID string) error {
	return s.delete(prefixMegolmOut + roomID)
}

// SetTrust records the verification status for a device.
func (s *Store) SetTrust(userID, deviceID string, state TrustState) error {
	return s.put(prefixTrust+userID+"/"+deviceID, state)
}

// Trust reports the verification status for a device, defaulting to
// unverified.
func (s *Store) Trust(userID, deviceID string) (TrustState, error) {
	var state TrustState
	err := s.get(prefixTrust+userID+"/"+deviceID, &state)
	if errors.Is(err, ErrNotFound) {
		return TrustUnverified, nil
	}
	return state, err
}

// SaveSyncToken persists the sync cursor.
func (s *Store) SaveSyncToken(token string) error {
	return s.put(keySyncToken, token)
}

// SyncToken returns the last persisted sync cursor, empty on first run.
func (s *Store) SyncToken() (string, error) {
	var token string
	err := s.get(keySyncToken, &token)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return token, err
}

// SaveCrossSigning persists the cross-signing key hierarchy.
func (s *Store) SaveCrossSigning(keys *backup.CrossSigningKeys) error {
	return s.put(keyCrossSigning, keys)
}

// CrossSigning loads the cross-signing keys, ErrNotFound before
// bootstrap.
func (s *Store) CrossSigning() (*backup.CrossSigningKeys, error) {
	var keys backup.CrossSigningKeys
	if err := s.get(keyCrossSigning, &keys); err != nil {
		return nil, err
	}
	return &keys, nil
}

// SaveRecoveryKey persists the backup recovery key.
func (s *Store) SaveRecoveryKey(key []byte) error {
	return s.put(keyRecovery, key)
}

// RecoveryKey loads the backup recovery key, ErrNotFound if none is
// stored.
func (s *Store) RecoveryKey() ([]byte, error) {
	var key []byte
	if err := s.get(keyRecovery, &key); err != nil {
		return nil, err
	}
	return key, nil
}

// keyRequestRecord tracks when a room key was last requested.
type keyRequestRecord struct {
	RoomID      string    `json:"room_id"`
	SessionID   string    `json:"session_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// LastKeyRequest returns when the given session key was last requested,
// ErrNotFound if never.
func (s *Store) LastKeyRequest(roomID, sessionID string) (time.Time, error) {
	var rec keyRequestRecord
	if err := s.get(prefixKeyRequest+roomID+"/"+sessionID, &rec); err != nil {
		return time.Time{}, err
	}
	return rec.RequestedAt, nil
}

// MarkKeyRequest records a room-key request for cooldown tracking.
func (s *Store) MarkKeyRequest(roomID, sessionID string, at time.Time) error {
	return s.put(prefixKeyRequest+roomID+"/"+sessionID, &keyRequestRecord{
		RoomID:      roomID,
		SessionID:   sessionID,
		RequestedAt: at,
	})
}
