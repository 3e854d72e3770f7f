package cryptostore

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ember-chat/ember/internal/megolm"
	"github.com/ember-chat/ember/internal/olm"
)

var testPickleKey = bytes.Repeat([]byte{0x5a}, 32)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir(), testPickleKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAccountRoundTrip(t *testing.T) {
	store := openStore(t)

	_, err := store.LoadAccount()
	require.ErrorIs(t, err, ErrNotFound)

	acct, err := olm.NewAccount()
	require.NoError(t, err)
	_, err = acct.GenerateOneTimeKeys(2, "@u:example.org", "DEV")
	require.NoError(t, err)
	require.NoError(t, store.SaveAccount(acct))

	loaded, err := store.LoadAccount()
	require.NoError(t, err)
	require.Equal(t, acct.Curve25519Base64(), loaded.Curve25519Base64())
	require.Equal(t, acct.Ed25519Base64(), loaded.Ed25519Base64())
	require.Equal(t, acct.KeyIDs(), loaded.KeyIDs())
}

func TestWrongPickleKeyFailsClosed(t *testing.T) {
	dir := t.TempDir()

	store, err := Open(dir, testPickleKey)
	require.NoError(t, err)
	acct, err := olm.NewAccount()
	require.NoError(t, err)
	require.NoError(t, store.SaveAccount(acct))
	require.NoError(t, store.Close())

	reopened, err := Open(dir, bytes.Repeat([]byte{0x77}, 32))
	require.NoError(t, err)
	defer reopened.Close()

	_, err = reopened.LoadAccount()
	require.ErrorIs(t, err, ErrBlobCorrupt)
}

func TestOlmSessionsNewestFirst(t *testing.T) {
	store := openStore(t)
	const peer = "peer-curve25519-key"

	older := &olm.Session{SessionID: "older"}
	newer := &olm.Session{SessionID: "newer"}
	require.NoError(t, store.SaveOlmSession(peer, older))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.SaveOlmSession(peer, newer))

	sessions, err := store.OlmSessions(peer)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, "newer", sessions[0].SessionID)

	none, err := store.OlmSessions("unknown-peer")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestMegolmSessionRoundTrip(t *testing.T) {
	store := openStore(t)

	out, err := megolm.NewOutboundSession("!room:example.org")
	require.NoError(t, err)
	in, err := megolm.NewInboundSession("!room:example.org", "sender-key", out.SessionKey())
	require.NoError(t, err)

	require.NoError(t, store.SaveInboundMegolm(in))
	loaded, err := store.InboundMegolm(in.ID)
	require.NoError(t, err)
	require.Equal(t, in.RoomID, loaded.RoomID)
	require.Equal(t, in.Ratchet.Counter, loaded.Ratchet.Counter)

	all, err := store.AllInboundMegolm()
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, store.SaveOutboundMegolm(out))
	outLoaded, err := store.OutboundMegolm("!room:example.org")
	require.NoError(t, err)
	require.Equal(t, out.ID(), outLoaded.ID())

	require.NoError(t, store.DeleteOutboundMegolm("!room:example.org"))
	_, err = store.OutboundMegolm("!room:example.org")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTrustDefaultsToUnverified(t *testing.T) {
	store := openStore(t)

	state, err := store.Trust("@u:example.org", "DEV")
	require.NoError(t, err)
	require.Equal(t, TrustUnverified, state)

	require.NoError(t, store.SetTrust("@u:example.org", "DEV", TrustVerified))
	state, err = store.Trust("@u:example.org", "DEV")
	require.NoError(t, err)
	require.Equal(t, TrustVerified, state)

	require.NoError(t, store.SetTrust("@u:example.org", "DEV", TrustBlacklisted))
	state, err = store.Trust("@u:example.org", "DEV")
	require.NoError(t, err)
	require.Equal(t, TrustBlacklisted, state)
}

func TestSyncTokenRoundTrip(t *testing.T) {
	store := openStore(t)

	token, err := store.SyncToken()
	require.NoError(t, err)
	require.Empty(t, token)

	require.NoError(t, store.SaveSyncToken("s12345_678"))
	token, err = store.SyncToken()
	require.NoError(t, err)
	require.Equal(t, "s12345_678", token)
}

func TestKeyRequestCooldownTracking(t *testing.T) {
	store := openStore(t)

	_, err := store.LastKeyRequest("!room:example.org", "session-id")
	require.ErrorIs(t, err, ErrNotFound)

	now := time.Now().Truncate(time.Second)
	require.NoError(t, store.MarkKeyRequest("!room:example.org", "session-id", now))
	at, err := store.LastKeyRequest("!room:example.org", "session-id")
	require.NoError(t, err)
	require.True(t, at.Equal(now))
}
