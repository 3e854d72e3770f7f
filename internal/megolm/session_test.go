package megolm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testSenderKey = "sender-curve25519-key"

func newSessionPair(t *testing.T) (*OutboundSession, *InboundSession) {
	t.Helper()

	out, err := NewOutboundSession("!room:example.org")
	require.NoError(t, err)
	in, err := NewInboundSession("!room:example.org", testSenderKey, out.SessionKey())
	require.NoError(t, err)
	require.Equal(t, out.ID(), in.ID)
	return out, in
}

func TestGroupSessionRoundTrip(t *testing.T) {
	out, in := newSessionPair(t)

	for i := uint32(0); i < 5; i++ {
		ct, err := out.Encrypt([]byte("group message"))
		require.NoError(t, err)

		pt, index, err := in.Decrypt(ct)
		require.NoError(t, err)
		require.Equal(t, "group message", string(pt))
		require.Equal(t, i, index)
	}
	require.Equal(t, uint32(5), out.MessageIndex())
}

func TestDecryptIsForwardOnly(t *testing.T) {
	out, in := newSessionPair(t)

	first, err := out.Encrypt([]byte("first"))
	require.NoError(t, err)
	second, err := out.Encrypt([]byte("second"))
	require.NoError(t, err)

	// Consuming index 1 moves the ratchet past index 0 for good.
	pt, index, err := in.Decrypt(second)
	require.NoError(t, err)
	require.Equal(t, "second", string(pt))
	require.Equal(t, uint32(1), index)

	_, _, err = in.Decrypt(first)
	require.ErrorIs(t, err, ErrUnknownSession)

	// Replays fail the same way.
	_, _, err = in.Decrypt(second)
	require.ErrorIs(t, err, ErrUnknownSession)
}

func TestLateJoinerCannotReadHistory(t *testing.T) {
	out, err := NewOutboundSession("!room:example.org")
	require.NoError(t, err)

	old, err := out.Encrypt([]byte("before share"))
	require.NoError(t, err)

	// Key shared at index 1: only messages from there on decrypt.
	in, err := NewInboundSession("!room:example.org", testSenderKey, out.SessionKey())
	require.NoError(t, err)
	require.Equal(t, uint32(1), in.FirstKnownIndex)

	_, _, err = in.Decrypt(old)
	require.ErrorIs(t, err, ErrUnknownSession)

	fresh, err := out.Encrypt([]byte("after share"))
	require.NoError(t, err)
	pt, index, err := in.Decrypt(fresh)
	require.NoError(t, err)
	require.Equal(t, "after share", string(pt))
	require.Equal(t, uint32(1), index)
}

func TestExportReimport(t *testing.T) {
	out, in := newSessionPair(t)

	ct0, err := out.Encrypt([]byte("zero"))
	require.NoError(t, err)
	_, _, err = in.Decrypt(ct0)
	require.NoError(t, err)

	// Export after consuming index 0 carries the advanced ratchet.
	copySess, err := NewInboundSession(in.RoomID, in.SenderKey, in.Export())
	require.NoError(t, err)
	require.Equal(t, in.ID, copySess.ID)
	require.Equal(t, uint32(1), copySess.FirstKnownIndex)

	_, _, err = copySess.Decrypt(ct0)
	require.ErrorIs(t, err, ErrUnknownSession)

	ct1, err := out.Encrypt([]byte("one"))
	require.NoError(t, err)
	pt, index, err := copySess.Decrypt(ct1)
	require.NoError(t, err)
	require.Equal(t, "one", string(pt))
	require.Equal(t, uint32(1), index)
}

func TestDecryptRejectsTampering(t *testing.T) {
	out, in := newSessionPair(t)

	ct, err := out.Encrypt([]byte("intact"))
	require.NoError(t, err)

	raw, err := decodeBase64(ct)
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0x01
	_, _, err = in.Decrypt(encodeBase64(raw))
	require.Error(t, err)

	_, _, err = in.Decrypt("&&& not base64")
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestInboundSessionRejectsBadKeys(t *testing.T) {
	_, err := NewInboundSession("!room:example.org", testSenderKey, "tooshort")
	require.ErrorIs(t, err, ErrMalformedSessionKey)

	out, err := NewOutboundSession("!room:example.org")
	require.NoError(t, err)
	raw, err := decodeBase64(out.SessionKey())
	require.NoError(t, err)
	raw[0] = 0x01
	_, err = NewInboundSession("!room:example.org", testSenderKey, encodeBase64(raw))
	require.ErrorIs(t, err, ErrMalformedSessionKey)
}
