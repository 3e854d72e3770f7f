package olm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func newAccountPair(t *testing.T) (alice, bob *Account, bobOneTime string) {
	t.Helper()

	alice, err := NewAccount()
	require.NoError(t, err)
	bob, err = NewAccount()
	require.NoError(t, err)

	_, err = bob.GenerateOneTimeKeys(1, "@bob:example.org", "BOBDEVICE")
	require.NoError(t, err)
	require.Len(t, bob.OneTimeKeys, 1)

	return alice, bob, bob.OneTimeKeys[0].Key.PublicBase64()
}

func TestSessionRoundTrip(t *testing.T) {
	alice, bob, oneTime := newAccountPair(t)

	aliceSess, err := NewOutboundSession(alice, bob.Curve25519Base64(), oneTime)
	require.NoError(t, err)

	msgType, body, err := aliceSess.Encrypt([]byte("olm bootstrap"))
	require.NoError(t, err)
	require.Equal(t, MessageTypePreKey, msgType)

	bobSess, plaintext, err := NewInboundSession(bob, alice.Curve25519Base64(), body)
	require.NoError(t, err)
	require.Equal(t, "olm bootstrap", string(plaintext))
	require.Equal(t, aliceSess.SessionID, bobSess.SessionID)

	// The reply ratchets: Bob sends on a fresh chain, Alice follows.
	msgType, body, err = bobSess.Encrypt([]byte("ack"))
	require.NoError(t, err)
	require.Equal(t, MessageTypeNormal, msgType)

	plaintext, err = aliceSess.Decrypt(msgType, body)
	require.NoError(t, err)
	require.Equal(t, "ack", string(plaintext))

	// Once Alice has decrypted anything, she stops sending pre-key
	// envelopes.
	msgType, body, err = aliceSess.Encrypt([]byte("settled"))
	require.NoError(t, err)
	require.Equal(t, MessageTypeNormal, msgType)

	plaintext, err = bobSess.Decrypt(msgType, body)
	require.NoError(t, err)
	require.Equal(t, "settled", string(plaintext))
}

func TestPreKeyRepeatedUntilReply(t *testing.T) {
	alice, bob, oneTime := newAccountPair(t)

	aliceSess, err := NewOutboundSession(alice, bob.Curve25519Base64(), oneTime)
	require.NoError(t, err)

	var bodies []string
	for i := 0; i < 3; i++ {
		msgType, body, err := aliceSess.Encrypt([]byte(fmt.Sprintf("msg %d", i)))
		require.NoError(t, err)
		require.Equal(t, MessageTypePreKey, msgType)
		bodies = append(bodies, body)
	}

	// Deliver the last one first. The receiver must claim the one-time
	// key once and then serve the earlier messages from skipped keys.
	bobSess, plaintext, err := NewInboundSession(bob, alice.Curve25519Base64(), bodies[2])
	require.NoError(t, err)
	require.Equal(t, "msg 2", string(plaintext))
	require.Empty(t, bob.OneTimeKeys)

	for i := 0; i < 2; i++ {
		plaintext, err = bobSess.Decrypt(MessageTypePreKey, bodies[i])
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("msg %d", i), string(plaintext))
	}
}

func TestOneTimeKeyClaimedOnce(t *testing.T) {
	alice, bob, oneTime := newAccountPair(t)

	aliceSess, err := NewOutboundSession(alice, bob.Curve25519Base64(), oneTime)
	require.NoError(t, err)

	_, body, err := aliceSess.Encrypt([]byte("first"))
	require.NoError(t, err)

	_, _, err = NewInboundSession(bob, alice.Curve25519Base64(), body)
	require.NoError(t, err)

	// Replaying the pre-key message cannot re-establish the session.
	_, _, err = NewInboundSession(bob, alice.Curve25519Base64(), body)
	require.ErrorIs(t, err, ErrUnknownOneTimeKey)
}

func TestDecryptRejectsMalformedPayloads(t *testing.T) {
	alice, bob, oneTime := newAccountPair(t)

	aliceSess, err := NewOutboundSession(alice, bob.Curve25519Base64(), oneTime)
	require.NoError(t, err)
	_, body, err := aliceSess.Encrypt([]byte("hello"))
	require.NoError(t, err)
	bobSess, _, err := NewInboundSession(bob, alice.Curve25519Base64(), body)
	require.NoError(t, err)

	_, err = bobSess.Decrypt(MessageTypeNormal, "not base64 at all!!!")
	require.ErrorIs(t, err, ErrMalformedPayload)

	_, err = bobSess.Decrypt(7, "AAAA")
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestInboundSessionRejectsWrongIdentity(t *testing.T) {
	alice, bob, oneTime := newAccountPair(t)

	mallory, err := NewAccount()
	require.NoError(t, err)

	aliceSess, err := NewOutboundSession(alice, bob.Curve25519Base64(), oneTime)
	require.NoError(t, err)
	_, body, err := aliceSess.Encrypt([]byte("hi"))
	require.NoError(t, err)

	_, _, err = NewInboundSession(bob, mallory.Curve25519Base64(), body)
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestAccountOneTimeKeyLifecycle(t *testing.T) {
	acct, err := NewAccount()
	require.NoError(t, err)

	signed, err := acct.GenerateOneTimeKeys(3, "@u:example.org", "DEV")
	require.NoError(t, err)
	require.Len(t, signed, 3)
	require.Equal(t, 3, acct.UnpublishedCount())

	acct.MarkKeysPublished()
	require.Equal(t, 0, acct.UnpublishedCount())

	// Generating more keys only returns the fresh ones.
	signed, err = acct.GenerateOneTimeKeys(2, "@u:example.org", "DEV")
	require.NoError(t, err)
	require.Len(t, signed, 2)
	require.Len(t, acct.KeyIDs(), 5)
}
