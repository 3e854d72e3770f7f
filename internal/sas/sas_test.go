package sas

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ember-chat/ember/internal/olm"
)

const (
	aliceFingerprint = "alice-ed25519-device-key"
	bobFingerprint   = "bob-ed25519-device-key"
)

// roundTrip pushes content through JSON the way to-device delivery does,
// so nested values arrive as []any and map[string]any.
func roundTrip(t *testing.T, content map[string]any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func eventFromReply(t *testing.T, from *Transaction, reply Reply) Event {
	t.Helper()
	content := roundTrip(t, reply.Content)

	ev := Event{
		TransactionID: from.ID,
		FromUser:      from.OurUser,
		FromDevice:    from.OurDevice,
	}
	switch reply.EventType {
	case "start":
		ev.Type = EventStart
		ev.StartContent = content
	case "accept":
		ev.Type = EventAccept
		ev.Commitment, _ = content["commitment"].(string)
		ev.KeyAgreement, _ = content["key_agreement_protocol"].(string)
		ev.Hash, _ = content["hash"].(string)
		ev.MAC, _ = content["message_authentication_code"].(string)
		if v, ok := content["short_authentication_string"].([]any); ok {
			ev.SASMethods = toStrings(v)
		}
	case "key":
		ev.Type = EventKey
		ev.Key, _ = content["key"].(string)
	case "mac":
		ev.Type = EventMAC
		ev.MACs = map[string]string{}
		if macs, ok := content["mac"].(map[string]any); ok {
			for k, v := range macs {
				ev.MACs[k], _ = v.(string)
			}
		}
		ev.KeysMAC, _ = content["keys"].(string)
	case "done":
		ev.Type = EventDone
	case "cancel":
		ev.Type = EventCancel
		ev.Code, _ = content["code"].(string)
		ev.Reason, _ = content["reason"].(string)
	default:
		t.Fatalf("unknown reply type %q", reply.EventType)
	}
	return ev
}

func newTransactionPair(t *testing.T) (alice, bob *Transaction) {
	t.Helper()

	alice = NewOutbound("txn-1", "@alice:example.org", "ALICEDEV", aliceFingerprint,
		"@bob:example.org", "BOBDEV")
	alice.TheirFingerprint = bobFingerprint

	request := Event{
		Type:          EventRequest,
		TransactionID: "txn-1",
		FromUser:      "@alice:example.org",
		FromDevice:    "ALICEDEV",
		Methods:       []string{MethodSASv1},
	}
	bob, err := NewInbound(request, "@bob:example.org", "BOBDEV", bobFingerprint)
	require.NoError(t, err)
	bob.TheirFingerprint = aliceFingerprint
	return alice, bob
}

// runToKeyExchange drives both sides through ready, start, accept and key.
func runToKeyExchange(t *testing.T, alice, bob *Transaction) {
	t.Helper()

	ready := Event{Type: EventReady, TransactionID: alice.ID,
		FromUser: bob.OurUser, FromDevice: bob.OurDevice, Methods: []string{MethodSASv1}}
	startReplies, err := alice.Apply(ready)
	require.NoError(t, err)
	require.Len(t, startReplies, 1)
	require.Equal(t, StateStarted, alice.State)

	acceptReplies, err := bob.Apply(eventFromReply(t, alice, startReplies[0]))
	require.NoError(t, err)
	require.Len(t, acceptReplies, 1)
	require.Equal(t, StateAccepted, bob.State)

	keyReplies, err := alice.Apply(eventFromReply(t, bob, acceptReplies[0]))
	require.NoError(t, err)
	require.Len(t, keyReplies, 1)

	bobKeyReplies, err := bob.Apply(eventFromReply(t, alice, keyReplies[0]))
	require.NoError(t, err)
	require.Len(t, bobKeyReplies, 1)
	require.Equal(t, StateKeyExchanged, bob.State)

	finalReplies, err := alice.Apply(eventFromReply(t, bob, bobKeyReplies[0]))
	require.NoError(t, err)
	require.Empty(t, finalReplies)
	require.Equal(t, StateKeyExchanged, alice.State)
}

func TestFullVerificationFlow(t *testing.T) {
	alice, bob := newTransactionPair(t)
	runToKeyExchange(t, alice, bob)

	aliceDecimal, err := alice.DecimalCode()
	require.NoError(t, err)
	bobDecimal, err := bob.DecimalCode()
	require.NoError(t, err)
	require.Equal(t, aliceDecimal, bobDecimal)
	for _, n := range aliceDecimal {
		require.GreaterOrEqual(t, n, 1000)
		require.LessOrEqual(t, n, 9191)
	}

	aliceEmoji, err := alice.EmojiCode()
	require.NoError(t, err)
	bobEmoji, err := bob.EmojiCode()
	require.NoError(t, err)
	require.Equal(t, aliceEmoji, bobEmoji)

	aliceMAC, err := alice.MACContent()
	require.NoError(t, err)
	_, err = bob.Apply(eventFromReply(t, alice, Reply{EventType: "mac", Content: aliceMAC}))
	require.NoError(t, err)
	require.Equal(t, StateMACExchanged, bob.State)

	bobMAC, err := bob.MACContent()
	require.NoError(t, err)
	_, err = alice.Apply(eventFromReply(t, bob, Reply{EventType: "mac", Content: bobMAC}))
	require.NoError(t, err)
	require.Equal(t, StateMACExchanged, alice.State)

	aliceDone := alice.DoneContent()
	require.NotNil(t, aliceDone)
	doneReplies, err := bob.Apply(eventFromReply(t, alice, Reply{EventType: "done", Content: aliceDone}))
	require.NoError(t, err)
	require.Len(t, doneReplies, 1)
	require.Equal(t, StateVerified, bob.State)

	_, err = alice.Apply(eventFromReply(t, bob, doneReplies[0]))
	require.NoError(t, err)
	require.Equal(t, StateVerified, alice.State)
}

func TestCommitmentMismatchCancels(t *testing.T) {
	alice, bob := newTransactionPair(t)

	ready := Event{Type: EventReady, TransactionID: alice.ID,
		FromUser: bob.OurUser, FromDevice: bob.OurDevice, Methods: []string{MethodSASv1}}
	startReplies, err := alice.Apply(ready)
	require.NoError(t, err)

	acceptReplies, err := bob.Apply(eventFromReply(t, alice, startReplies[0]))
	require.NoError(t, err)
	_, err = alice.Apply(eventFromReply(t, bob, acceptReplies[0]))
	require.NoError(t, err)

	// Bob's revealed key does not match his commitment.
	forged := Event{Type: EventKey, TransactionID: alice.ID,
		FromUser: bob.OurUser, FromDevice: bob.OurDevice,
		Key: "fLpRNVYcHJJeAPTQTrkxXbCWZsS7vTcpIgT7HE0oFU8"}
	replies, err := alice.Apply(forged)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	require.Len(t, replies, 1)
	require.Equal(t, "cancel", replies[0].EventType)
	require.Equal(t, StateCancelled, alice.State)
	require.Equal(t, CancelMismatchedCommit, alice.CancelCode)
}

func TestMACMismatchCancels(t *testing.T) {
	alice, bob := newTransactionPair(t)
	runToKeyExchange(t, alice, bob)

	aliceMAC, err := alice.MACContent()
	require.NoError(t, err)
	ev := eventFromReply(t, alice, Reply{EventType: "mac", Content: aliceMAC})
	ev.KeysMAC = "dGFtcGVyZWQgbWFjIHZhbHVl"

	replies, err := bob.Apply(ev)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	require.Len(t, replies, 1)
	require.Equal(t, StateCancelled, bob.State)
	require.Equal(t, CancelKeyMismatch, bob.CancelCode)
}

func TestMACMissingDeviceKeyCancels(t *testing.T) {
	alice, bob := newTransactionPair(t)
	runToKeyExchange(t, alice, bob)

	// A mac event that lists no keys at all, with a KEY_IDS MAC that is
	// consistent with the empty list it claims.
	info := macInfo(alice.OurUser, alice.OurDevice, bob.OurUser, bob.OurDevice, alice.ID)
	keysMAC, err := calculateMAC(alice.SharedSecret, "", info+"KEY_IDS")
	require.NoError(t, err)

	replies, err := bob.Apply(Event{Type: EventMAC, TransactionID: bob.ID,
		FromUser: alice.OurUser, FromDevice: alice.OurDevice,
		MACs: map[string]string{}, KeysMAC: keysMAC})
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	require.Len(t, replies, 1)
	require.Equal(t, "cancel", replies[0].EventType)
	require.Equal(t, StateCancelled, bob.State)
	require.Equal(t, CancelKeyMismatch, bob.CancelCode)
}

func TestMACWithoutPeerFingerprintCancels(t *testing.T) {
	alice, bob := newTransactionPair(t)
	runToKeyExchange(t, alice, bob)

	// If the peer's device key was never learned, the attestation cannot
	// be checked and must not be waved through.
	bob.TheirFingerprint = ""

	aliceMAC, err := alice.MACContent()
	require.NoError(t, err)
	replies, err := bob.Apply(eventFromReply(t, alice, Reply{EventType: "mac", Content: aliceMAC}))
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	require.Len(t, replies, 1)
	require.Equal(t, StateCancelled, bob.State)
	require.Equal(t, CancelKeyMismatch, bob.CancelCode)
}

func TestSASBytesBindEphemeralKeys(t *testing.T) {
	alice, bob := newTransactionPair(t)
	runToKeyExchange(t, alice, bob)

	original := append([]byte(nil), alice.SASBytes...)
	originalDecimal, err := alice.DecimalCode()
	require.NoError(t, err)
	originalEmoji, err := alice.EmojiCode()
	require.NoError(t, err)

	raw, err := olm.DecodeBase64(alice.TheirKey)
	require.NoError(t, err)
	for i := range raw {
		mutated := append([]byte(nil), raw...)
		mutated[i] ^= 0x01
		tx := *alice
		tx.TheirKey = base64.RawStdEncoding.EncodeToString(mutated)
		require.NoError(t, tx.deriveSASBytes())
		require.NotEqual(t, original, tx.SASBytes, "flipped byte %d", i)
	}

	// Same flip from the responder's side binds the other key too, and
	// changes what gets displayed.
	raw, err = olm.DecodeBase64(bob.TheirKey)
	require.NoError(t, err)
	raw[0] ^= 0x01
	tx := *bob
	tx.TheirKey = base64.RawStdEncoding.EncodeToString(raw)
	require.NoError(t, tx.deriveSASBytes())
	require.NotEqual(t, original, tx.SASBytes)
	mutDecimal, err := tx.DecimalCode()
	require.NoError(t, err)
	require.NotEqual(t, originalDecimal, mutDecimal)
	mutEmoji, err := tx.EmojiCode()
	require.NoError(t, err)
	require.NotEqual(t, originalEmoji, mutEmoji)
}

func TestCancelStopsTransitions(t *testing.T) {
	alice, bob := newTransactionPair(t)

	cancel := Event{Type: EventCancel, TransactionID: bob.ID,
		FromUser: alice.OurUser, FromDevice: alice.OurDevice,
		Code: CancelUser, Reason: "user declined"}
	replies, err := bob.Apply(cancel)
	require.NoError(t, err)
	require.Empty(t, replies)
	require.Equal(t, StateCancelled, bob.State)
	require.Equal(t, CancelUser, bob.CancelCode)

	// Terminal transactions drop everything afterwards.
	replies, err = bob.Apply(Event{Type: EventKey, Key: "AAAA"})
	require.NoError(t, err)
	require.Empty(t, replies)
	require.Equal(t, StateCancelled, bob.State)
}

func TestUnexpectedEventCancels(t *testing.T) {
	alice, _ := newTransactionPair(t)

	replies, err := alice.Apply(Event{Type: EventKey, TransactionID: alice.ID, Key: "AAAA"})
	require.ErrorIs(t, err, ErrUnexpectedEvent)
	require.Len(t, replies, 1)
	require.Equal(t, "cancel", replies[0].EventType)
	require.Equal(t, StateCancelled, alice.State)
	require.Equal(t, CancelUnexpectedMessage, alice.CancelCode)
}

func TestCodesUnavailableBeforeKeyExchange(t *testing.T) {
	alice, _ := newTransactionPair(t)
	_, err := alice.DecimalCode()
	require.ErrorIs(t, err, ErrNotReady)
	_, err = alice.EmojiCode()
	require.ErrorIs(t, err, ErrNotReady)
}

func TestDecimalCodeKnownValues(t *testing.T) {
	code := DecimalCode([]byte{0, 0, 0, 0, 0})
	require.Equal(t, [3]int{1000, 1000, 1000}, code)

	code = DecimalCode([]byte{0xff, 0xff, 0xff, 0xff, 0xff})
	require.Equal(t, [3]int{9191, 9191, 9191}, code)
}

func TestEmojiCodeKnownValues(t *testing.T) {
	emoji := EmojiCode([]byte{0, 0, 0, 0, 0, 0})
	for _, e := range emoji {
		require.Equal(t, emojiTable[0], e)
	}

	emoji = EmojiCode([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	for _, e := range emoji {
		require.Equal(t, emojiTable[63], e)
	}
}
