// Package sas implements the short-authentication-string verification
// protocol as an explicit state machine. Transactions are plain values
// driven by Apply, which makes the full transition table testable without
// any transport.
package sas

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"github.com/ember-chat/ember/internal/canonicaljson"
	"github.com/ember-chat/ember/internal/olm"
)

// MethodSASv1 is the only verification method we speak.
const MethodSASv1 = "m.sas.v1"

type State int

const (
	StatePending State = iota
	StateReady
	StateStarted
	StateAccepted
	StateKeyExchanged
	StateMACExchanged
	StateVerified
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateReady:
		return "READY"
	case StateStarted:
		return "STARTED"
	case StateAccepted:
		return "ACCEPTED"
	case StateKeyExchanged:
		return "KEY_EXCHANGED"
	case StateMACExchanged:
		return "MAC_EXCHANGED"
	case StateVerified:
		return "VERIFIED"
	case StateCancelled:
		return "CANCELLED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateVerified || s == StateCancelled
}

type EventType int

const (
	EventRequest EventType = iota
	EventReady
	EventStart
	EventAccept
	EventKey
	EventMAC
	EventDone
	EventCancel
)

func (e EventType) String() string {
	switch e {
	case EventRequest:
		return "request"
	case EventReady:
		return "ready"
	case EventStart:
		return "start"
	case EventAccept:
		return "accept"
	case EventKey:
		return "key"
	case EventMAC:
		return "mac"
	case EventDone:
		return "done"
	case EventCancel:
		return "cancel"
	}
	return fmt.Sprintf("EventType(%d)", int(e))
}

// Event is the tagged union of inbound verification protocol messages.
// Only the fields for the given Type are meaningful.
type Event struct {
	Type          EventType
	TransactionID string
	FromUser      string
	FromDevice    string

	// request / ready
	Methods []string

	// start
	StartContent map[string]any

	// accept
	Commitment   string
	KeyAgreement string
	Hash         string
	MAC          string
	SASMethods   []string

	// key
	Key string

	// mac
	MACs    map[string]string
	KeysMAC string

	// cancel
	Code   string
	Reason string
}

// Reply is a protocol message the transaction wants sent in response to
// an applied event.
type Reply struct {
	EventType string
	Content   map[string]any
}

// Transaction is one verification exchange with a single peer device.
type Transaction struct {
	ID          string
	OurUser     string
	OurDevice   string
	TheirUser   string
	TheirDevice string

	// OurFingerprint and TheirFingerprint are the Ed25519 device keys the
	// MAC stage attests to, base64 without padding.
	OurFingerprint   string
	TheirFingerprint string

	// Initiator is true when we sent the start event.
	Initiator bool

	State        State
	Negotiated   Negotiated
	OurEphemeral olm.Curve25519KeyPair
	TheirKey     string
	SharedSecret []byte
	SASBytes     []byte

	theirCommitment string
	startCanonical  []byte

	macSent     bool
	macVerified bool
	doneSent    bool

	CancelCode   string
	CancelReason string
}

// NewOutbound creates a transaction we initiate. The caller sends
// RequestContent to the peer.
func NewOutbound(id, ourUser, ourDevice, ourFingerprint, theirUser, theirDevice string) *Transaction {
	return &Transaction{
		ID:             id,
		OurUser:        ourUser,
		OurDevice:      ourDevice,
		OurFingerprint: ourFingerprint,
		TheirUser:      theirUser,
		TheirDevice:    theirDevice,
		Initiator:      true,
		State:          StatePending,
	}
}

// NewInbound creates a transaction from a peer's request or start event.
func NewInbound(ev Event, ourUser, ourDevice, ourFingerprint string) (*Transaction, error) {
	if ev.Type != EventRequest && ev.Type != EventStart {
		return nil, fmt.Errorf("%w: %s cannot open a transaction", ErrUnexpectedEvent, ev.Type)
	}
	return &Transaction{
		ID:             ev.TransactionID,
		OurUser:        ourUser,
		OurDevice:      ourDevice,
		OurFingerprint: ourFingerprint,
		TheirUser:      ev.FromUser,
		TheirDevice:    ev.FromDevice,
		State:          StatePending,
	}, nil
}

// RequestContent is the m.key.verification.request payload.
func (t *Transaction) RequestContent(timestampMS int64) map[string]any {
	return map[string]any{
		"transaction_id": t.ID,
		"from_device":    t.OurDevice,
		"methods":        []string{MethodSASv1},
		"timestamp":      timestampMS,
	}
}

// ReadyContent is the m.key.verification.ready payload answering a
// request.
func (t *Transaction) ReadyContent() map[string]any {
	return map[string]any{
		"transaction_id": t.ID,
		"from_device":    t.OurDevice,
		"methods":        []string{MethodSASv1},
	}
}

// CancelContent builds an m.key.verification.cancel payload and moves the
// transaction to CANCELLED.
func (t *Transaction) CancelContent(code, reason string) map[string]any {
	t.State = StateCancelled
	t.CancelCode = code
	t.CancelReason = reason
	return map[string]any{
		"transaction_id": t.ID,
		"code":           code,
		"reason":         reason,
	}
}

// Apply drives the state machine with one inbound event. It returns the
// protocol replies to send, if any. Events for terminal transactions are
// dropped silently. A commitment or MAC mismatch cancels the transaction
// and returns ErrAuthenticationFailed.
func (t *Transaction) Apply(ev Event) ([]Reply, error) {
	if t.State.Terminal() {
		return nil, nil
	}
	if ev.Type == EventCancel {
		t.State = StateCancelled
		t.CancelCode = ev.Code
		t.CancelReason = ev.Reason
		return nil, nil
	}

	switch ev.Type {
	case EventReady:
		return t.applyReady(ev)
	case EventStart:
		return t.applyStart(ev)
	case EventAccept:
		return t.applyAccept(ev)
	case EventKey:
		return t.applyKey(ev)
	case EventMAC:
		return t.applyMAC(ev)
	case EventDone:
		return t.applyDone(ev)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnexpectedEvent, ev.Type)
}

// applyReady: the peer accepted our request, we answer with start.
func (t *Transaction) applyReady(ev Event) ([]Reply, error) {
	if !t.Initiator || t.State != StatePending {
		return t.cancelUnexpected(ev)
	}
	if !contains(ev.Methods, MethodSASv1) {
		reply := t.CancelContent(CancelUnknownMethod, "no mutually supported verification method")
		return []Reply{{EventType: "cancel", Content: reply}}, ErrUnknownMethod
	}

	start := map[string]any{
		"transaction_id":               t.ID,
		"from_device":                  t.OurDevice,
		"method":                       MethodSASv1,
		"key_agreement_protocols":      keyAgreementNames(),
		"hashes":                       hashNames(),
		"message_authentication_codes": macNames(),
		"short_authentication_string":  sasNames(),
	}
	canonical, err := canonicaljson.Encode(start)
	if err != nil {
		return nil, fmt.Errorf("canonicalize start: %w", err)
	}
	t.startCanonical = canonical
	t.State = StateStarted
	return []Reply{{EventType: "start", Content: start}}, nil
}

// applyStart: the peer initiates, we negotiate and commit to our
// ephemeral key before revealing it.
func (t *Transaction) applyStart(ev Event) ([]Reply, error) {
	if t.Initiator || (t.State != StatePending && t.State != StateReady) {
		return t.cancelUnexpected(ev)
	}

	var keyAgreements, hashes, macs, sasMethods []string
	if v, ok := ev.StartContent["key_agreement_protocols"].([]any); ok {
		keyAgreements = toStrings(v)
	}
	if v, ok := ev.StartContent["hashes"].([]any); ok {
		hashes = toStrings(v)
	}
	if v, ok := ev.StartContent["message_authentication_codes"].([]any); ok {
		macs = toStrings(v)
	}
	if v, ok := ev.StartContent["short_authentication_string"].([]any); ok {
		sasMethods = toStrings(v)
	}

	negotiated, err := negotiate(keyAgreements, hashes, macs, sasMethods)
	if err != nil {
		reply := t.CancelContent(CancelUnknownMethod, "no mutually supported algorithms")
		return []Reply{{EventType: "cancel", Content: reply}}, err
	}
	t.Negotiated = negotiated

	ephemeral, err := olm.GenerateCurve25519()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	t.OurEphemeral = ephemeral

	canonical, err := canonicaljson.Encode(ev.StartContent)
	if err != nil {
		return nil, fmt.Errorf("canonicalize start: %w", err)
	}
	t.startCanonical = canonical

	commitment := commitmentFor(ephemeral.PublicBase64(), canonical)
	t.State = StateAccepted
	accept := map[string]any{
		"transaction_id":              t.ID,
		"method":                      MethodSASv1,
		"key_agreement_protocol":      negotiated.KeyAgreement.String(),
		"hash":                        negotiated.Hash.String(),
		"message_authentication_code": negotiated.MAC.String(),
		"short_authentication_string": sasMethodStrings(negotiated.SAS),
		"commitment":                  commitment,
	}
	return []Reply{{EventType: "accept", Content: accept}}, nil
}

// applyAccept: the peer chose algorithms and committed to its key, we
// reveal ours first.
func (t *Transaction) applyAccept(ev Event) ([]Reply, error) {
	if !t.Initiator || t.State != StateStarted {
		return t.cancelUnexpected(ev)
	}
	negotiated, err := negotiate(
		[]string{ev.KeyAgreement}, []string{ev.Hash}, []string{ev.MAC}, ev.SASMethods,
	)
	if err != nil {
		reply := t.CancelContent(CancelUnknownMethod, "accepted algorithms not supported")
		return []Reply{{EventType: "cancel", Content: reply}}, err
	}
	t.Negotiated = negotiated
	t.theirCommitment = ev.Commitment

	ephemeral, err := olm.GenerateCurve25519()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	t.OurEphemeral = ephemeral
	t.State = StateAccepted

	key := map[string]any{
		"transaction_id": t.ID,
		"key":            ephemeral.PublicBase64(),
	}
	return []Reply{{EventType: "key", Content: key}}, nil
}

// applyKey: the peer revealed its ephemeral key. The initiator checks it
// against the commitment from accept; the responder reveals its own key
// in return. Both sides then derive the SAS bytes.
func (t *Transaction) applyKey(ev Event) ([]Reply, error) {
	if t.State != StateAccepted {
		return t.cancelUnexpected(ev)
	}

	var replies []Reply
	if t.Initiator {
		if commitmentFor(ev.Key, t.startCanonical) != t.theirCommitment {
			reply := t.CancelContent(CancelMismatchedCommit, "commitment does not match revealed key")
			return []Reply{{EventType: "cancel", Content: reply}},
				fmt.Errorf("%w: commitment mismatch", ErrAuthenticationFailed)
		}
	} else {
		replies = append(replies, Reply{EventType: "key", Content: map[string]any{
			"transaction_id": t.ID,
			"key":            t.OurEphemeral.PublicBase64(),
		}})
	}
	t.TheirKey = ev.Key

	if err := t.deriveSASBytes(); err != nil {
		return nil, err
	}
	t.State = StateKeyExchanged
	return replies, nil
}

func (t *Transaction) deriveSASBytes() error {
	theirKey, err := olm.DecodeCurve25519(t.TheirKey)
	if err != nil {
		return fmt.Errorf("peer ephemeral key: %w", err)
	}
	shared, err := t.OurEphemeral.SharedSecret(theirKey)
	if err != nil {
		return err
	}
	t.SharedSecret = shared

	initUser, initDevice, initKey := t.TheirUser, t.TheirDevice, t.TheirKey
	respUser, respDevice, respKey := t.OurUser, t.OurDevice, t.OurEphemeral.PublicBase64()
	if t.Initiator {
		initUser, initDevice, initKey = t.OurUser, t.OurDevice, t.OurEphemeral.PublicBase64()
		respUser, respDevice, respKey = t.TheirUser, t.TheirDevice, t.TheirKey
	}
	info := sasInfo(initUser, initDevice, initKey, respUser, respDevice, respKey, t.ID)
	t.SASBytes, err = deriveSAS(shared, info)
	return err
}

// applyMAC: verify the peer's MACs over its claimed device keys. Any
// mismatch is terminal, and so is a missing device-key MAC or an unknown
// peer fingerprint: the attestation must actually cover the peer's key.
func (t *Transaction) applyMAC(ev Event) ([]Reply, error) {
	if t.State != StateKeyExchanged && t.State != StateMACExchanged {
		return t.cancelUnexpected(ev)
	}

	info := macInfo(t.TheirUser, t.TheirDevice, t.OurUser, t.OurDevice, t.ID)

	keyIDs := make([]string, 0, len(ev.MACs))
	for keyID := range ev.MACs {
		keyIDs = append(keyIDs, keyID)
	}
	sort.Strings(keyIDs)
	expectedKeysMAC, err := calculateMAC(t.SharedSecret, strings.Join(keyIDs, ","), info+"KEY_IDS")
	if err != nil {
		return nil, err
	}
	if expectedKeysMAC != ev.KeysMAC {
		reply := t.CancelContent(CancelKeyMismatch, "key list MAC mismatch")
		return []Reply{{EventType: "cancel", Content: reply}},
			fmt.Errorf("%w: key list MAC mismatch", ErrAuthenticationFailed)
	}

	theirKeyID := "ed25519:" + t.TheirDevice
	got, ok := ev.MACs[theirKeyID]
	if !ok {
		reply := t.CancelContent(CancelKeyMismatch, "missing device key MAC")
		return []Reply{{EventType: "cancel", Content: reply}},
			fmt.Errorf("%w: no MAC for %s", ErrAuthenticationFailed, theirKeyID)
	}
	if t.TheirFingerprint == "" {
		reply := t.CancelContent(CancelKeyMismatch, "peer device key unknown")
		return []Reply{{EventType: "cancel", Content: reply}},
			fmt.Errorf("%w: no known fingerprint for %s", ErrAuthenticationFailed, theirKeyID)
	}
	expected, err := calculateMAC(t.SharedSecret, t.TheirFingerprint, info+theirKeyID)
	if err != nil {
		return nil, err
	}
	if expected != got {
		reply := t.CancelContent(CancelKeyMismatch, "device key MAC mismatch")
		return []Reply{{EventType: "cancel", Content: reply}},
			fmt.Errorf("%w: device key MAC mismatch for %s", ErrAuthenticationFailed, theirKeyID)
	}

	t.macVerified = true
	t.State = StateMACExchanged
	return nil, nil
}

func (t *Transaction) applyDone(ev Event) ([]Reply, error) {
	if t.State != StateMACExchanged {
		return t.cancelUnexpected(ev)
	}
	if !t.macVerified || !t.macSent {
		return t.cancelUnexpected(ev)
	}
	t.State = StateVerified
	if t.doneSent {
		return nil, nil
	}
	t.doneSent = true
	return []Reply{{EventType: "done", Content: map[string]any{"transaction_id": t.ID}}}, nil
}

func (t *Transaction) cancelUnexpected(ev Event) ([]Reply, error) {
	reply := t.CancelContent(CancelUnexpectedMessage, fmt.Sprintf("unexpected %s in state %s", ev.Type, t.State))
	return []Reply{{EventType: "cancel", Content: reply}},
		fmt.Errorf("%w: %s in %s", ErrUnexpectedEvent, ev.Type, t.State)
}

// MACContent builds our m.key.verification.mac payload, attesting our
// Ed25519 device key under the shared secret. Call after the SAS codes
// were confirmed by the user or an auto-accept policy.
func (t *Transaction) MACContent() (map[string]any, error) {
	if t.State != StateKeyExchanged && t.State != StateMACExchanged {
		return nil, ErrNotReady
	}
	info := macInfo(t.OurUser, t.OurDevice, t.TheirUser, t.TheirDevice, t.ID)

	keyID := "ed25519:" + t.OurDevice
	keyMAC, err := calculateMAC(t.SharedSecret, t.OurFingerprint, info+keyID)
	if err != nil {
		return nil, err
	}
	keysMAC, err := calculateMAC(t.SharedSecret, keyID, info+"KEY_IDS")
	if err != nil {
		return nil, err
	}
	t.macSent = true
	return map[string]any{
		"transaction_id": t.ID,
		"mac":            map[string]string{keyID: keyMAC},
		"keys":           keysMAC,
	}, nil
}

// DoneContent builds our m.key.verification.done payload, once per
// transaction. It returns nil if done was already sent or the MAC stage
// is incomplete.
func (t *Transaction) DoneContent() map[string]any {
	if t.doneSent || !t.macSent || t.State != StateMACExchanged {
		return nil
	}
	t.doneSent = true
	return map[string]any{"transaction_id": t.ID}
}

// DecimalCode returns the three-number SAS once keys are exchanged.
func (t *Transaction) DecimalCode() ([3]int, error) {
	if len(t.SASBytes) < 5 {
		return [3]int{}, ErrNotReady
	}
	return DecimalCode(t.SASBytes), nil
}

// EmojiCode returns the seven-emoji SAS once keys are exchanged.
func (t *Transaction) EmojiCode() ([7]Emoji, error) {
	if len(t.SASBytes) < 6 {
		return [7]Emoji{}, ErrNotReady
	}
	return EmojiCode(t.SASBytes), nil
}

func commitmentFor(publicKeyB64 string, startCanonical []byte) string {
	h := sha256.New()
	h.Write([]byte(publicKeyB64))
	h.Write(startCanonical)
	return base64.RawStdEncoding.EncodeToString(h.Sum(nil))
}

func sasMethodStrings(methods []SASMethod) []string {
	out := make([]string, 0, len(methods))
	for _, m := range methods {
		out = append(out, m.String())
	}
	return out
}

func toStrings(list []any) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
