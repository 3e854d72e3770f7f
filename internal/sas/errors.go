package sas

import "errors"

var (
	// ErrAuthenticationFailed covers commitment and MAC mismatches. A
	// transaction that hits it is cancelled and can never verify.
	ErrAuthenticationFailed = errors.New("sas: authentication failed")

	// ErrUnexpectedEvent is returned when a protocol event arrives in a
	// state that cannot accept it. The transaction cancels itself.
	ErrUnexpectedEvent = errors.New("sas: unexpected event for state")

	// ErrUnknownMethod is returned when negotiation finds no mutually
	// supported algorithm.
	ErrUnknownMethod = errors.New("sas: no mutually supported method")

	// ErrNotReady is returned when SAS bytes or MACs are requested before
	// the key exchange completed.
	ErrNotReady = errors.New("sas: key exchange not complete")
)

// Cancellation codes sent on the wire.
const (
	CancelUser              = "m.user"
	CancelTimeout           = "m.timeout"
	CancelUnexpectedMessage = "m.unexpected_message"
	CancelKeyMismatch       = "m.key_mismatch"
	CancelMismatchedCommit  = "m.mismatched_commitment"
	CancelMismatchedSAS     = "m.mismatched_sas"
	CancelUnknownMethod     = "m.unknown_method"
)
