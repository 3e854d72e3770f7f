// Package matrix wires the crypto engine, verification state machine,
// key backup and sync loop together against the client-server API.
package matrix

import "errors"

var (
	// ErrCryptoUnavailable means the crypto store could not be opened or
	// the account is missing. The engine degrades to no-decrypt rather
	// than taking the transport down.
	ErrCryptoUnavailable = errors.New("matrix: crypto unavailable")

	// ErrNoOutboundSession is a contract violation: encrypt was called
	// for a room before a group session was created.
	ErrNoOutboundSession = errors.New("matrix: no outbound group session for room")

	// ErrNoOlmSession means no ratchet session could decrypt a message
	// from a sender, after trying every cached session.
	ErrNoOlmSession = errors.New("matrix: no olm session for sender")
)
