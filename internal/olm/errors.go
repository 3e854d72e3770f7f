package olm

import "errors"

var (
	// ErrMalformedPayload reports ciphertext or key material that cannot be
	// parsed. It never aborts batch processing at higher layers.
	ErrMalformedPayload = errors.New("olm: malformed payload")

	// ErrBadMAC reports a per-message authentication failure.
	ErrBadMAC = errors.New("olm: message authentication failed")

	// ErrUnknownOneTimeKey reports a prekey message referencing a one-time
	// key this account no longer holds (already consumed, or never ours).
	ErrUnknownOneTimeKey = errors.New("olm: unknown one-time key")

	// ErrWrongSession reports a message that does not belong to the session
	// it was tried against. Callers try their other cached sessions.
	ErrWrongSession = errors.New("olm: message does not match session")

	// ErrNotPreKey reports a normal message where a prekey message was
	// required to establish an inbound session.
	ErrNotPreKey = errors.New("olm: not a prekey message")
)
