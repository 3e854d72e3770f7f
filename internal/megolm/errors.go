package megolm

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownSession is returned when decryption is attempted with a
	// session that was never imported. Callers react by requesting the
	// room key, not by failing hard.
	ErrUnknownSession = errors.New("megolm: unknown session")

	// ErrRatchetRewind is returned for message indexes the ratchet has
	// already advanced past. It matches ErrUnknownSession under errors.Is
	// because the caller's recovery is the same: the key material for
	// that index is simply not held.
	ErrRatchetRewind = fmt.Errorf("%w: message index already consumed", ErrUnknownSession)

	ErrMalformedSessionKey = errors.New("megolm: malformed session key")
	ErrMalformedMessage    = errors.New("megolm: malformed message")
	ErrBadMAC              = errors.New("megolm: MAC verification failed")
	ErrBadSignature        = errors.New("megolm: signature verification failed")
)
