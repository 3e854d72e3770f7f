package backup

import "errors"

var (
	ErrBadRecoveryKey = errors.New("backup: invalid recovery key")

	// ErrPublicKeyMismatch means the supplied recovery key does not
	// correspond to the backup's registered public key. Nothing decrypted
	// under it may be trusted.
	ErrPublicKeyMismatch = errors.New("backup: recovery key does not match backup public key")

	ErrBadMAC         = errors.New("backup: MAC verification failed")
	ErrMalformedEntry = errors.New("backup: malformed backup entry")
)
