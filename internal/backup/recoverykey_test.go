package backup

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecoveryKeyRoundTrip(t *testing.T) {
	key, display, err := GenerateRecoveryKey()
	require.NoError(t, err)
	require.Len(t, key, 32)

	// Display form is grouped for humans.
	require.Contains(t, display, " ")

	decoded, err := DecodeRecoveryKey(display)
	require.NoError(t, err)
	require.Equal(t, key, decoded)

	// Whitespace is cosmetic.
	decoded, err = DecodeRecoveryKey(strings.ReplaceAll(display, " ", ""))
	require.NoError(t, err)
	require.Equal(t, key, decoded)
}

func TestDecodeRecoveryKeyRejectsCorruption(t *testing.T) {
	key, display, err := GenerateRecoveryKey()
	require.NoError(t, err)

	// Flip one character of the base58 form.
	compact := strings.ReplaceAll(display, " ", "")
	pos := len(compact) / 2
	replacement := byte('2')
	if compact[pos] == replacement {
		replacement = '3'
	}
	corrupted := compact[:pos] + string(replacement) + compact[pos+1:]
	_, err = DecodeRecoveryKey(corrupted)
	require.ErrorIs(t, err, ErrBadRecoveryKey)

	_, err = DecodeRecoveryKey("definitely not a recovery key")
	require.ErrorIs(t, err, ErrBadRecoveryKey)
	require.NotNil(t, key)
}

func TestDecodeRecoveryKeyBase64Fallback(t *testing.T) {
	key, _, err := GenerateRecoveryKey()
	require.NoError(t, err)

	decoded, err := DecodeRecoveryKey(encodeBase64(key))
	require.NoError(t, err)
	require.Equal(t, key, decoded)
}
