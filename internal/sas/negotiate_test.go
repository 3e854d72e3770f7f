package sas

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNegotiatePrefersStrongerMAC(t *testing.T) {
	got, err := negotiate(
		[]string{"curve25519-hkdf-sha256"},
		[]string{"sha256"},
		[]string{"hkdf-hmac-sha256", "hkdf-hmac-sha256.v2"},
		[]string{"emoji", "decimal"},
	)
	require.NoError(t, err)
	require.Equal(t, KeyAgreementCurve25519HKDF, got.KeyAgreement)
	require.Equal(t, HashSHA256, got.Hash)
	require.Equal(t, MACHKDFHMACSHA256V2, got.MAC)
	// SAS methods come back in our preference order, not the peer's.
	require.Equal(t, []SASMethod{SASDecimal, SASEmoji}, got.SAS)
}

func TestNegotiateLegacyMACFallback(t *testing.T) {
	got, err := negotiate(
		[]string{"curve25519-hkdf-sha256"},
		[]string{"sha256"},
		[]string{"hkdf-hmac-sha256"},
		[]string{"decimal"},
	)
	require.NoError(t, err)
	require.Equal(t, MACHKDFHMACSHA256, got.MAC)
	require.Equal(t, []SASMethod{SASDecimal}, got.SAS)
}

func TestNegotiateRejectsForeignAlgorithms(t *testing.T) {
	_, err := negotiate([]string{"curve448"}, []string{"sha256"},
		[]string{"hkdf-hmac-sha256.v2"}, []string{"decimal"})
	require.ErrorIs(t, err, ErrUnknownMethod)

	_, err = negotiate([]string{"curve25519-hkdf-sha256"}, []string{"sha512"},
		[]string{"hkdf-hmac-sha256.v2"}, []string{"decimal"})
	require.ErrorIs(t, err, ErrUnknownMethod)

	_, err = negotiate([]string{"curve25519-hkdf-sha256"}, []string{"sha256"},
		[]string{"hmac-md5"}, []string{"decimal"})
	require.ErrorIs(t, err, ErrUnknownMethod)

	_, err = negotiate([]string{"curve25519-hkdf-sha256"}, []string{"sha256"},
		[]string{"hkdf-hmac-sha256.v2"}, []string{"morse"})
	require.ErrorIs(t, err, ErrUnknownMethod)
}
