package matrix

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSeenEvent(t *testing.T) {
	d, err := newDeduper(4)
	require.NoError(t, err)

	require.False(t, d.seenEvent("$one"))
	require.True(t, d.seenEvent("$one"))
	require.False(t, d.seenEvent("$two"))

	// Events without an ID are never suppressed by the ID cache.
	require.False(t, d.seenEvent(""))
	require.False(t, d.seenEvent(""))
}

func TestSeenEventEviction(t *testing.T) {
	d, err := newDeduper(2)
	require.NoError(t, err)

	require.False(t, d.seenEvent("$a"))
	require.False(t, d.seenEvent("$b"))
	require.False(t, d.seenEvent("$c"))

	// $a was evicted by the bounded cache, so it reads as new again.
	require.False(t, d.seenEvent("$a"))
}

func TestAlignFingerprints(t *testing.T) {
	d, err := newDeduper(4)
	require.NoError(t, err)

	fpA := fingerprint("@a:example.org", "m.room.encrypted", []byte(`{"x":1}`))
	fpB := fingerprint("@b:example.org", "m.room.encrypted", []byte(`{"y":2}`))
	fpC := fingerprint("@c:example.org", "m.room.encrypted", []byte(`{"z":3}`))

	dup := d.alignFingerprints([]string{fpA, fpB})
	require.Equal(t, []bool{false, false}, dup)

	// Same batch redelivered: every position is a duplicate.
	dup = d.alignFingerprints([]string{fpA, fpB})
	require.Equal(t, []bool{true, true}, dup)

	// New content at position 1, while position 0 repeats.
	dup = d.alignFingerprints([]string{fpA, fpC})
	require.Equal(t, []bool{true, false}, dup)

	// The index is replaced wholesale: shorter batches forget old tails.
	dup = d.alignFingerprints([]string{fpC})
	require.Equal(t, []bool{false}, dup)
	dup = d.alignFingerprints([]string{fpC, fpB})
	require.Equal(t, []bool{true, false}, dup)
}

func TestFingerprintDistinguishesFields(t *testing.T) {
	base := fingerprint("@a:example.org", "m.room.encrypted", []byte(`{"x":1}`))
	require.NotEqual(t, base, fingerprint("@b:example.org", "m.room.encrypted", []byte(`{"x":1}`)))
	require.NotEqual(t, base, fingerprint("@a:example.org", "m.room.message", []byte(`{"x":1}`)))
	require.NotEqual(t, base, fingerprint("@a:example.org", "m.room.encrypted", []byte(`{"x":2}`)))
	require.Len(t, base, 32)
}
