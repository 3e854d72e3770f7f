package matrix

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ember-chat/ember/internal/cryptostore"
)

// A device the key query never sees still gets one direct claim attempt
// before being skipped.
func TestRunClaimsForDeviceWithoutPublishedKeys(t *testing.T) {
	var claims int32
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/keys/upload"):
			_, _ = w.Write([]byte(`{"one_time_key_counts":{"signed_curve25519":50}}`))
		case strings.Contains(r.URL.Path, "/devices"):
			_, _ = w.Write([]byte(`{"devices":[{"device_id":"DEV"},{"device_id":"GHOST"}]}`))
		case strings.Contains(r.URL.Path, "/keys/query"):
			_, _ = w.Write([]byte(`{"device_keys":{"@u:example.org":{}}}`))
		case strings.Contains(r.URL.Path, "/keys/claim"):
			atomic.AddInt32(&claims, 1)
			_, _ = w.Write([]byte(`{"one_time_keys":{}}`))
		default:
			_, _ = w.Write([]byte(`{}`))
		}
	}))

	store, err := cryptostore.Open(t.TempDir(), []byte("autosetup-test-pickle-key"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	discard := slog.New(slog.DiscardHandler)
	machine, err := NewMachine(client, store, discard)
	require.NoError(t, err)
	verifier := NewVerifier(client, machine, discard, false)
	setup := NewAutoSetup(client, machine, verifier, discard)

	require.NoError(t, setup.Run(context.Background()))
	require.Equal(t, int32(1), atomic.LoadInt32(&claims))
}
