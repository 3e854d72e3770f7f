package matrix

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ember-chat/ember/internal/cryptostore"
	"github.com/ember-chat/ember/internal/sas"
)

// sendRecorder captures to-device events the verifier sends out.
type sendRecorder struct {
	mu     sync.Mutex
	types  []string
	bodies []map[string]any
}

func (r *sendRecorder) record(eventType string, body map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, eventType)
	r.bodies = append(r.bodies, body)
}

func (r *sendRecorder) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.types...)
}

// testVerifier wires a Verifier over a server that knows no device keys,
// so every peer fingerprint lookup fails.
func testVerifier(t *testing.T) (*Verifier, *sendRecorder) {
	t.Helper()
	rec := &sendRecorder{}

	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/keys/query"):
			_, _ = w.Write([]byte(`{"device_keys":{}}`))
		case strings.Contains(r.URL.Path, "/sendToDevice/"):
			parts := strings.Split(r.URL.Path, "/sendToDevice/")
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			eventType := strings.SplitN(parts[1], "/", 2)[0]
			rec.record(eventType, body)
			_, _ = w.Write([]byte(`{}`))
		default:
			_, _ = w.Write([]byte(`{}`))
		}
	}))

	store, err := cryptostore.Open(t.TempDir(), []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	machine, err := NewMachine(client, store, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return NewVerifier(client, machine, slog.New(slog.DiscardHandler), false), rec
}

func TestInboundRequestWithoutPeerKeysCancels(t *testing.T) {
	verifier, rec := testVerifier(t)

	content, err := json.Marshal(map[string]any{
		"transaction_id": "txn-nokeys",
		"from_device":    "PEERDEV",
		"methods":        []string{sas.MethodSASv1},
	})
	require.NoError(t, err)

	err = verifier.HandleEvent(context.Background(), ToDeviceEvent{
		Type:    EventVerificationReq,
		Sender:  "@peer:example.org",
		Content: content,
	})
	require.NoError(t, err)

	// The request is answered with a cancel, never a ready.
	require.Equal(t, []string{EventVerificationCncl}, rec.sent())

	tx, ok := verifier.Transaction("txn-nokeys")
	require.True(t, ok)
	require.Equal(t, sas.StateCancelled, tx.State)
	require.Equal(t, sas.CancelKeyMismatch, tx.CancelCode)
}
