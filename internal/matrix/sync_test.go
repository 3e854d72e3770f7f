package matrix

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ember-chat/ember/internal/cryptostore"
)

// The long-poll loop must ride out a garbled response body the same way
// it rides out server errors: log, wait, retry.
func TestSyncLoopSurvivesGarbledResponse(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int32
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/sync") {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			_, _ = w.Write([]byte(`{"next_batch": `))
		case 2:
			_, _ = w.Write([]byte(`{"next_batch":"s2"}`))
		default:
			cancel()
			_, _ = w.Write([]byte(`{"next_batch": `))
		}
	}))

	store, err := cryptostore.Open(t.TempDir(), []byte("sync-test-pickle-key"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	discard := slog.New(slog.DiscardHandler)
	machine, err := NewMachine(client, store, discard)
	require.NoError(t, err)
	verifier := NewVerifier(client, machine, discard, false)
	syncer, err := NewSyncer(client, machine, verifier, store, discard)
	require.NoError(t, err)
	syncer.retryDelay = time.Millisecond

	err = syncer.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// The batch after the garbled one was processed and persisted.
	token, err := store.SyncToken()
	require.NoError(t, err)
	require.Equal(t, "s2", token)
}
