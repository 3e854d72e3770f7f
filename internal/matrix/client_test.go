package matrix

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL, "@u:example.org", "DEV", "token123",
		slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return c
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient("not a url", "@u:example.org", "DEV", "t", slog.New(slog.DiscardHandler))
	require.Error(t, err)
	_, err = NewClient("", "@u:example.org", "DEV", "t", slog.New(slog.DiscardHandler))
	require.Error(t, err)
}

func TestDoSendsBearerToken(t *testing.T) {
	var gotAuth string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))

	require.NoError(t, c.SendToDevice(context.Background(), "m.test", nil))
	require.Equal(t, "Bearer token123", gotAuth)
}

func TestDoParsesMatrixErrors(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errcode":"M_NOT_FOUND","error":"no backup"}`))
	}))

	_, err := c.BackupVersion(context.Background())
	require.Error(t, err)

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, http.StatusNotFound, terr.StatusCode)
	require.Equal(t, "M_NOT_FOUND", terr.Code)
	require.True(t, IsNotFound(err))
}

func TestIsNotFoundIgnoresOtherErrors(t *testing.T) {
	require.False(t, IsNotFound(nil))
	require.False(t, IsNotFound(context.Canceled))
	require.False(t, IsNotFound(&TransportError{StatusCode: 500, Code: "M_UNKNOWN"}))
	require.True(t, IsNotFound(&TransportError{StatusCode: 400, Code: "M_NOT_FOUND"}))
}

func TestSyncPassesCursor(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "s100", r.URL.Query().Get("since"))
		require.NotEmpty(t, r.URL.Query().Get("timeout"))
		_ = json.NewEncoder(w).Encode(map[string]any{"next_batch": "s101"})
	}))

	resp, err := c.Sync(context.Background(), "s100", 0)
	require.NoError(t, err)
	require.Equal(t, "s101", resp.NextBatch)
}

func TestQueryKeysShape(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Contains(t, body, "device_keys")
		_, _ = w.Write([]byte(`{"device_keys":{"@u:example.org":{"DEV":{
			"user_id":"@u:example.org","device_id":"DEV",
			"keys":{"ed25519:DEV":"edkey","curve25519:DEV":"curvekey"}}}}}`))
	}))

	keys, err := c.QueryKeys(context.Background(), map[string][]string{"@u:example.org": {}})
	require.NoError(t, err)
	info := keys["@u:example.org"]["DEV"]
	require.Equal(t, "edkey", info.Ed25519())
	require.Equal(t, "curvekey", info.Curve25519())
}
