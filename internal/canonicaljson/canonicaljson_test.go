package canonicaljson

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeSortsKeys(t *testing.T) {
	out, err := Encode(map[string]any{
		"zebra": 1,
		"alpha": map[string]any{"nested_z": true, "nested_a": false},
		"mango": []any{"b", "a"},
	})
	require.NoError(t, err)
	require.Equal(t,
		`{"alpha":{"nested_a":false,"nested_z":true},"mango":["b","a"],"zebra":1}`,
		string(out))
}

func TestEncodeStructMatchesMap(t *testing.T) {
	type payload struct {
		UserID   string `json:"user_id"`
		DeviceID string `json:"device_id"`
	}
	fromStruct, err := Encode(payload{UserID: "@u:example.org", DeviceID: "DEV"})
	require.NoError(t, err)
	fromMap, err := Encode(map[string]any{
		"user_id":   "@u:example.org",
		"device_id": "DEV",
	})
	require.NoError(t, err)
	require.Equal(t, fromMap, fromStruct)
}

func TestEncodeDoesNotEscapeHTML(t *testing.T) {
	out, err := Encode(map[string]any{"body": "<b>&</b>"})
	require.NoError(t, err)
	require.Equal(t, `{"body":"<b>&</b>"}`, string(out))
}

func TestEncodeUnsignedStripsEnvelopeKeys(t *testing.T) {
	out, err := EncodeUnsigned(map[string]any{
		"user_id":    "@u:example.org",
		"signatures": map[string]any{"@u:example.org": map[string]any{"ed25519:DEV": "sig"}},
		"unsigned":   map[string]any{"age": 1},
	})
	require.NoError(t, err)
	require.Equal(t, `{"user_id":"@u:example.org"}`, string(out))
}
