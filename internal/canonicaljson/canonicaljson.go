// Package canonicaljson produces the canonical JSON form used for Matrix
// signatures and commitments: keys sorted lexicographically, no insignificant
// whitespace, no HTML escaping.
package canonicaljson

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Encode returns the canonical JSON encoding of v. Any existing "signatures"
// and "unsigned" keys must be stripped by the caller before signing, as the
// Matrix signing rules require.
func Encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	// Round-trip through any so that struct field order is replaced by the
	// sorted map-key order encoding/json guarantees.
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tree); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// EncodeUnsigned encodes v canonically after removing the signatures and
// unsigned keys from its top level.
func EncodeUnsigned(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	delete(tree, "signatures")
	delete(tree, "unsigned")
	return Encode(tree)
}
