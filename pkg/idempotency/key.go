// Package idempotency derives stable fingerprints for outbox operations.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Derive maps (operationType, endpoint, payload) to a stable hex-encoded
// SHA-256 key. The payload is canonicalized first so that two payloads that
// differ only in map key order converge on the same key. Two processes
// enqueuing the same logical operation therefore converge on one outbox row.
func Derive(operationType, endpoint string, payload map[string]any) (string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(operationType))
	h.Write([]byte("|"))
	h.Write([]byte(endpoint))
	h.Write([]byte("|"))
	h.Write(canonical)

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Canonicalize serializes a JSON tree with sorted object keys and compact
// separators. encoding/json already sorts map keys and emits no extra
// whitespace, which is exactly the canonical form we need.
func Canonicalize(payload map[string]any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	return json.Marshal(payload)
}
