package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Integrity computes and verifies the keyed fingerprint stored with every
// persisted user, group, policy and audit record. The fingerprint is an
// HMAC-SHA256 over the canonical JSON serialization of the record with the
// hash and consistency fields excluded; map keys are emitted in sorted
// order so the serialization is stable.
type Integrity struct {
	key []byte
}

// NewIntegrity creates an integrity service keyed by the server secret.
func NewIntegrity(secretKey string) *Integrity {
	return &Integrity{key: []byte(secretKey)}
}

// fields excluded from the fingerprint input.
var volatileFields = []string{"hash", "consistency"}

func (i *Integrity) canonical(entity any) ([]byte, error) {
	raw, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("serialize entity: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("reparse entity: %w", err)
	}
	for _, f := range volatileFields {
		delete(fields, f)
	}
	// encoding/json sorts map keys, which gives the stable field ordering.
	canonical, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("canonicalize entity: %w", err)
	}
	return canonical, nil
}

// Hash returns the fingerprint of entity under the server key.
func (i *Integrity) Hash(entity any) (string, error) {
	canonical, err := i.canonical(entity)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, i.key)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the fingerprint and compares it with stored. A
// mismatch marks the record compromised; the dispatcher refuses to use
// compromised records for authorization decisions.
func (i *Integrity) Verify(entity any, stored string) (bool, error) {
	computed, err := i.Hash(entity)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(computed), []byte(stored)), nil
}
