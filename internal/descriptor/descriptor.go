// Package descriptor identifies logical calls. Two descriptors are
// equivalent when their verb, endpoint and canonical payload serialization
// are equal; the derived key is shared by request coalescing and caching.
package descriptor

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Descriptor is one logical call: {endpoint, verb, payload}.
type Descriptor struct {
	Endpoint string
	Verb     string
	Payload  any
}

// New builds a Descriptor with the verb upper-cased and the endpoint in
// canonical dotted form.
func New(endpoint, verb string, payload any) Descriptor {
	return Descriptor{
		Endpoint: CanonicalEndpoint(endpoint),
		Verb:     strings.ToUpper(strings.TrimSpace(verb)),
		Payload:  payload,
	}
}

// Key returns the equivalence key of d.
func (d Descriptor) Key() (string, error) {
	body, err := Canonical(d.Payload)
	if err != nil {
		return "", err
	}
	return KeyFor(d.Verb, d.Endpoint, body), nil
}

// KeyFor derives the key from an already canonical payload.
func KeyFor(verb, endpoint string, canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return Prefix(verb, endpoint) + "|" + hex.EncodeToString(sum[:])
}

// Prefix is the key prefix shared by every call of verb on endpoint.
func Prefix(verb, endpoint string) string {
	return strings.ToUpper(verb) + "|" + CanonicalEndpoint(endpoint)
}

// CanonicalEndpoint trims surrounding slashes and whitespace and converts
// path separators to dots. Resource segments are preserved.
func CanonicalEndpoint(endpoint string) string {
	e := strings.Trim(strings.TrimSpace(endpoint), "/")
	return strings.ReplaceAll(e, "/", ".")
}

// Canonical returns a deterministic JSON serialization of payload. Object
// keys come out sorted, so maps built in different orders and structs with
// the same JSON shape serialize identically. Raw JSON input is
// re-canonicalized rather than trusted.
func Canonical(payload any) (json.RawMessage, error) {
	var raw []byte
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding payload: %w", err)
		}
		raw = b
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null"), nil
	}

	// Valid rejects trailing data, including stray closing brackets.
	if !json.Valid(raw) {
		return nil, errors.New("decoding payload: not a single valid JSON value")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}

	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return out, nil
}
