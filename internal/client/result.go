package client

import (
	"encoding/json"
	"errors"
	"time"
)

// Provenance tells the caller where a returned value came from.
type Provenance string

const (
	// Fresh values were just returned by the remote operation.
	Fresh Provenance = "fresh"
	// Cached values are unexpired cache entries.
	Cached Provenance = "cache"
	// CacheStale values are expired cache entries served because the remote
	// operation could not be reached.
	CacheStale Provenance = "cache-stale"
	// Fallback values are synthetic defaults served when there was no cache
	// entry at all.
	Fallback Provenance = "fallback"
	// FreshError marks a result whose remote operation reported an
	// application error. Data is empty; the error is returned alongside.
	FreshError Provenance = "fresh-error"
)

// Degraded reports whether p is a substitute for a fresh value.
func (p Provenance) Degraded() bool {
	return p == CacheStale || p == Fallback
}

// Result is the outcome of one logical call.
type Result struct {
	Data       json.RawMessage `json:"data"`
	Provenance Provenance      `json:"provenance"`
	Operation  string          `json:"operation"`
	// StoredAt is when a cached value was written. Zero for fresh values.
	StoredAt time.Time `json:"stored_at,omitzero"`
	// Attempts counts remote attempts made for this result; 0 when served
	// from cache without touching the network.
	Attempts int `json:"attempts"`
	// Shared is set when the value was produced for another, equivalent
	// call that was in flight at the same time.
	Shared bool `json:"shared"`
}

// Decode unmarshals the result data into v.
func (r *Result) Decode(v any) error {
	if r == nil || len(r.Data) == 0 {
		return errors.New("result has no data")
	}
	return json.Unmarshal(r.Data, v)
}

func (r *Result) clone(shared bool) *Result {
	if r == nil {
		return nil
	}
	out := *r
	out.Data = append(json.RawMessage(nil), r.Data...)
	out.Shared = r.Shared || shared
	return &out
}
