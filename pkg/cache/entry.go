package cache

import (
	"encoding/json"
	"time"
)

// Entry is one cached payload. Entries are immutable once created; a Set on
// an existing key replaces the entry rather than mutating it.
type Entry struct {
	// Value is the cached payload, kept opaque.
	Value json.RawMessage `json:"value"`

	// CreatedAt orders entries for FIFO eviction.
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is when the entry stops being served. Always after CreatedAt.
	ExpiresAt time.Time `json:"expires_at"`
}

// Valid reports whether the entry may still be served at now.
func (e *Entry) Valid(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// TTL returns the remaining time until expiration, or 0 if already expired.
func (e *Entry) TTL(now time.Time) time.Duration {
	ttl := e.ExpiresAt.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}
