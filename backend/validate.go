package backend

import (
	"fmt"
	"time"
)

// Limits enforced by every backend variant. Validation lives here, not in
// the individual stores, so all variants reject exactly the same inputs.
const (
	MaxKeyLength = 512
	MaxTTL       = 30 * 24 * time.Hour
)

// ValidationError marks malformed caller input (key or ttl). It is never
// retried and never counted against a circuit breaker.
type ValidationError struct {
	Field  string // "key" or "ttl"
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("rescache: invalid %s: %s", e.Field, e.Reason)
}

// ValidateKey rejects empty keys, oversized keys, and keys containing
// control characters.
func ValidateKey(key string) error {
	if key == "" {
		return &ValidationError{Field: "key", Reason: "empty"}
	}
	if len(key) > MaxKeyLength {
		return &ValidationError{Field: "key", Reason: fmt.Sprintf("length %d exceeds %d", len(key), MaxKeyLength)}
	}
	for i := 0; i < len(key); i++ {
		if c := key[i]; c < 0x20 || c == 0x7f {
			return &ValidationError{Field: "key", Reason: fmt.Sprintf("control character 0x%02x at index %d", c, i)}
		}
	}
	return nil
}

// ValidateTTL rejects negative TTLs and TTLs beyond MaxTTL. 0 is allowed
// and means "use the configured default" at the orchestrator level.
func ValidateTTL(ttl time.Duration) error {
	if ttl < 0 {
		return &ValidationError{Field: "ttl", Reason: "negative"}
	}
	if ttl > MaxTTL {
		return &ValidationError{Field: "ttl", Reason: fmt.Sprintf("%s exceeds maximum %s", ttl, MaxTTL)}
	}
	return nil
}
