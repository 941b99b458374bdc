package rescache

import (
	"errors"
	"fmt"

	"github.com/unkn0wn-root/rescache/backend"
	"github.com/unkn0wn-root/rescache/breaker"
)

// ErrNotSupported is returned when an operation requires a capability the
// configured backend does not implement.
var ErrNotSupported = errors.New("rescache: operation not supported by backend")

// BackendError wraps an I/O failure from the backend. Backend errors count
// against the circuit breaker and trigger fallback consultation;
// validation errors and circuit rejections never carry this type, so
// callers can tell a data-path failure from a fast-fail.
type BackendError struct {
	Op  string // "get", "set", "del", ...
	Key string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("rescache: backend %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// IsBackendError reports whether err originated from backend I/O.
func IsBackendError(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}

// IsValidation reports whether err is a key/ttl validation failure.
func IsValidation(err error) bool {
	var ve *backend.ValidationError
	return errors.As(err, &ve)
}

// IsCircuitOpen reports whether err means the circuit rejected the call
// without invoking the backend.
func IsCircuitOpen(err error) bool { return breaker.IsOpen(err) }

// IsTimeout reports whether err is a per-operation timeout.
func IsTimeout(err error) bool { return breaker.IsTimeout(err) }
