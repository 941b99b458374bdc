package breaker

import (
	"errors"
	"fmt"
	"time"
)

// ErrDestroyed is returned by every Call made after Destroy.
var ErrDestroyed = errors.New("breaker: destroyed")

// OpenError is returned while the circuit is open. The protected
// operation is never invoked.
type OpenError struct {
	Name  string
	Until time.Time // earliest instant a trial call will be admitted
}

func (e *OpenError) Error() string {
	if e.Name == "" {
		return "breaker: circuit open"
	}
	return fmt.Sprintf("breaker %q: circuit open (next attempt at %s)", e.Name, e.Until.Format(time.RFC3339))
}

// IsOpen reports whether err originated from an open circuit.
func IsOpen(err error) bool {
	var oe *OpenError
	return errors.As(err, &oe)
}

// TimeoutError is returned when a call exceeds its per-call budget.
// The call is recorded as both a failure and a slow call; the underlying
// operation is abandoned and may still complete in the background.
type TimeoutError struct {
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("breaker: call timed out after %s", e.Limit)
}

// IsTimeout reports whether err is a per-call timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
