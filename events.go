package rescache

import (
	"time"

	"github.com/unkn0wn-root/rescache/breaker"
)

// EventSink receives discrete cache events. Implementations MUST be cheap
// and non-blocking; the cache calls them on hot paths. Wrap a slow sink
// with events/async to decouple delivery.
type EventSink interface {
	// Hit fires when a Get is served from the backend, or from the
	// fallback store (stale=true) while degraded.
	Hit(key string, latency time.Duration, stale bool)

	// Miss fires when the key is absent everywhere relevant.
	Miss(key string, latency time.Duration)

	// Set fires after a successful write.
	Set(key string, latency time.Duration)

	// Delete fires after a successful delete.
	Delete(key string, latency time.Duration)

	// Error fires when an operation fails (backend error, timeout, or
	// circuit rejection), before any degraded answer is produced.
	Error(key string, latency time.Duration, err error)

	// StateChange fires on every circuit breaker transition.
	StateChange(name string, from, to breaker.State)
}

// NopEvents is the default no-op sink.
type NopEvents struct{}

func (NopEvents) Hit(string, time.Duration, bool)               {}
func (NopEvents) Miss(string, time.Duration)                    {}
func (NopEvents) Set(string, time.Duration)                     {}
func (NopEvents) Delete(string, time.Duration)                  {}
func (NopEvents) Error(string, time.Duration, error)            {}
func (NopEvents) StateChange(string, breaker.State, breaker.State) {}
