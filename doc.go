// Package rescache implements a resilient cache access layer between
// callers and a key/value backend.
//
// Three mechanisms compose in the read path:
//
//   - single-flight: concurrent identical requests coalesce into one
//     backend operation whose outcome every caller shares.
//   - circuit breaker: backend health is tracked per cache; consecutive
//     failures (with an adaptive, slow-call-aware threshold) open the
//     circuit and fail calls fast until a cooldown elapses.
//   - graceful degradation: successful reads and writes mirror into a
//     bounded last-known-good store; while the backend is failing, reads
//     are answered from it (possibly stale, never unbounded - every
//     fallback entry carries a capped TTL) or report a clean miss.
//
// Components:
//   - backend.Backend: byte store with TTL (memory, Redis, Ristretto,
//     BigCache, or a tiered combination). Optional capabilities are
//     discovered by interface probing.
//   - codec.Codec[V]: (de)serializes V <-> []byte.
//   - breaker.Breaker and singleflight.Group: usable standalone.
//
// Typical construction:
//
//	c, err := rescache.New[User](rescache.Options[User]{
//	    Namespace: "user",
//	    Backend:   redisBackend,
//	    Codec:     codec.JSON[User]{},
//	    Breaker:   breaker.Config{Threshold: 3, Timeout: 10 * time.Second},
//	})
package rescache
