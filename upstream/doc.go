// Package upstream is the HTTP client used to fetch cacheable responses from
// slow upstream services.
//
// A [Client] retries connection errors and transient statuses with
// exponential backoff and can be guarded by a circuit breaker. Error statuses
// are not errors: they are returned in the [precache.Response] so the cache
// can store them as failures. Bodies larger than the configured in-memory
// limit are handed over as a stream instead of being buffered.
//
// An [Endpoint] binds a client to a method and a path template, and produces
// the call descriptor and fetch function the cache needs for a key.
package upstream
