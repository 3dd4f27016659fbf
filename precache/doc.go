// Package precache wraps calls to slow, rate-limited upstream services with a
// shared cache that is refreshed ahead of use.
//
// A [Client] owns the shared [cache.Store]. Each named cache is configured
// once with a [Config] and used through the [Cache] handle returned by
// [Client.Cache]:
//
//	summaries, err := client.Cache(precache.Config{
//		Name:           "offenderDetailSummary",
//		SuccessSoftTTL: 5 * time.Minute,
//		FailureBackoff: []time.Duration{30 * time.Second, 2 * time.Minute, 10 * time.Minute},
//		HardTTL:        24 * time.Hour,
//	})
//	res, err := summaries.Get(ctx, crn, call, fetch, precache.Preemptive())
//
// Entries are stored under "<name>-<key>" with the hard ttl as native store
// expiry. Each entry records when it becomes stale (its soft ttl). What a
// read does then depends on the [Mode]:
//
//   - [Preemptive]: fresh entries are returned without touching the
//     upstream. Missing or stale entries are fetched synchronously and the new
//     outcome is returned.
//   - [Wait]: the caller never fetches. Present entries are returned, stale
//     or not. Missing entries are polled for until the timeout, which fails
//     with [ErrPreemptiveCacheTimeout]. A refresh scheduler is expected to keep
//     such keys warm.
//
// Upstream failures are stored like successes, with a soft ttl taken from the
// failure backoff, so callers within the window get the cached
// [*UpstreamError] instead of hitting a failing upstream again.
//
// Refreshes of one key are single-flight: callers in one process share a
// single fetch, and a short-lived store lock keeps other processes from
// fetching the same key at the same time. Callers that find the lock taken
// wait for the holder's entry, and fetch themselves only if it never appears.
package precache
