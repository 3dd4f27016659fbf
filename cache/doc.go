// Package cache provides the shared key/value store used by the preemptive
// cache client.
//
// # Store Interface
//
// The [Store] interface is byte oriented: values are opaque blobs and
// serialization belongs to the caller. Every operation takes a context.
// Entries carry a native TTL that the store enforces on its own, so a caller
// never has to special-case "present but too old": such a key simply reads as
// missing.
//
// Besides Get, Set and Expire the interface offers:
//
//   - [Store.ExpirePrefix] removes every key of a namespace. It is how whole
//     named caches are invalidated.
//   - [Store.Lock] is a non-blocking conditional set. The returned [Lock]
//     carries a random token and [Lock.Release] only deletes the key while the
//     token still matches, so a holder whose lock expired cannot release a lock
//     that somebody else acquired since.
//
// # Implementations
//
//   - [NewRedis]: backed by Redis using [github.com/redis/go-redis/v9].
//     Expiry uses native Redis TTL. Prefix deletion walks the key space with
//     SCAN MATCH in batches and deletes each batch, so it is safe to run
//     against a large production keyspace. Locks use SET NX PX and a Lua
//     compare-and-delete. An optional key prefix ([WithPrefix]) namespaces
//     everything on a shared Redis. The caller owns the [redis.Client]
//     lifecycle; [Store.Close] is a no-op. Each operation uses a per-query
//     timeout ([DefaultQueryTimeout]).
//
//   - [NewInMemory]: in-process map guarded by a mutex. Values are copied on
//     the way in and out. Expired entries are cleaned up by a background
//     goroutine at a configurable interval ([WithExpiryCheck]). The clock is
//     injectable ([WithClock]) which makes it the backend of choice for tests.
//     It is not shared across processes.
package cache
