// Package cache is the embedding cache: content-hash key to vector, bounded
// by a global byte budget and an optional TTL, persisted through a
// write-ahead log.
//
// # Layout
//
// Entries live in 16 shards selected with maphash. Each shard owns a mutex,
// a map and a container/list LRU. The byte budget is global; eviction pops
// shard tails round-robin and never holds more than one shard lock.
//
// # Lifecycle
//
// An entry is Fresh until its TTL elapses, then Stale: Get treats it as a
// miss but it keeps its bytes until Sweep removes it. A hit moves the entry
// to the LRU front without resetting its TTL clock.
//
// # Persistence
//
// Put and Delete append to the log before the in-memory change becomes
// visible. Open replays the log, drops entries that expired while the
// process was down and discards a torn tail. Evictions are not logged; the
// log is rewritten with only live entries once it grows past CompactRatio
// times their size. LRU recency survives only through that rewrite, which
// emits entries oldest first.
package cache
