// Package cache implements the tiered response cache: a fast in-memory
// tier in front of an optional durable key-value tier, with per-resource-type
// TTL and size-bounded FIFO eviction.
//
// # Tiers
//
// Reads check the memory tier first; on a miss, a valid durable-tier entry
// is promoted into memory. Writes go to both tiers. When no durable store
// is configured every operation degrades gracefully to memory-only behavior,
// and durable-tier failures are logged and treated as misses rather than
// surfaced to callers.
//
// # Namespaces
//
// Each resource type (chapter lists, resource details, search results,
// cover images, paginated pages) maps to a TTL and a maximum entry count.
// Unrecognized types fall back to the default namespace. Eviction removes
// the oldest entries by creation time, not by access.
//
// # Expiry
//
// Entries expire lazily on read and eagerly via a periodic sweep that scans
// both tiers, so keys written once and never re-read cannot accumulate.
//
// # Durable layout
//
// The durable tier stores each entry under "{resourceType}:{key}" as the
// JSON-serialized Entry. Entries are self-describing and TTL-bounded, so no
// schema migration is needed.
package cache
