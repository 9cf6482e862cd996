// Package cache keeps an in-memory mirror of remote entities, updated
// incrementally from the inbound event stream.
//
// Ownership boundary:
// - entity tables (guilds, channels, members, presences, messages, users)
//   and their indexes
// - Apply is the single mutation entry point; readers never block on it
// - recent-delete suppression so stale updates cannot resurrect entities
// - bounded per-channel message history; oldest messages age out first
//
// Consistency policy: the stream carries no ordering token across events
// for the same entity, so the cache adopts last-write-wins by arrival
// order, and deletes are absolute. A create after a delete is a legitimate
// recreate and clears the suppression. Callers must not read stronger
// guarantees into lookups than this policy provides.
package cache
