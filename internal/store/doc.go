// Package store provides SQLite-backed durable storage for the ruleset
// registry and quote snapshots.
//
// The store holds:
//   - Rulesets: draft, published and deprecated ruleset versions
//   - Quote versions: append-only snapshots of issued quotes
//   - Quote heads: the latest version of each quote
//   - Acceptances: at most one per quote version, never updated
//
// # Integrity
//
// Published ruleset content and quote versions are protected by triggers;
// an UPDATE or DELETE that would change them aborts. Content is stored as
// RFC 8785 canonical JSON so that checksums recompute byte for byte after
// a round trip, and every load re-verifies them.
//
// State transitions are conditional UPDATEs (status = 'draft' for publish,
// head_id = supersedes for a new quote version) so concurrent writers
// cannot both win.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
