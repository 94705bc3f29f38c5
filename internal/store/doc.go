// Package store provides SQLite-backed durable storage for a workspace.
//
// The database holds:
//   - tx_log: the append-only transaction log (the reserved tx domain)
//   - documents: projected document collections keyed by (domain, id)
//   - meta: the projection watermark, the last log seq reflected in documents
//   - bootstrap_fingerprints: hierarchy/model fingerprints of past replays
//
// # Ordering
//
// The log is ordered by seq, assigned on append. Every query that returns
// more than one row has a deterministic ORDER BY ending in
// id COLLATE BINARY, so identical databases yield identical results.
//
// # Idempotency
//
// Appending a transaction whose id is already in the log is a no-op; the
// caller learns from the inserted flag that nothing should be projected.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - single open connection: one writer, no SQLITE_BUSY between our own
//     connections
//
// Attribute and payload JSON is RFC 8785 canonical JSON produced by
// core.MarshalCanonical.
package store
