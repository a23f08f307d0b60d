// Package storage persists engine state.
//
// One Backend implements every persistence contract the engine needs:
// liveness records (compare-and-swap on last activity), per-pair alert state,
// the durable offline queue and the delivery attempt log.
//
// Drivers:
//   - memory: in-process, lost on restart (tests, development)
//   - file: memory plus a JSON Lines journal and periodic snapshot
//   - sqlite: modernc.org/sqlite, WAL mode, single writer connection
//   - postgres: lib/pq
package storage
