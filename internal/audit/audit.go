// Package audit implements the per-tenant, hash-chained audit log for site
// inspection evidence.
//
// Every tenant owns an independent chain. The first entry of a chain carries
// PrevHash == GenesisHash ("GENESIS"); every later entry carries the EntryHash
// of its predecessor. An entry's hash is
//
//	sha256_hex(prev_hash + ":" + sha256_hex(canonical(payload)))
//
// so recomputing it from the stored row detects any edit to the payload, and
// checking the PrevHash links detects removed or reordered entries.
//
// Three implementations of the Ledger interface are provided:
//   - MemoryLedger: in-process, for testing and development.
//   - SQLiteLedger: single-node durable storage.
//   - PostgresLedger: durable, for production use.
package audit
