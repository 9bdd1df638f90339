// Package storage is the persistent ledger of processed events plus a small
// namespaced key-value area for plugins.
//
// Drivers:
//   - sqlite: modernc.org/sqlite, the default
//   - file: dependency-free jsonl journal + snapshot
//   - redis: shared ledger for several bot processes
package storage
