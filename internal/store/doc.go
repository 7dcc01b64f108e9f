// Package store is the persistence layer of the orchestration core.
//
// It speaks plain database/sql against either a SQLite file
// (modernc.org/sqlite) or PostgreSQL (lib/pq), selected by config.
// Every multi-step claim/reset/merge operation runs through InTx, which
// provides serializable read-modify-write semantics; a detected write
// conflict surfaces as ErrConflict and is retried by the caller's
// transaction layer, never by this package.
package store
