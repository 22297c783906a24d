// Package storage persists scheduled messages and their dispatch history.
//
// Backends:
//   - memory: process-local, used by tests and dry runs
//   - sqlite: single-file database (modernc.org/sqlite, no cgo)
//   - postgres: pgx pool with golang-migrate schema management
//
// Every status change is a conditional write keyed on the expected current
// status. Callers never overwrite a row blindly; a false result means another
// party (a concurrent tick, a cancel) got there first.
//
// An optional JSON-lines mirror (see HistoryFile) appends each attempt to a
// file for offline inspection.
package storage
