// Package stores provides the run-history persistence layer. It includes
// SQLite-based storage with WAL mode, embedded schema migrations, and
// read operations backing the history command. Recording is optional by
// contract: the sync engine runs the same with or without a store.
package stores
