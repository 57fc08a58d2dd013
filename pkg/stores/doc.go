// Package stores provides the persistence layer of the module kernel: an
// append-only SQLite journal of module state transitions and orchestration
// runs, migrated with golang-migrate from embedded SQL files.
package stores
