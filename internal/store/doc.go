// Package store implements the durable local tier on SQLite. A single Store
// serves both the item store and the offline queue journal so both ride the
// same database file and the same single-writer connection.
package store
