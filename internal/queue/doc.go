// Package queue persists conversion items in SQLite and exposes helpers for
// driving their lifecycle.
//
// The Store manages database connections, schema initialization, stats
// queries, heartbeat tracking, stuck-item recovery, and status transitions.
// Queue items capture source fingerprints, output paths, vendor profiles, and
// the identifier pair stamped into converted files so stages can coordinate
// without additional state.
//
// The database is treated as transient storage for in-flight jobs rather than
// a long-term archive. Schema changes bump the version in schema.go; users
// clear the database to adopt the new schema.
package queue
