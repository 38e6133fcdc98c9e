// Package stores persists plans, their steps, step executions and lifecycle
// events. SQLiteStore keeps them in a SQLite database migrated from embedded
// SQL files; MemoryStore keeps them in process for tests and ephemeral runs.
package stores
