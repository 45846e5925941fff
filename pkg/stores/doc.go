// Package stores persists run history for podform: runs, per-state
// results, the grains and mapdata snapshots a run was rendered from, and
// run events. The SQLite implementation runs embedded migrations with
// golang-migrate.
package stores
