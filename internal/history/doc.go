// Package history records child bridge status transitions in SQLite.
//
// Recorder is a childbridge.Listener: attach it to every supervisor and it
// appends one row per distinct snapshot. Repeated identical snapshots, such
// as a worker re-sending the same pairing state, are collapsed.
//
// Inserts run on the recorder's own goroutine, so a slow database never
// holds up the supervisor publishing the snapshot. Close drains the queue.
//
// The table is created by the host's migrations (bridge_status_history).
package history
