// Package childbridge supervises the worker process behind one child bridge.
//
// A Supervisor owns one worker at a time. It spawns the worker, drives it
// through the ready/load/loaded/start/online handshake, answers its port
// requests, and restarts it when it exits:
//
//   - Exit code 1 without a signal is treated as a plugin crash. The worker
//     is respawned after 10s, 20s, 30s and 40s; the fifth consecutive crash
//     leaves the bridge down until it is started by hand.
//   - Any other exit respawns immediately and resets the crash count.
//   - A bridge stopped by hand, or a host that is shutting down, never
//     respawns.
//
// Every status change is handed to a Publisher, which forwards the
// Metadata snapshot to the host's listeners.
//
// The crash test is a heuristic: a plugin that exits 1 on purpose is
// counted as a crash, and one that crashes with another code is not.
package childbridge
