// Package host runs every child bridge declared in the bridges file.
//
// New reads the bridges file and builds one childbridge.Supervisor per child
// bridge:
//
//   - platform blocks carrying a "_bridge" section are grouped by
//     (platform identifier, _bridge.username); each group is one bridge
//   - every accessory block carrying a "_bridge" section is its own bridge
//   - a username already taken by another bridge is rejected
//   - the identifier is resolved to a compiled-in plugin through the worker
//     registry; unknown identifiers are rejected
//
// Blocks without "_bridge" are not child bridges and are ignored here.
//
// All supervisors share one ports.Arbiter (range from the bridges file, or
// the host config as fallback) and one shutdown channel. Shutdown closes the
// channel and waits, at most the configured grace period, for every worker
// to exit.
package host
