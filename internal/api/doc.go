// Package api provides the management HTTP API for the bridge host.
//
// It lists child bridges and their port leases, starts, stops and restarts
// them, serves the recorded status history, streams metadata snapshots over
// WebSocket and exposes Prometheus metrics.
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Mutating routes require an operator token (see package auth) signed with
// security.jwt.secret when one is configured. Read routes are always open.
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
