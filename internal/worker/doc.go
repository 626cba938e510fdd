// Package worker is the child side of the control channel.
//
// A worker process runs exactly one child bridge. It announces itself with
// ready, loads the plugin named in the host's load message from the plugin
// registry, starts it when told to, and reports online once the plugin's
// Start returns. Plugins reach the host through Services: RequestPort asks
// the host's port arbiter for a port and UpdateStatus reports pairing state.
//
// Plugins are compiled in and register themselves from init:
//
//	func init() {
//	    worker.Register(worker.Registration{
//	        Name:      "virtual",
//	        Version:   "1.0.0",
//	        Platforms: []string{"Virtual"},
//	        New:       New,
//	    })
//	}
package worker
