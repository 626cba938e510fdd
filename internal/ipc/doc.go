// Package ipc implements the control channel between the bridge host and a
// worker process.
//
// Every message is one line of JSON:
//
//	{"id": "<kind>", "data": <payload>}
//
// The handshake runs in this order:
//
//	worker -> host  ready
//	host -> worker  load
//	worker -> host  loaded        {"version": "1.0.0"}
//	host -> worker  start
//	worker -> host  online
//
// After loaded the worker may also send portRequest and status at any time;
// the host answers every portRequest with portAllocated.
//
// The message set is closed. Decode discards anything that is not one of the
// known kinds with a well-formed payload, so version skew between host and
// worker drops messages instead of breaking the channel.
package ipc
