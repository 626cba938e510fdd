package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-bridgehost/internal/childbridge"
)

// MeasurementBridgeStatus is the measurement written for each snapshot.
const MeasurementBridgeStatus = "child_bridge_status"

// statusCodes gives each status a numeric field for graphing.
var statusCodes = map[childbridge.Status]int{
	childbridge.StatusDown:    0,
	childbridge.StatusPending: 1,
	childbridge.StatusOnline:  2,
}

// StatusPoint builds the point for one metadata snapshot.
//
// Identity goes into tags; status, paired state and PID go into fields so
// cardinality stays bounded by the number of child bridges.
//
// Parameters:
//   - m: Snapshot published by a supervisor
//   - ts: Point timestamp
//
// Returns:
//   - *write.Point: A child_bridge_status point; paired and pid are omitted
//     while unknown
func StatusPoint(m childbridge.Metadata, ts time.Time) *write.Point {
	tags := map[string]string{
		"username":   m.Username,
		"name":       m.Name,
		"plugin":     m.Plugin,
		"identifier": m.Identifier,
	}
	fields := map[string]any{
		"status":           string(m.Status),
		"status_code":      statusCodes[m.Status],
		"manually_stopped": m.ManuallyStopped,
	}
	if m.Paired != nil {
		fields["paired"] = *m.Paired
	}
	if m.PID != 0 {
		fields["pid"] = m.PID
	}
	return write.NewPoint(MeasurementBridgeStatus, tags, fields, ts)
}

// WriteBridgeStatus writes a status point for one snapshot.
//
// The write is non-blocking; points are batched and sent asynchronously,
// and failures surface through SetOnError. Points are dropped when
// disconnected.
//
// Parameters:
//   - m: Snapshot to record, stamped with the current time
//
// Example:
//
//	client.WriteBridgeStatus(supervisor.Metadata())
func (c *Client) WriteBridgeStatus(m childbridge.Metadata) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(StatusPoint(m, time.Now()))
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
//
// Example:
//
//	client.WritePoint("bridgehost_ports",
//	    map[string]string{"range": "52100-52150"},
//	    map[string]any{"allocated": 3})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}

// StatusWriter is the part of Client the status listener needs.
type StatusWriter interface {
	IsConnected() bool
	WriteBridgeStatus(m childbridge.Metadata)
}

// StatusListener writes every snapshot as a child_bridge_status point.
type StatusListener struct {
	w StatusWriter
}

// NewStatusListener creates a listener writing through w.
func NewStatusListener(w StatusWriter) *StatusListener {
	return &StatusListener{w: w}
}

// BridgeStatusChanged implements childbridge.Listener.
func (l *StatusListener) BridgeStatusChanged(m childbridge.Metadata) error {
	if !l.w.IsConnected() {
		return ErrNotConnected
	}
	l.w.WriteBridgeStatus(m)
	return nil
}
