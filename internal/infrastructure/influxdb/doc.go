// Package influxdb writes child bridge status points to InfluxDB.
//
// It wraps the official influxdb-client-go v2 client: a non-blocking, batched
// write API with asynchronous error delivery. StatusListener turns every
// supervisor snapshot into one child_bridge_status point so restarts and
// outages can be graphed next to other home telemetry.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // optional, carry on without it
//	}
//	defer client.Close()
//
// The token should come from BRIDGEHOST_INFLUXDB_TOKEN, not the config file.
package influxdb
