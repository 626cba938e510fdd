// Package mqtt connects the bridge host to an MQTT broker.
//
// The host uses MQTT as an outward status bus: every child bridge's metadata
// is published retained on bridgehost/bridge/{username}/status, the host's
// own presence on bridgehost/host/status (with a Last Will so subscribers see
// a crash), and start/stop/restart commands are accepted on
// bridgehost/bridge/{username}/command.
//
//	client, err := mqtt.Connect(cfg.MQTT, instanceID)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	supervisorListener := mqtt.NewStatusListener(client)
//
// Subscriptions are tracked and restored after a reconnect. Handlers run on
// paho's goroutines and are wrapped with panic recovery.
//
// # Security Considerations
//
//   - Set broker.tls for anything beyond a local broker
//   - Credentials should come from BRIDGEHOST_MQTT_USERNAME/PASSWORD
//   - Anyone who can publish to the command topics can stop bridges; restrict
//     them with broker ACLs
package mqtt
