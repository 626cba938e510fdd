package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-bridgehost/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is in milliseconds.
	defaultDisconnectQuiesce = 1000

	defaultKeepAlive = 60 * time.Second
	maxQoS           = 2
	tlsMinVersion    = tls.VersionTLS12
)

// Host presence states published on Topics.HostStatus.
const (
	HostOnline  = "online"
	HostOffline = "offline"
)

// HostStatus is the payload of the host presence topic.
type HostStatus struct {
	Status     string `json:"status"`
	ClientID   string `json:"client_id"`
	InstanceID string `json:"instance_id"`
	Reason     string `json:"reason,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// buildClientOptions maps the host's MQTT config onto paho options.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port))
	opts.SetClientID(cfg.Broker.ClientID)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second)
	opts.SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	// Handlers run on their own goroutines; a slow command never stalls
	// paho's router or the keepalive.
	opts.SetOrderMatters(false)

	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}
	return opts
}

// configureLWT makes the broker publish an offline status if the host
// disappears without closing the connection.
func configureLWT(opts *pahomqtt.ClientOptions, clientID, instanceID string) {
	opts.SetWill(Topics{}.HostStatus(), string(hostStatusPayload(HostOffline, clientID, instanceID, "unexpected_disconnect")), 1, true)
}

func hostStatusPayload(status, clientID, instanceID, reason string) []byte {
	payload, _ := json.Marshal(HostStatus{ //nolint:errcheck // Plain struct cannot fail
		Status:     status,
		ClientID:   clientID,
		InstanceID: instanceID,
		Reason:     reason,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
	return payload
}
