package mqtt

import (
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// maxPayloadSize matches the broker's default message limit.
const maxPayloadSize = 1 << 20

// Publish sends a message to the specified topic and waits for the broker to
// acknowledge it.
//
// Parameters:
//   - topic: full MQTT topic, e.g. "bridgehost/bridge/0E:11:22:33:44:55/status"
//   - payload: message body, at most 1 MiB
//   - qos: 0 (at most once), 1 (at least once) or 2 (exactly once)
//   - retained: whether the broker keeps the message for late subscribers
//
// Returns:
//   - error: ErrNotConnected, ErrInvalidTopic, ErrInvalidQoS, or
//     ErrPublishFailed when the broker rejects the message or does not
//     answer within the publish timeout
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	token, err := c.send(topic, payload, qos, retained)
	if err != nil {
		return err
	}
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// PublishAsync hands a message to paho and returns without waiting for the
// broker. The acknowledgement is awaited on a separate goroutine and a
// failure or timeout is logged.
//
// Use it from callers that must not block, such as status listeners invoked
// while a supervisor holds its lock. Messages keep their publish order.
//
// Returns:
//   - error: only validation failures and ErrNotConnected; delivery
//     failures are logged, never returned
func (c *Client) PublishAsync(topic string, payload []byte, qos byte, retained bool) error {
	token, err := c.send(topic, payload, qos, retained)
	if err != nil {
		return err
	}
	go c.awaitToken(topic, token)
	return nil
}

// PublishRetained publishes a retained message at the configured QoS and
// waits for the acknowledgement.
func (c *Client) PublishRetained(topic string, payload []byte) error {
	return c.Publish(topic, payload, byte(c.cfg.QoS), true)
}

// PublishRetainedAsync publishes a retained message at the configured QoS
// without waiting.
func (c *Client) PublishRetainedAsync(topic string, payload []byte) error {
	return c.PublishAsync(topic, payload, byte(c.cfg.QoS), true)
}

// send validates and queues one message with paho.
func (c *Client) send(topic string, payload []byte, qos byte, retained bool) (pahomqtt.Token, error) {
	if topic == "" {
		return nil, ErrInvalidTopic
	}
	if qos > maxQoS {
		return nil, ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return nil, fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}
	return c.client.Publish(topic, qos, retained, payload), nil
}

func (c *Client) awaitToken(topic string, token pahomqtt.Token) {
	var err error
	if !token.WaitTimeout(defaultPublishTimeout) {
		err = fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	} else if tokenErr := token.Error(); tokenErr != nil {
		err = fmt.Errorf("%w: %w", ErrPublishFailed, tokenErr)
	}
	if err == nil {
		return
	}
	if logger := c.getLogger(); logger != nil {
		logger.Warn("MQTT publish failed", "topic", topic, "error", err)
	}
}
