package mqtt

import (
	"encoding/json"
	"fmt"

	"github.com/nerrad567/gray-logic-bridgehost/internal/childbridge"
)

// RetainedPublisher is the part of Client the status listener needs.
// PublishRetainedAsync must not wait for the broker.
type RetainedPublisher interface {
	PublishRetainedAsync(topic string, payload []byte) error
}

// StatusListener publishes every metadata snapshot, retained, on the
// bridge's status topic. It never waits for the broker: snapshots arrive
// while a supervisor holds its lock.
type StatusListener struct {
	pub RetainedPublisher
}

// NewStatusListener creates a listener publishing through pub.
func NewStatusListener(pub RetainedPublisher) *StatusListener {
	return &StatusListener{pub: pub}
}

// BridgeStatusChanged implements childbridge.Listener.
func (l *StatusListener) BridgeStatusChanged(m childbridge.Metadata) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding bridge status: %w", err)
	}
	return l.pub.PublishRetainedAsync(Topics{}.BridgeStatus(m.Username), payload)
}

// Bridge command actions.
const (
	ActionStart   = "start"
	ActionStop    = "stop"
	ActionRestart = "restart"
)

// Command is the payload accepted on a bridge command topic.
type Command struct {
	Action string `json:"action"`
}

// BridgeController applies commands to the bridge with the given username.
type BridgeController interface {
	StartBridge(username string) error
	StopBridge(username string) error
	RestartBridge(username string) error
}

// CommandHandler returns a handler applying command topic messages to ctl.
func CommandHandler(ctl BridgeController) MessageHandler {
	return func(topic string, payload []byte) error {
		username, ok := Topics{}.UsernameFromTopic(topic)
		if !ok {
			return fmt.Errorf("%w: unexpected topic %q", ErrInvalidCommand, topic)
		}

		var cmd Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
		}

		switch cmd.Action {
		case ActionStart:
			return ctl.StartBridge(username)
		case ActionStop:
			return ctl.StopBridge(username)
		case ActionRestart:
			return ctl.RestartBridge(username)
		default:
			return fmt.Errorf("%w: unknown action %q", ErrInvalidCommand, cmd.Action)
		}
	}
}

// SubscribeCommands routes every bridge command topic to ctl.
func (c *Client) SubscribeCommands(ctl BridgeController) error {
	return c.Subscribe(Topics{}.AllBridgeCommands(), byte(c.cfg.QoS), CommandHandler(ctl))
}
