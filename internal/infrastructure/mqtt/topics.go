package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every bridge host topic.
const TopicPrefix = "bridgehost"

// Topics builds bridge host topic names.
//
//	mqtt.Topics{}.BridgeStatus("0E:11:22:33:44:55")
//	// bridgehost/bridge/0E:11:22:33:44:55/status
type Topics struct{}

// HostStatus is the retained presence topic of the host, also its Last Will.
func (Topics) HostStatus() string {
	return TopicPrefix + "/host/status"
}

// BridgeStatus is the retained metadata topic of one child bridge.
func (Topics) BridgeStatus(username string) string {
	return fmt.Sprintf("%s/bridge/%s/status", TopicPrefix, segment(username))
}

// BridgeCommand is the topic a child bridge accepts commands on.
func (Topics) BridgeCommand(username string) string {
	return fmt.Sprintf("%s/bridge/%s/command", TopicPrefix, segment(username))
}

// AllBridgeStatuses matches every bridge status topic.
func (Topics) AllBridgeStatuses() string {
	return TopicPrefix + "/bridge/+/status"
}

// AllBridgeCommands matches every bridge command topic.
func (Topics) AllBridgeCommands() string {
	return TopicPrefix + "/bridge/+/command"
}

// UsernameFromTopic returns the username segment of a bridge topic.
func (Topics) UsernameFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != TopicPrefix || parts[1] != "bridge" || parts[2] == "" {
		return "", false
	}
	return parts[2], true
}

var segmentReplacer = strings.NewReplacer("/", "_", "+", "_", "#", "_")

// segment makes s safe as a single topic level.
func segment(s string) string {
	return segmentReplacer.Replace(s)
}
