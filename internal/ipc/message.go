package ipc

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/nerrad567/gray-logic-bridgehost/internal/bridgeconfig"
)

// Kind is the "id" field of a control message.
type Kind string

// Message kinds.
const (
	KindReady         Kind = "ready"
	KindLoad          Kind = "load"
	KindLoaded        Kind = "loaded"
	KindStart         Kind = "start"
	KindOnline        Kind = "online"
	KindPortRequest   Kind = "portRequest"
	KindPortAllocated Kind = "portAllocated"
	KindStatus        Kind = "status"
)

// Message is one of Ready, Load, Loaded, Start, Online, PortRequest,
// PortAllocated or StatusUpdate.
type Message interface {
	Kind() Kind
	message()
}

// Ready is sent by the worker once its process has started.
type Ready struct{}

// Load tells the worker which plugin to load and with what configuration.
type Load struct {
	Type       bridgeconfig.Kind `json:"type"`
	Identifier string            `json:"identifier"`
	Plugin     string            `json:"plugin"`
	PluginPath string            `json:"pluginPath,omitempty"`

	// PluginConfig holds the platform or accessory blocks, untouched.
	PluginConfig []json.RawMessage `json:"pluginConfig"`

	// BridgeConfig is this child bridge's identity.
	BridgeConfig bridgeconfig.Bridge `json:"bridgeConfig"`

	// BridgeOptions is the main bridge section of the bridges file.
	BridgeOptions bridgeconfig.Bridge `json:"bridgeOptions"`

	// HostConfig is the bridges file with every block removed.
	HostConfig json.RawMessage `json:"hostConfig,omitempty"`
}

// Loaded reports that the plugin has been loaded.
type Loaded struct {
	Version string `json:"version"`
}

// Start tells the worker to publish its bridge.
type Start struct{}

// Online reports that the bridge is published and accepting connections.
type Online struct{}

// PortRequest asks the host for a port for the given bridge username.
type PortRequest struct {
	Username string `json:"username"`
}

// PortAllocated answers a PortRequest. Port is nil when none was available.
type PortAllocated struct {
	Username string `json:"username"`
	Port     *int   `json:"port,omitempty"`
}

// StatusUpdate carries the bridge's pairing state. Nil means unknown.
type StatusUpdate struct {
	Paired   *bool   `json:"paired"`
	SetupURI *string `json:"setupUri"`
}

func (Ready) Kind() Kind         { return KindReady }
func (Load) Kind() Kind          { return KindLoad }
func (Loaded) Kind() Kind        { return KindLoaded }
func (Start) Kind() Kind         { return KindStart }
func (Online) Kind() Kind        { return KindOnline }
func (PortRequest) Kind() Kind   { return KindPortRequest }
func (PortAllocated) Kind() Kind { return KindPortAllocated }
func (StatusUpdate) Kind() Kind  { return KindStatus }

func (Ready) message()         {}
func (Load) message()          {}
func (Loaded) message()        {}
func (Start) message()         {}
func (Online) message()        {}
func (PortRequest) message()   {}
func (PortAllocated) message() {}
func (StatusUpdate) message()  {}

// envelope is the wire shape of every message.
type envelope struct {
	ID   Kind            `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode returns the wire form of m without a trailing newline.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, ErrUnknownMessage
	}
	env := envelope{ID: m.Kind()}
	switch v := m.(type) {
	case Ready, Start, Online:
	case Load, Loaded, PortRequest, PortAllocated, StatusUpdate:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", m.Kind(), err)
		}
		env.Data = data
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, m)
	}
	return json.Marshal(env)
}

// Decode parses one line. It returns false for anything that is not a known
// message: non-objects, a missing or non-string id, an unknown kind, or a
// payload of the wrong shape.
func Decode(line []byte) (Message, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil || fields == nil {
		return nil, false
	}

	var kind Kind
	rawID, ok := fields["id"]
	if !ok || json.Unmarshal(rawID, &kind) != nil {
		return nil, false
	}
	data := fields["data"]

	switch kind {
	case KindReady:
		return Ready{}, true
	case KindStart:
		return Start{}, true
	case KindOnline:
		return Online{}, true
	case KindLoad:
		var m Load
		if !decodePayload(data, &m) || !m.Type.Valid() {
			return nil, false
		}
		return m, true
	case KindLoaded:
		var m Loaded
		if !decodePayload(data, &m) {
			return nil, false
		}
		return m, true
	case KindPortRequest:
		var m PortRequest
		if !decodePayload(data, &m) || m.Username == "" {
			return nil, false
		}
		return m, true
	case KindPortAllocated:
		var m PortAllocated
		if !decodePayload(data, &m) || m.Username == "" {
			return nil, false
		}
		if m.Port != nil && (*m.Port < 1 || *m.Port > 65535) {
			return nil, false
		}
		return m, true
	case KindStatus:
		var m StatusUpdate
		if !decodePayload(data, &m) {
			return nil, false
		}
		return m, true
	default:
		return nil, false
	}
}

// decodePayload requires data to be a JSON object matching v.
func decodePayload(data json.RawMessage, v any) bool {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return json.Unmarshal(trimmed, v) == nil
}
