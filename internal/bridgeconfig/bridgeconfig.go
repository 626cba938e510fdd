package bridgeconfig

import (
	"encoding/json"
	"fmt"
	"os"
)

// Kind distinguishes platform blocks from accessory blocks.
type Kind string

const (
	KindPlatform  Kind = "platform"
	KindAccessory Kind = "accessory"
)

// Valid reports whether k is a known block kind.
func (k Kind) Valid() bool {
	return k == KindPlatform || k == KindAccessory
}

// Bridge is the identity of a bridge: the main bridge in the "bridge"
// section, or a child bridge in a block's "_bridge" section.
type Bridge struct {
	Name             string `json:"name,omitempty"`
	Username         string `json:"username"`
	Port             int    `json:"port,omitempty"`
	Pin              string `json:"pin,omitempty"`
	SetupID          string `json:"setupID,omitempty"`
	Manufacturer     string `json:"manufacturer,omitempty"`
	Model            string `json:"model,omitempty"`
	FirmwareRevision string `json:"firmwareRevision,omitempty"`
	Env              *Env   `json:"env,omitempty"`
}

// Env holds per-bridge additions to the worker environment. Each value is
// appended to the host's own value, never substituted for it.
type Env struct {
	Debug   string `json:"DEBUG,omitempty"`
	Options string `json:"OPTIONS,omitempty"`
}

// PortRange is the inclusive range handed out by the port arbiter.
type PortRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Document is the parsed bridges file.
type Document struct {
	Bridge      Bridge            `json:"bridge"`
	Ports       *PortRange        `json:"ports,omitempty"`
	Platforms   []json.RawMessage `json:"platforms"`
	Accessories []json.RawMessage `json:"accessories"`
}

// Block is the parsed header of one platform or accessory block.
type Block struct {
	Platform  string  `json:"platform,omitempty"`
	Accessory string  `json:"accessory,omitempty"`
	Name      string  `json:"name,omitempty"`
	Bridge    *Bridge `json:"_bridge,omitempty"`

	// Raw is the complete block as it appears in the file.
	Raw json.RawMessage `json:"-"`
}

// Identifier returns the platform or accessory name, depending on kind.
func (b Block) Identifier(kind Kind) string {
	if kind == KindAccessory {
		return b.Accessory
	}
	return b.Platform
}

// ParseBlock decodes the header of a raw block.
func ParseBlock(raw json.RawMessage) (Block, error) {
	var b Block
	if err := json.Unmarshal(raw, &b); err != nil {
		return Block{}, fmt.Errorf("%w: %v", ErrInvalidBlock, err)
	}
	if b.Platform == "" && b.Accessory == "" {
		return Block{}, fmt.Errorf("%w: neither platform nor accessory set", ErrInvalidBlock)
	}
	b.Raw = raw
	return b, nil
}

// Load reads and parses the bridges file at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from host configuration
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRead, err)
	}
	return Parse(data)
}

// Parse parses a bridges document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return &doc, nil
}

// Blocks returns the raw blocks of one kind.
func (d *Document) Blocks(kind Kind) []json.RawMessage {
	if kind == KindAccessory {
		return d.Accessories
	}
	return d.Platforms
}

// Match returns the blocks of the given kind whose identifier and
// "_bridge.username" both match. Platforms may contribute several blocks to
// one child bridge; an accessory child bridge only ever takes the first
// match. Blocks that fail to parse are skipped.
func (d *Document) Match(kind Kind, identifier, username string) []json.RawMessage {
	var out []json.RawMessage
	for _, raw := range d.Blocks(kind) {
		b, err := ParseBlock(raw)
		if err != nil || b.Bridge == nil {
			continue
		}
		if b.Identifier(kind) != identifier || b.Bridge.Username != username {
			continue
		}
		out = append(out, raw)
		if kind == KindAccessory {
			break
		}
	}
	return out
}

// Sanitized returns the document with every platform and accessory block
// removed. Workers receive it so they can see host-wide settings without
// the config of unrelated bridges.
func (d *Document) Sanitized() json.RawMessage {
	clean := Document{
		Bridge:      d.Bridge,
		Ports:       d.Ports,
		Platforms:   []json.RawMessage{},
		Accessories: []json.RawMessage{},
	}
	data, err := json.Marshal(clean)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
