package virtual

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/nerrad567/gray-logic-bridgehost/internal/worker"
)

// Name is the plugin name used in "virtual.Identifier" references.
const Name = "virtual"

// Version is reported to the host in the loaded message.
const Version = "1.0.0"

// Identifiers provided by this plugin.
const (
	PlatformVirtual        = "Virtual"
	AccessoryVirtualSwitch = "VirtualSwitch"
)

func init() {
	worker.Register(Registration())
}

// Registration describes the virtual plugin.
func Registration() worker.Registration {
	return worker.Registration{
		Name:        Name,
		Version:     Version,
		Platforms:   []string{PlatformVirtual},
		Accessories: []string{AccessoryVirtualSwitch},
		New:         New,
	}
}

// block is the part of a platform or accessory block this plugin reads.
type block struct {
	Name     string   `json:"name"`
	Switches []string `json:"switches"`
}

// Bridge is a running virtual bridge.
type Bridge struct {
	setup    worker.Setup
	logger   worker.Logger
	switches []string

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New builds a virtual bridge from its setup.
func New(setup worker.Setup) (worker.Plugin, error) {
	b := &Bridge{setup: setup, logger: setup.Logger}
	if b.logger == nil {
		b.logger = noopLogger{}
	}

	for _, raw := range setup.Configs {
		var blk block
		if err := json.Unmarshal(raw, &blk); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if len(blk.Switches) == 0 && blk.Name != "" {
			b.switches = append(b.switches, blk.Name)
		}
		b.switches = append(b.switches, blk.Switches...)
	}

	if _, err := ParsePin(b.pin()); err != nil {
		return nil, err
	}
	return b, nil
}

// Switches returns the names of the virtual switches this bridge exposes.
func (b *Bridge) Switches() []string {
	return append([]string(nil), b.switches...)
}

// Addr returns the bound address, or nil before Start.
func (b *Bridge) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

func (b *Bridge) pin() string {
	if b.setup.Bridge.Pin != "" {
		return b.setup.Bridge.Pin
	}
	return DefaultPin
}

// Start binds the bridge port and reports the pairing status.
func (b *Bridge) Start(ctx context.Context, svc worker.Services) error {
	username := b.setup.Bridge.Username

	port := b.setup.Bridge.Port
	if port == 0 {
		granted, ok, err := svc.RequestPort(ctx, username)
		if err != nil {
			return fmt.Errorf("requesting port: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoPort, username)
		}
		port = granted
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("binding port %d: %w", port, err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	b.wg.Add(1)
	go b.acceptLoop(ln)

	uri, err := SetupURI(CategoryBridge, b.pin(), SetupID(b.setup.Bridge.SetupID, username))
	if err != nil {
		return err
	}
	paired := false
	svc.UpdateStatus(&paired, &uri)

	b.logger.Info("virtual bridge listening",
		"username", username,
		"port", port,
		"switches", len(b.switches),
	)
	return nil
}

// acceptLoop accepts and immediately closes connections until ln is closed.
func (b *Bridge) acceptLoop(ln net.Listener) {
	defer b.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				b.logger.Warn("accept failed", "error", err)
			}
			return
		}
		b.logger.Debug("controller connected", "remote", conn.RemoteAddr().String())
		conn.Close() //nolint:errcheck // Nothing to serve
	}
}

// Stop closes the listener and waits for the accept loop.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	ln := b.listener
	b.listener = nil
	b.mu.Unlock()

	if ln == nil {
		return nil
	}
	err := ln.Close()
	b.wg.Wait()
	return err
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
