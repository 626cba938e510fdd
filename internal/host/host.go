package host

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-bridgehost/internal/bridgeconfig"
	"github.com/nerrad567/gray-logic-bridgehost/internal/childbridge"
	"github.com/nerrad567/gray-logic-bridgehost/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-bridgehost/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-bridgehost/internal/ports"
	"github.com/nerrad567/gray-logic-bridgehost/internal/worker"
)

// DefaultShutdownGrace bounds Shutdown when Config.ShutdownGrace is zero.
const DefaultShutdownGrace = 5 * time.Second

// Config holds everything the host needs.
type Config struct {
	BridgesFile string
	Options     childbridge.Options
	Launcher    childbridge.Launcher

	// Registry resolves identifiers to plugins. Defaults to worker.DefaultRegistry.
	Registry *worker.Registry

	// Ports is the fallback range when the bridges file has none.
	Ports config.PortsConfig

	// Listener receives every supervisor's snapshots.
	Listener childbridge.Listener

	ShutdownGrace    time.Duration
	WatchBridgesFile bool

	// Clock is passed to every supervisor. Nil uses real time.
	Clock childbridge.Clock
}

// Rejection records a bridge block that could not become a child bridge.
type Rejection struct {
	Type       bridgeconfig.Kind `json:"type"`
	Identifier string            `json:"identifier"`
	Username   string            `json:"username"`
	Reason     string            `json:"reason"`
}

// Host owns the supervisors of one bridges file.
//
// Thread Safety: all methods are safe for concurrent use.
type Host struct {
	cfg    Config
	logger *logging.Logger
	ports  *ports.Arbiter

	shutdown     chan struct{}
	shutdownOnce sync.Once

	mu          sync.RWMutex
	supervisors []*childbridge.Supervisor
	byUsername  map[string]*childbridge.Supervisor
	rejected    []Rejection
	started     bool
}

// New reads the bridges file and builds the supervisors. Nothing is spawned
// until Start.
func New(cfg Config, logger *logging.Logger) (*Host, error) {
	if cfg.Launcher == nil {
		return nil, ErrNoLauncher
	}
	if cfg.Registry == nil {
		cfg.Registry = worker.DefaultRegistry
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if logger == nil {
		logger = logging.Default()
	}

	doc, err := bridgeconfig.Load(cfg.BridgesFile)
	if err != nil {
		return nil, err
	}

	h := &Host{
		cfg:        cfg,
		logger:     logger,
		shutdown:   make(chan struct{}),
		byUsername: make(map[string]*childbridge.Supervisor),
	}

	h.ports = newArbiter(doc, cfg.Ports)
	h.ports.SetLogger(logger.With("component", "ports"))

	for _, d := range h.collect(doc) {
		if err := h.add(d, doc); err != nil {
			for _, sup := range h.supervisors {
				sup.Close()
			}
			return nil, err
		}
	}

	logger.Info("child bridges loaded",
		"path", cfg.BridgesFile,
		"bridges", len(h.supervisors),
		"rejected", len(h.rejected),
	)
	return h, nil
}

// newArbiter builds the shared port arbiter and reserves every port fixed
// in the bridges file.
func newArbiter(doc *bridgeconfig.Document, fallback config.PortsConfig) *ports.Arbiter {
	var a *ports.Arbiter
	switch {
	case doc.Ports != nil:
		a = ports.New(doc.Ports.Start, doc.Ports.End)
	case fallback.Configured():
		a = ports.New(fallback.Start, fallback.End)
	default:
		a = ports.New(0, 0)
	}

	if doc.Bridge.Port != 0 {
		a.Reserve(doc.Bridge.Port)
	}
	for _, kind := range []bridgeconfig.Kind{bridgeconfig.KindPlatform, bridgeconfig.KindAccessory} {
		for _, raw := range doc.Blocks(kind) {
			if b, err := bridgeconfig.ParseBlock(raw); err == nil && b.Bridge != nil && b.Bridge.Port != 0 {
				a.Reserve(b.Bridge.Port)
			}
		}
	}
	return a
}

// collect turns the document's child bridge blocks into descriptors, in
// file order.
func (h *Host) collect(doc *bridgeconfig.Document) []childbridge.Descriptor {
	type key struct{ identifier, username string }

	var out []childbridge.Descriptor
	platforms := make(map[key]int)

	for _, kind := range []bridgeconfig.Kind{bridgeconfig.KindPlatform, bridgeconfig.KindAccessory} {
		for _, raw := range doc.Blocks(kind) {
			b, err := bridgeconfig.ParseBlock(raw)
			if err != nil {
				h.logger.Warn("skipping unparseable config block", "type", kind, "error", err)
				continue
			}
			if b.Bridge == nil {
				continue
			}

			identifier := b.Identifier(kind)
			if kind == bridgeconfig.KindPlatform {
				k := key{identifier, b.Bridge.Username}
				if i, ok := platforms[k]; ok {
					out[i].Configs = append(out[i].Configs, raw)
					continue
				}
				platforms[k] = len(out)
			}

			out = append(out, childbridge.Descriptor{
				Type:       kind,
				Identifier: identifier,
				PluginPath: h.cfg.Options.PluginPath,
				Bridge:     *b.Bridge,
				Configs:    []json.RawMessage{raw},
			})
		}
	}
	return out
}

// add validates d and creates its supervisor. Invalid descriptors are
// recorded as rejections, not errors.
func (h *Host) add(d childbridge.Descriptor, doc *bridgeconfig.Document) error {
	reject := func(reason string) {
		h.logger.Error("rejecting child bridge",
			"type", d.Type,
			"identifier", d.Identifier,
			"username", d.Bridge.Username,
			"reason", reason,
		)
		h.rejected = append(h.rejected, Rejection{
			Type:       d.Type,
			Identifier: d.Identifier,
			Username:   d.Bridge.Username,
			Reason:     reason,
		})
	}

	if d.Bridge.Username == "" {
		reject("_bridge.username is required")
		return nil
	}
	if d.Bridge.Username == doc.Bridge.Username {
		reject("username is used by the main bridge")
		return nil
	}
	if _, taken := h.byUsername[d.Bridge.Username]; taken {
		reject("username is used by another child bridge")
		return nil
	}

	plugin, err := h.cfg.Registry.Resolve(d.Type, d.Identifier)
	if err != nil {
		reject(err.Error())
		return nil
	}
	d.Plugin = plugin

	sup, err := childbridge.NewSupervisor(childbridge.Config{
		Descriptor:    d,
		Options:       h.cfg.Options,
		BridgesFile:   h.cfg.BridgesFile,
		BridgeOptions: doc.Bridge,
		HostConfig:    doc.Sanitized(),
		Launcher:      h.cfg.Launcher,
		Ports:         h.ports,
		Listener:      h.cfg.Listener,
		Clock:         h.cfg.Clock,
		Shutdown:      h.shutdown,
	})
	if err != nil {
		return fmt.Errorf("creating supervisor for %s: %w", d.Bridge.Username, err)
	}
	sup.SetLogger(h.logger.With("bridge", d.Identifier, "username", d.Bridge.Username))

	h.supervisors = append(h.supervisors, sup)
	h.byUsername[d.Bridge.Username] = sup
	return nil
}

// Start starts every supervisor. Calling it again has no effect.
func (h *Host) Start() {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	sups := append([]*childbridge.Supervisor(nil), h.supervisors...)
	h.mu.Unlock()

	for _, s := range sups {
		s.Start()
	}
}

// Run starts the bridges, watches the bridges file when configured, and
// shuts everything down once ctx is cancelled.
func (h *Host) Run(ctx context.Context) error {
	h.Start()

	if h.cfg.WatchBridgesFile {
		w, err := bridgeconfig.NewWatcher(h.cfg.BridgesFile, h.Refresh)
		if err != nil {
			h.logger.Warn("not watching bridges file", "path", h.cfg.BridgesFile, "error", err)
		} else {
			w.SetLogger(h.logger.With("component", "watcher"))
			go w.Run(ctx)
			defer w.Close() //nolint:errcheck // Best effort on exit
		}
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), h.cfg.ShutdownGrace)
	defer cancel()
	return h.Shutdown(shutdownCtx)
}

// Shutdown signals every supervisor and waits for their workers to exit,
// until ctx is done.
func (h *Host) Shutdown(ctx context.Context) error {
	h.shutdownOnce.Do(func() {
		h.logger.Info("shutting down child bridges")
		close(h.shutdown)
	})

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range h.Bridges() {
		g.Go(func() error {
			select {
			case <-s.Terminated():
				return nil
			case <-gctx.Done():
				return fmt.Errorf("%w: %s", ErrShutdownTimeout, s.Username())
			}
		})
	}
	if err := g.Wait(); err != nil {
		h.logger.Warn("child bridges did not exit in time", "error", err)
		return err
	}
	h.logger.Info("all child bridges stopped")
	return nil
}

// Refresh re-reads the bridges file into every supervisor. The new config
// is used on the next restart.
func (h *Host) Refresh() {
	h.logger.Info("bridges file changed, refreshing child bridge config")
	for _, s := range h.Bridges() {
		s.RefreshConfig()
	}
}

// Bridges returns every supervisor, ordered by username.
func (h *Host) Bridges() []*childbridge.Supervisor {
	h.mu.RLock()
	out := append([]*childbridge.Supervisor(nil), h.supervisors...)
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Username() < out[j].Username()
	})
	return out
}

// Bridge returns the supervisor for username.
func (h *Host) Bridge(username string) (*childbridge.Supervisor, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.byUsername[username]
	return s, ok
}

// Metadata returns a snapshot of every bridge, ordered by username.
func (h *Host) Metadata() []childbridge.Metadata {
	sups := h.Bridges()
	out := make([]childbridge.Metadata, len(sups))
	for i, s := range sups {
		out[i] = s.Metadata()
	}
	return out
}

// Info is a supervisor's snapshot plus the fields that are not part of the
// published metadata.
type Info struct {
	childbridge.Metadata
	Type         bridgeconfig.Kind `json:"type"`
	Version      string            `json:"version,omitempty"`
	RestartCount int               `json:"restartCount"`
}

func infoOf(s *childbridge.Supervisor) Info {
	return Info{
		Metadata:     s.Metadata(),
		Type:         s.Descriptor().Type,
		Version:      s.Version(),
		RestartCount: s.RestartCount(),
	}
}

// Infos returns Info for every bridge, ordered by username.
func (h *Host) Infos() []Info {
	sups := h.Bridges()
	out := make([]Info, len(sups))
	for i, s := range sups {
		out[i] = infoOf(s)
	}
	return out
}

// Info returns Info for one bridge.
func (h *Host) Info(username string) (Info, bool) {
	s, ok := h.Bridge(username)
	if !ok {
		return Info{}, false
	}
	return infoOf(s), true
}

// Rejected returns the blocks that could not become child bridges.
func (h *Host) Rejected() []Rejection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Rejection(nil), h.rejected...)
}

// Leases returns the ports currently granted to workers.
func (h *Host) Leases() []ports.Lease {
	return h.ports.Leases()
}

// StartBridge starts a bridge that was stopped by hand.
func (h *Host) StartBridge(username string) error {
	return h.apply(username, (*childbridge.Supervisor).StartManual)
}

// StopBridge stops a bridge by hand.
func (h *Host) StopBridge(username string) error {
	return h.apply(username, (*childbridge.Supervisor).Stop)
}

// RestartBridge restarts a bridge with freshly read config.
func (h *Host) RestartBridge(username string) error {
	return h.apply(username, (*childbridge.Supervisor).Restart)
}

func (h *Host) apply(username string, op func(*childbridge.Supervisor)) error {
	s, ok := h.Bridge(username)
	if !ok {
		return fmt.Errorf("%w: %s", ErrBridgeNotFound, username)
	}
	op(s)
	return nil
}
