package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/nerrad567/gray-logic-bridgehost/internal/ipc"
)

// Logger defines the logging interface for the worker runtime.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options are the worker's own command-line settings.
type Options struct {
	StoragePath string

	// KeepOrphans keeps the plugin running after the host disappears,
	// until the worker is signalled.
	KeepOrphans bool
}

// Worker runs one child bridge on the child side of the control channel.
type Worker struct {
	conn     *ipc.Conn
	registry *Registry
	opts     Options
	logger   Logger

	mu      sync.Mutex
	plugin  Plugin
	started bool
	pending map[string]chan *int
}

// New creates a Worker speaking over rwc.
func New(rwc io.ReadWriteCloser, registry *Registry, opts Options) *Worker {
	if registry == nil {
		registry = DefaultRegistry
	}
	return &Worker{
		conn:     ipc.NewConn(rwc),
		registry: registry,
		opts:     opts,
		logger:   noopLogger{},
		pending:  make(map[string]chan *int),
	}
}

// SetLogger sets the logger for the worker.
func (w *Worker) SetLogger(logger Logger) {
	if logger != nil {
		w.logger = logger
		w.conn.SetLogger(logger)
	}
}

// Run sends ready and serves the host until ctx is cancelled or the host
// goes away. A plugin that fails to load or start makes Run return an
// error, which the caller turns into exit code 1.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer w.stopPlugin()
	defer w.conn.Close() //nolint:errcheck // Best effort on exit

	inbox := make(chan ipc.Message)
	recvErr := make(chan error, 1)
	go func() {
		for {
			msg, err := w.conn.Receive()
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case inbox <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	startErr := make(chan error, 1)

	if !w.conn.Send(ipc.Ready{}) {
		return ErrDisconnected
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker shutting down")
			return nil

		case err := <-startErr:
			return err

		case err := <-recvErr:
			w.failPending()
			if w.opts.KeepOrphans {
				w.logger.Warn("host disconnected, keeping bridge running", "error", err)
				<-ctx.Done()
				return nil
			}
			if errors.Is(err, io.EOF) {
				w.logger.Info("host disconnected, exiting")
				return nil
			}
			return fmt.Errorf("%w: %v", ErrDisconnected, err)

		case msg := <-inbox:
			if err := w.handle(ctx, msg, startErr); err != nil {
				return err
			}
		}
	}
}

// handle applies one message from the host.
func (w *Worker) handle(ctx context.Context, msg ipc.Message, startErr chan<- error) error {
	switch m := msg.(type) {
	case ipc.Load:
		return w.load(m)

	case ipc.Start:
		w.mu.Lock()
		plugin, started := w.plugin, w.started
		w.started = plugin != nil
		w.mu.Unlock()

		if plugin == nil || started {
			w.logger.Debug("ignoring start", "loaded", plugin != nil, "started", started)
			return nil
		}
		go func() {
			if err := plugin.Start(ctx, w); err != nil {
				startErr <- fmt.Errorf("starting plugin: %w", err)
				return
			}
			w.logger.Info("bridge online")
			w.conn.Send(ipc.Online{})
		}()
		return nil

	case ipc.PortAllocated:
		w.mu.Lock()
		ch, ok := w.pending[m.Username]
		delete(w.pending, m.Username)
		w.mu.Unlock()
		if !ok {
			w.logger.Debug("unsolicited port allocation", "username", m.Username)
			return nil
		}
		ch <- m.Port
		return nil

	default:
		w.logger.Debug("ignoring control message", "id", msg.Kind())
		return nil
	}
}

// load instantiates the plugin named in m and answers with loaded.
func (w *Worker) load(m ipc.Load) error {
	w.mu.Lock()
	loaded := w.plugin != nil
	w.mu.Unlock()
	if loaded {
		w.logger.Debug("ignoring second load")
		return nil
	}

	reg, ok := w.registry.Lookup(m.Plugin)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlugin, m.Plugin)
	}

	identifier := m.Identifier
	if i := strings.LastIndex(identifier, "."); i > 0 {
		identifier = identifier[i+1:]
	}

	plugin, err := reg.New(Setup{
		Type:          m.Type,
		Identifier:    identifier,
		Configs:       m.PluginConfig,
		Bridge:        m.BridgeConfig,
		BridgeOptions: m.BridgeOptions,
		HostConfig:    m.HostConfig,
		StoragePath:   w.opts.StoragePath,
		Logger:        w.logger,
	})
	if err != nil {
		return fmt.Errorf("loading plugin %s: %w", m.Plugin, err)
	}

	w.mu.Lock()
	w.plugin = plugin
	w.mu.Unlock()

	w.logger.Info("plugin loaded", "plugin", m.Plugin, "version", reg.Version, "identifier", identifier)
	w.conn.Send(ipc.Loaded{Version: reg.Version})
	return nil
}

// RequestPort asks the host for a port for username and waits for the
// answer. Only one request per username may be outstanding.
func (w *Worker) RequestPort(ctx context.Context, username string) (int, bool, error) {
	ch := make(chan *int, 1)

	w.mu.Lock()
	if w.plugin == nil {
		w.mu.Unlock()
		return 0, false, ErrNotLoaded
	}
	if _, busy := w.pending[username]; busy {
		w.mu.Unlock()
		return 0, false, fmt.Errorf("%w: %s", ErrRequestPending, username)
	}
	w.pending[username] = ch
	w.mu.Unlock()

	if !w.conn.Send(ipc.PortRequest{Username: username}) {
		w.clearPending(username, ch)
		return 0, false, ErrDisconnected
	}

	select {
	case port, open := <-ch:
		if !open {
			return 0, false, ErrDisconnected
		}
		if port == nil {
			return 0, false, nil
		}
		return *port, true, nil
	case <-ctx.Done():
		w.clearPending(username, ch)
		return 0, false, ctx.Err()
	}
}

func (w *Worker) clearPending(username string, ch chan *int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending[username] == ch {
		delete(w.pending, username)
	}
}

// failPending unblocks every outstanding RequestPort.
func (w *Worker) failPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for u, ch := range w.pending {
		close(ch)
		delete(w.pending, u)
	}
}

// UpdateStatus reports pairing state to the host.
func (w *Worker) UpdateStatus(paired *bool, setupURI *string) {
	w.conn.Send(ipc.StatusUpdate{Paired: paired, SetupURI: setupURI})
}

func (w *Worker) stopPlugin() {
	w.mu.Lock()
	plugin := w.plugin
	w.mu.Unlock()
	if plugin == nil {
		return
	}
	if err := plugin.Stop(); err != nil {
		w.logger.Warn("plugin stop failed", "error", err)
	}
}
