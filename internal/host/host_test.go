package host

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-bridgehost/internal/bridgeconfig"
	"github.com/nerrad567/gray-logic-bridgehost/internal/childbridge"
	"github.com/nerrad567/gray-logic-bridgehost/internal/history"
	"github.com/nerrad567/gray-logic-bridgehost/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-bridgehost/internal/ports"
	"github.com/nerrad567/gray-logic-bridgehost/internal/process"
	"github.com/nerrad567/gray-logic-bridgehost/internal/worker"
)

const (
	userLamp   = "0E:00:00:00:00:01"
	userSwitch = "0E:00:00:00:00:02"
	userMain   = "0E:00:00:00:00:FF"
)

// lampPlugin requests a port when it has none and reports a setup URI.
type lampPlugin struct {
	setup   worker.Setup
	configs *configLog
}

func (p *lampPlugin) Start(ctx context.Context, svc worker.Services) error {
	p.configs.record(p.setup.Bridge.Username, len(p.setup.Configs))
	if p.setup.Bridge.Port == 0 {
		if _, ok, err := svc.RequestPort(ctx, p.setup.Bridge.Username); err != nil || !ok {
			return errors.New("no port")
		}
	}
	paired := false
	uri := "X-HM://TEST"
	svc.UpdateStatus(&paired, &uri)
	return nil
}

func (p *lampPlugin) Stop() error { return nil }

// configLog remembers how many config blocks each username was started with.
type configLog struct {
	mu     sync.Mutex
	blocks map[string]int
}

func (c *configLog) record(username string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks[username] = n
}

func (c *configLog) get(username string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocks[username]
}

func newTestRegistry(log *configLog) *worker.Registry {
	r := worker.NewRegistry()
	r.Register(worker.Registration{
		Name:        "homebridge-lamps",
		Version:     "2.1.0",
		Platforms:   []string{"Lamps"},
		Accessories: []string{"Switch"},
		New: func(setup worker.Setup) (worker.Plugin, error) {
			return &lampPlugin{setup: setup, configs: log}, nil
		},
	})
	return r
}

// pipeWorker runs a worker.Worker in-process over net.Pipe.
type pipeWorker struct {
	pid      int
	hostEnd  net.Conn
	cancel   context.CancelFunc
	stubborn bool

	done chan struct{}
	exit process.Exit
}

func (w *pipeWorker) PID() int              { return w.pid }
func (w *pipeWorker) Control() net.Conn     { return w.hostEnd }
func (w *pipeWorker) Done() <-chan struct{} { return w.done }

func (w *pipeWorker) Exit() process.Exit {
	<-w.done
	return w.exit
}

func (w *pipeWorker) Terminate() {
	if !w.stubborn {
		w.cancel()
	}
}

// pipeLauncher hands out pipeWorkers.
type pipeLauncher struct {
	registry *worker.Registry
	stubborn bool

	mu      sync.Mutex
	nextPID int
	workers []*pipeWorker
}

func (l *pipeLauncher) Launch(childbridge.LaunchSpec) (childbridge.Worker, error) {
	l.mu.Lock()
	l.nextPID++
	pid := l.nextPID
	l.mu.Unlock()

	hostEnd, workerEnd := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	w := &pipeWorker{
		pid:      pid,
		hostEnd:  hostEnd,
		cancel:   cancel,
		stubborn: l.stubborn,
		done:     make(chan struct{}),
	}

	go func() {
		err := worker.New(workerEnd, l.registry, worker.Options{}).Run(ctx)
		switch {
		case ctx.Err() != nil:
			w.exit = process.Exit{Code: -1, Signal: syscall.SIGTERM}
		case err != nil:
			w.exit = process.Exit{Code: 1}
		}
		close(w.done)
	}()

	l.mu.Lock()
	l.workers = append(l.workers, w)
	l.mu.Unlock()
	return w, nil
}

// kill ends every worker, stubborn or not.
func (l *pipeLauncher) kill() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.workers {
		w.cancel()
	}
}

func block(t *testing.T, v map[string]any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal block: %v", err)
	}
	return raw
}

func writeBridges(t *testing.T, path string, doc bridgeconfig.Document) {
	t.Helper()
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal bridges file: %v", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write bridges file: %v", err)
	}
}

func testDocument(t *testing.T) bridgeconfig.Document {
	return bridgeconfig.Document{
		Bridge: bridgeconfig.Bridge{Name: "Main", Username: userMain, Port: 52100},
		Ports:  &bridgeconfig.PortRange{Start: 52100, End: 52110},
		Platforms: []json.RawMessage{
			block(t, map[string]any{"platform": "Lamps", "name": "Kitchen", "_bridge": map[string]any{"username": userLamp}}),
			block(t, map[string]any{"platform": "Lamps", "name": "Hall", "_bridge": map[string]any{"username": userLamp}}),
			block(t, map[string]any{"platform": "Lamps", "name": "Not a child"}),
		},
		Accessories: []json.RawMessage{
			block(t, map[string]any{"accessory": "homebridge-lamps.Switch", "name": "Porch", "_bridge": map[string]any{"username": userSwitch, "port": 52101}}),
		},
	}
}

func newTestHost(t *testing.T, doc bridgeconfig.Document) (*Host, *pipeLauncher, *configLog, string) {
	t.Helper()
	return newTestHostWith(t, doc, nil)
}

func newTestHostWith(t *testing.T, doc bridgeconfig.Document, listener childbridge.Listener) (*Host, *pipeLauncher, *configLog, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridges.json")
	writeBridges(t, path, doc)

	log := &configLog{blocks: make(map[string]int)}
	reg := newTestRegistry(log)
	launcher := &pipeLauncher{registry: reg}

	h, err := New(Config{
		BridgesFile:   path,
		Launcher:      launcher,
		Registry:      reg,
		Listener:      listener,
		ShutdownGrace: 2 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(launcher.kill)
	return h, launcher, log, path
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func statusOf(h *Host, username string) childbridge.Metadata {
	s, ok := h.Bridge(username)
	if !ok {
		return childbridge.Metadata{}
	}
	return s.Metadata()
}

func TestNew_BuildsBridges(t *testing.T) {
	h, _, _, _ := newTestHost(t, testDocument(t))

	bridges := h.Bridges()
	if len(bridges) != 2 {
		t.Fatalf("len(Bridges()) = %d, want 2", len(bridges))
	}
	if bridges[0].Username() != userLamp || bridges[1].Username() != userSwitch {
		t.Errorf("Bridges() order = %s, %s; want %s, %s",
			bridges[0].Username(), bridges[1].Username(), userLamp, userSwitch)
	}

	lamp := bridges[0].Descriptor()
	if lamp.Type != bridgeconfig.KindPlatform {
		t.Errorf("lamp Type = %q, want %q", lamp.Type, bridgeconfig.KindPlatform)
	}
	if len(lamp.Configs) != 2 {
		t.Errorf("lamp Configs = %d, want 2 grouped blocks", len(lamp.Configs))
	}
	if lamp.Plugin != "homebridge-lamps" {
		t.Errorf("lamp Plugin = %q, want %q", lamp.Plugin, "homebridge-lamps")
	}

	sw := bridges[1].Metadata()
	if sw.Name != "Porch" {
		t.Errorf("switch Name = %q, want %q", sw.Name, "Porch")
	}
	if sw.Status != childbridge.StatusPending {
		t.Errorf("switch Status = %q, want %q before Start", sw.Status, childbridge.StatusPending)
	}

	if got := len(h.Rejected()); got != 0 {
		t.Errorf("Rejected() = %d entries, want 0: %+v", got, h.Rejected())
	}
}

func TestNew_RejectsInvalidBridges(t *testing.T) {
	doc := testDocument(t)
	doc.Accessories = append(doc.Accessories,
		block(t, map[string]any{"accessory": "Switch", "_bridge": map[string]any{"username": userLamp}}),
		block(t, map[string]any{"accessory": "Switch", "_bridge": map[string]any{"username": userMain}}),
		block(t, map[string]any{"accessory": "Thermostat", "_bridge": map[string]any{"username": "0E:00:00:00:00:03"}}),
		block(t, map[string]any{"accessory": "Switch", "_bridge": map[string]any{}}),
	)

	h, _, _, _ := newTestHost(t, doc)

	if got := len(h.Bridges()); got != 2 {
		t.Errorf("len(Bridges()) = %d, want 2", got)
	}

	rejected := h.Rejected()
	if len(rejected) != 4 {
		t.Fatalf("len(Rejected()) = %d, want 4: %+v", len(rejected), rejected)
	}
	wantUsers := []string{userLamp, userMain, "0E:00:00:00:00:03", ""}
	for i, want := range wantUsers {
		if rejected[i].Username != want {
			t.Errorf("Rejected()[%d].Username = %q, want %q", i, rejected[i].Username, want)
		}
		if rejected[i].Reason == "" {
			t.Errorf("Rejected()[%d].Reason is empty", i)
		}
	}
}

func TestNew_Errors(t *testing.T) {
	if _, err := New(Config{BridgesFile: "bridges.json"}, nil); !errors.Is(err, ErrNoLauncher) {
		t.Errorf("New() without launcher error = %v, want %v", err, ErrNoLauncher)
	}

	_, err := New(Config{
		BridgesFile: filepath.Join(t.TempDir(), "missing.json"),
		Launcher:    &pipeLauncher{},
	}, nil)
	if err == nil {
		t.Error("New() with missing bridges file error = nil, want error")
	}
}

func TestNew_PortRange(t *testing.T) {
	tests := []struct {
		name     string
		docPorts *bridgeconfig.PortRange
		fallback config.PortsConfig
		wantPort int
		wantOK   bool
	}{
		{
			name:     "bridges file range skips reserved ports",
			docPorts: &bridgeconfig.PortRange{Start: 52100, End: 52102},
			wantPort: 52102,
			wantOK:   true,
		},
		{
			name:     "host config fallback",
			fallback: config.PortsConfig{Start: 52200, End: 52201},
			wantPort: 52200,
			wantOK:   true,
		},
		{
			name:   "no range",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := testDocument(t)
			doc.Ports = tt.docPorts

			a := newArbiter(&doc, tt.fallback)
			port, ok := a.RequestPort(userLamp)
			if ok != tt.wantOK || port != tt.wantPort {
				t.Errorf("RequestPort() = (%d, %v), want (%d, %v)", port, ok, tt.wantPort, tt.wantOK)
			}
		})
	}
}

func TestHost_StartAndShutdown(t *testing.T) {
	h, _, log, _ := newTestHost(t, testDocument(t))
	h.Start()
	h.Start()

	for _, u := range []string{userLamp, userSwitch} {
		waitFor(t, u+" online", func() bool {
			m := statusOf(h, u)
			return m.Status == childbridge.StatusOnline && m.SetupURI != nil
		})
	}

	if got := log.get(userLamp); got != 2 {
		t.Errorf("lamp plugin started with %d blocks, want 2", got)
	}
	info, ok := h.Info(userLamp)
	if !ok {
		t.Fatalf("Info(%s) not found", userLamp)
	}
	if info.Version != "2.1.0" || info.Type != bridgeconfig.KindPlatform || info.RestartCount != 0 {
		t.Errorf("Info() = %+v, want version 2.1.0, platform, no restarts", info)
	}
	if got := len(h.Infos()); got != 2 {
		t.Errorf("len(Infos()) = %d, want 2", got)
	}
	if _, ok := h.Info("nope"); ok {
		t.Error("Info(unknown) ok = true, want false")
	}

	// The switch has a static port, the lamp asks for one.
	want := []ports.Lease{{Username: userLamp, Port: 52102}}
	leases := h.Leases()
	if len(leases) != 1 || leases[0] != want[0] {
		t.Errorf("Leases() = %+v, want %+v", leases, want)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	for _, s := range h.Bridges() {
		select {
		case <-s.Terminated():
		default:
			t.Errorf("%s not terminated after Shutdown", s.Username())
		}
	}
	if got := len(h.Leases()); got != 0 {
		t.Errorf("Leases() after shutdown = %d, want 0", got)
	}

	// A second call only waits again.
	if err := h.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestHost_ShutdownTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridges.json")
	writeBridges(t, path, testDocument(t))

	reg := newTestRegistry(&configLog{blocks: make(map[string]int)})
	launcher := &pipeLauncher{registry: reg, stubborn: true}
	t.Cleanup(launcher.kill)

	h, err := New(Config{BridgesFile: path, Launcher: launcher, Registry: reg}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.Start()
	waitFor(t, "lamp online", func() bool {
		return statusOf(h, userLamp).Status == childbridge.StatusOnline
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := h.Shutdown(ctx); !errors.Is(err, ErrShutdownTimeout) {
		t.Errorf("Shutdown() error = %v, want %v", err, ErrShutdownTimeout)
	}
}

func TestHost_ShutdownBeforeStart(t *testing.T) {
	h, _, _, _ := newTestHost(t, testDocument(t))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestHost_Controls(t *testing.T) {
	h, _, _, _ := newTestHost(t, testDocument(t))
	h.Start()
	waitFor(t, "lamp online", func() bool {
		return statusOf(h, userLamp).Status == childbridge.StatusOnline
	})

	if err := h.StopBridge(userLamp); err != nil {
		t.Fatalf("StopBridge() error = %v", err)
	}
	waitFor(t, "lamp stopped", func() bool {
		m := statusOf(h, userLamp)
		return m.Status == childbridge.StatusDown && m.ManuallyStopped && m.PID == 0
	})
	if got := len(h.Leases()); got != 0 {
		t.Errorf("Leases() after stop = %d, want 0", got)
	}

	if err := h.StartBridge(userLamp); err != nil {
		t.Fatalf("StartBridge() error = %v", err)
	}
	waitFor(t, "lamp online again", func() bool {
		m := statusOf(h, userLamp)
		return m.Status == childbridge.StatusOnline && !m.ManuallyStopped
	})

	before := statusOf(h, userLamp).PID
	if err := h.RestartBridge(userLamp); err != nil {
		t.Fatalf("RestartBridge() error = %v", err)
	}
	waitFor(t, "lamp restarted", func() bool {
		m := statusOf(h, userLamp)
		return m.Status == childbridge.StatusOnline && m.PID != before
	})

	for name, op := range map[string]func(string) error{
		"StartBridge":   h.StartBridge,
		"StopBridge":    h.StopBridge,
		"RestartBridge": h.RestartBridge,
	} {
		if err := op("nope"); !errors.Is(err, ErrBridgeNotFound) {
			t.Errorf("%s(unknown) error = %v, want %v", name, err, ErrBridgeNotFound)
		}
	}
}

func TestHost_RefreshPicksUpNewBlocks(t *testing.T) {
	doc := testDocument(t)
	h, _, log, path := newTestHost(t, doc)
	h.Start()
	waitFor(t, "lamp online", func() bool {
		return statusOf(h, userLamp).Status == childbridge.StatusOnline
	})

	doc.Platforms = append(doc.Platforms,
		block(t, map[string]any{"platform": "Lamps", "name": "Attic", "_bridge": map[string]any{"username": userLamp}}))
	writeBridges(t, path, doc)

	h.Refresh()
	if got := len(h.Bridges()[0].Descriptor().Configs); got != 3 {
		t.Errorf("Configs after Refresh() = %d, want 3", got)
	}

	if err := h.RestartBridge(userLamp); err != nil {
		t.Fatalf("RestartBridge() error = %v", err)
	}
	waitFor(t, "lamp restarted with three blocks", func() bool {
		return log.get(userLamp) == 3 && statusOf(h, userLamp).Status == childbridge.StatusOnline
	})
}

func TestHost_RunStopsOnCancel(t *testing.T) {
	h, _, _, _ := newTestHost(t, testDocument(t))
	h.cfg.WatchBridgesFile = true

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.Run(ctx) }()

	waitFor(t, "switch online", func() bool {
		return statusOf(h, userSwitch).Status == childbridge.StatusOnline
	})
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

// stalledHistory is a history repository whose inserts hang until released.
type stalledHistory struct {
	release chan struct{}
}

func (r *stalledHistory) Record(ctx context.Context, _ *history.Entry) error {
	select {
	case <-r.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *stalledHistory) List(context.Context, string, int) ([]history.Entry, error) {
	return nil, nil
}

func (r *stalledHistory) Prune(context.Context, time.Time) (int64, error) { return 0, nil }

// TestHost_ControlsWithStalledHistory checks that a hung status database
// never holds up supervisor operations.
func TestHost_ControlsWithStalledHistory(t *testing.T) {
	repo := &stalledHistory{release: make(chan struct{})}
	recorder := history.NewRecorder(repo)
	t.Cleanup(recorder.Close)
	t.Cleanup(func() { close(repo.release) })

	h, _, _, _ := newTestHostWith(t, testDocument(t), recorder)
	h.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		h.Shutdown(ctx) //nolint:errcheck // Best effort
	})

	waitFor(t, "lamp online", func() bool { return statusOf(h, userLamp).Status == childbridge.StatusOnline })

	start := time.Now()
	if err := h.StopBridge(userLamp); err != nil {
		t.Fatalf("StopBridge() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("StopBridge() with stalled history took %v", elapsed)
	}

	waitFor(t, "lamp stopped", func() bool {
		m := statusOf(h, userLamp)
		return m.Status == childbridge.StatusDown && m.PID == 0
	})

	start = time.Now()
	if _, ok := h.Info(userLamp); !ok {
		t.Fatal("Info() ok = false")
	}
	if err := h.StartBridge(userLamp); err != nil {
		t.Fatalf("StartBridge() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("Info() + StartBridge() with stalled history took %v", elapsed)
	}
	waitFor(t, "lamp online again", func() bool { return statusOf(h, userLamp).Status == childbridge.StatusOnline })
}
