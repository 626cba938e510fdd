package childbridge

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-bridgehost/internal/bridgeconfig"
	"github.com/nerrad567/gray-logic-bridgehost/internal/ipc"
	"github.com/nerrad567/gray-logic-bridgehost/internal/process"
)

// MaxRestarts is how many times a crashing worker is respawned before the
// bridge is left down.
const MaxRestarts = 4

// RestartDelayStep is multiplied by the restart count to give the delay
// before the next respawn after a crash.
const RestartDelayStep = 10 * time.Second

// Logger defines the logging interface for supervisors.
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

// Config holds everything a Supervisor needs.
type Config struct {
	Descriptor Descriptor
	Options    Options

	// BridgesFile is re-read by RefreshConfig. Empty disables refresh.
	BridgesFile string

	// BridgeOptions and HostConfig are forwarded in the load message.
	BridgeOptions bridgeconfig.Bridge
	HostConfig    json.RawMessage

	Launcher Launcher
	Ports    PortArbiter
	Listener Listener

	// Clock defaults to the time package.
	Clock Clock

	// Shutdown is closed by the host when it is exiting. The goroutine
	// watching it ends on Shutdown or Close, whichever comes first.
	Shutdown <-chan struct{}
}

// Supervisor runs one child bridge.
//
// All state is guarded by mu. Worker exits, inbound messages, restart
// timers and API calls all serialise through it, and none of them wait on
// the worker process.
type Supervisor struct {
	launcher  Launcher
	ports     PortArbiter
	publisher *Publisher
	clock     Clock
	logger    Logger

	mu sync.Mutex

	desc          Descriptor
	opts          Options
	bridgesFile   string
	bridgeOptions bridgeconfig.Bridge
	hostConfig    json.RawMessage

	state        lifecycle
	status       Status
	restartCount int
	name         string
	launchArgs   []string
	version      string

	paired   *bool
	setupURI *string

	worker   *workerState
	timer    Timer
	timerGen uint64

	terminated     chan struct{}
	terminatedDone bool

	closed    chan struct{}
	closeOnce sync.Once
	watching  sync.WaitGroup
}

// workerState is the per-worker half of the supervisor. It is replaced on
// every spawn, so events from an old worker can be recognised and dropped.
type workerState struct {
	w         Worker
	conn      *ipc.Conn
	phase     phase
	requested map[string]bool
}

// NewSupervisor creates a Supervisor in the idle state.
func NewSupervisor(cfg Config) (*Supervisor, error) {
	if cfg.Launcher == nil {
		return nil, ErrNoLauncher
	}
	if cfg.Ports == nil {
		cfg.Ports = noPorts{}
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}

	s := &Supervisor{
		launcher:      cfg.Launcher,
		ports:         cfg.Ports,
		publisher:     NewPublisher(cfg.Listener),
		clock:         cfg.Clock,
		logger:        noopLogger{},
		desc:          cfg.Descriptor,
		opts:          cfg.Options,
		bridgesFile:   cfg.BridgesFile,
		bridgeOptions: cfg.BridgeOptions,
		hostConfig:    cfg.HostConfig,
		state:         lifecycleIdle,
		status:        StatusPending,
		name:          displayName(cfg.Descriptor),
		terminated:    make(chan struct{}),
		closed:        make(chan struct{}),
	}

	if cfg.Shutdown != nil {
		s.watching.Add(1)
		go func() {
			defer s.watching.Done()
			select {
			case <-cfg.Shutdown:
				s.shutdown()
			case <-s.closed:
			}
		}()
	}

	return s, nil
}

// SetLogger sets the logger for the supervisor.
func (s *Supervisor) SetLogger(logger Logger) {
	if logger == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
	s.publisher.SetLogger(logger)
}

// Start brings the bridge up. Calling it again has no effect.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != lifecycleIdle {
		return
	}
	s.startLocked()
}

// startLocked performs the first start. Caller holds mu.
func (s *Supervisor) startLocked() {
	s.launchArgs = newLaunchArgs(s.opts)
	s.name = displayName(s.desc)
	if !s.transitionLocked(lifecycleRunning) {
		return
	}
	s.logger.Info("starting child bridge", "plugin", s.desc.Plugin, "identifier", s.desc.Identifier)
	s.setStatusLocked(StatusPending)
	s.spawnLocked()
}

// AddConfig attaches one more config block. Accessory bridges are given
// exactly one by the host.
func (s *Supervisor) AddConfig(block json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.desc.Configs = append(s.desc.Configs, block)
}

// Restart reloads the config and replaces the worker.
//
// A running worker is terminated and respawned by the exit handler. A
// bridge that was stopped (by hand or by exhausted restarts) is started
// again with the crash count reset. A pending crash backoff is cut short.
func (s *Supervisor) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case lifecycleIdle:
		s.startLocked()

	case lifecycleStopped:
		s.logger.Info("restarting stopped child bridge")
		s.restartCount = 0
		s.refreshLocked()
		if s.transitionLocked(lifecycleRunning) {
			s.setStatusLocked(StatusPending)
			s.spawnLocked()
		}

	case lifecycleRunning:
		s.logger.Info("restarting child bridge")
		s.refreshLocked()
		s.setStatusLocked(StatusPending)
		if s.worker != nil {
			s.worker.w.Terminate()
			return
		}
		s.cancelTimerLocked()
		s.restartCount = 0
		s.spawnLocked()

	default:
		s.logger.Info("ignoring restart while shutting down", "state", s.state)
	}
}

// Stop stops the bridge by hand. The worker is terminated and will not be
// respawned until StartManual or Restart.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.shuttingDown() {
		s.logger.Info("child bridge already shutting down")
		return
	}
	if s.state != lifecycleRunning {
		s.logger.Info("child bridge not running", "state", s.state)
		return
	}

	s.logger.Info("stopping child bridge")
	s.cancelTimerLocked()

	if s.worker == nil {
		s.transitionLocked(lifecycleStopped)
		s.setStatusLocked(StatusDown)
		return
	}

	s.transitionLocked(lifecycleStopping)
	s.setStatusLocked(StatusDown)
	s.worker.w.Terminate()
}

// StartManual starts a bridge that was stopped by hand. It has no effect
// unless the bridge is stopped, down, and has no worker.
func (s *Supervisor) StartManual() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != lifecycleStopped || s.status != StatusDown || s.worker != nil {
		s.logger.Info("child bridge is not stopped, ignoring start", "state", s.state, "status", s.status)
		return
	}

	s.logger.Info("starting stopped child bridge")
	s.restartCount = 0
	s.refreshLocked()
	if s.transitionLocked(lifecycleRunning) {
		s.setStatusLocked(StatusPending)
		s.spawnLocked()
	}
}

// RefreshConfig re-reads the bridges file. On failure, or when no block
// matches, the current descriptor is kept.
func (s *Supervisor) RefreshConfig() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
}

func (s *Supervisor) refreshLocked() {
	if s.bridgesFile == "" {
		return
	}

	doc, err := bridgeconfig.Load(s.bridgesFile)
	if err != nil {
		s.logger.Error("failed to refresh child bridge config", "path", s.bridgesFile, "error", err)
		return
	}

	blocks := doc.Match(s.desc.Type, s.desc.Identifier, s.desc.Bridge.Username)
	if len(blocks) == 0 {
		s.logger.Warn("no config blocks found for child bridge, keeping current config",
			"type", s.desc.Type,
			"identifier", s.desc.Identifier,
		)
		return
	}

	s.desc.Configs = blocks
	if b, err := bridgeconfig.ParseBlock(blocks[0]); err == nil && b.Bridge != nil {
		s.desc.Bridge = *b.Bridge
	}
	s.bridgeOptions = doc.Bridge
	s.hostConfig = doc.Sanitized()
	s.logger.Debug("refreshed child bridge config", "blocks", len(blocks))
}

// Metadata returns a snapshot of the bridge.
func (s *Supervisor) Metadata() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Username returns the bridge's stable identifier.
func (s *Supervisor) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desc.Bridge.Username
}

// Descriptor returns a copy of the current descriptor.
func (s *Supervisor) Descriptor() Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.desc
	d.Configs = append([]json.RawMessage(nil), s.desc.Configs...)
	return d
}

// Version returns the plugin version reported by the current worker.
func (s *Supervisor) Version() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// RestartCount returns the number of crash restarts since the last clean
// start.
func (s *Supervisor) RestartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartCount
}

// Terminated is closed once the host has shut down and the worker, if any,
// has exited.
func (s *Supervisor) Terminated() <-chan struct{} {
	return s.terminated
}

// Close shuts the bridge down as if the host were exiting and stops
// watching Config.Shutdown. Use it for a supervisor that is discarded
// without a host shutdown. Calling it again has no effect.
func (s *Supervisor) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.watching.Wait()
		s.shutdown()
	})
}

// shutdown reacts to the host shutdown signal.
func (s *Supervisor) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == lifecycleShutdown {
		return
	}
	s.transitionLocked(lifecycleShutdown)
	s.cancelTimerLocked()

	if s.worker == nil {
		s.markTerminatedLocked()
		return
	}
	s.logger.Info("shutting down child bridge")
	s.worker.w.Terminate()
}

func (s *Supervisor) markTerminatedLocked() {
	if !s.terminatedDone {
		s.terminatedDone = true
		close(s.terminated)
	}
}

// transitionLocked moves the lifecycle and logs rejected edges.
func (s *Supervisor) transitionLocked(to lifecycle) bool {
	next, err := transition(s.state, to)
	if err != nil {
		s.logger.Error("rejected lifecycle change", "error", err)
		return false
	}
	s.state = next
	return true
}

// setStatusLocked records a status and publishes the new snapshot.
func (s *Supervisor) setStatusLocked(st Status) {
	s.status = st
	s.publisher.Publish(s.snapshotLocked())
}

func (s *Supervisor) snapshotLocked() Metadata {
	m := Metadata{
		Status:          s.status,
		Username:        s.desc.Bridge.Username,
		Pin:             s.desc.Bridge.Pin,
		Name:            s.name,
		Plugin:          s.desc.Plugin,
		Identifier:      s.desc.Identifier,
		ManuallyStopped: s.state.manuallyStopped(),
	}
	if s.paired != nil {
		v := *s.paired
		m.Paired = &v
	}
	if s.setupURI != nil {
		v := *s.setupURI
		m.SetupURI = &v
	}
	if s.worker != nil {
		m.PID = s.worker.w.PID()
	}
	return m
}

// spawnLocked launches a new worker. On failure the bridge goes down and
// the spawn is retried on the crash schedule.
func (s *Supervisor) spawnLocked() {
	s.timer = nil

	w, err := s.launcher.Launch(LaunchSpec{
		Name: s.name,
		Args: s.launchArgs,
		Env:  workerEnv(s.opts, s.desc.Bridge.Env),
	})
	if err != nil {
		s.logger.Error("failed to spawn child bridge worker", "error", err)
		s.setStatusLocked(StatusDown)
		s.scheduleRespawnLocked("spawn failed")
		return
	}

	conn := ipc.NewConn(w.Control())
	conn.SetLogger(s.logger)
	ws := &workerState{
		w:         w,
		conn:      conn,
		phase:     phaseSpawned,
		requested: make(map[string]bool),
	}
	s.worker = ws
	s.paired, s.setupURI = nil, nil

	s.logger.Info("spawned child bridge worker", "pid", w.PID())
	if s.status != StatusPending {
		s.setStatusLocked(StatusPending)
	}

	go s.readLoop(ws)
	go s.watchExit(ws)
}

// watchExit waits for one worker to exit.
func (s *Supervisor) watchExit(ws *workerState) {
	<-ws.w.Done()
	s.handleExit(ws, ws.w.Exit())
}

// handleExit applies the restart policy to a worker exit.
func (s *Supervisor) handleExit(ws *workerState, exit process.Exit) {
	defer ws.conn.Close() //nolint:errcheck // Worker is gone

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.worker != ws {
		return
	}
	s.worker = nil

	if len(ws.requested) > 0 {
		usernames := make([]string, 0, len(ws.requested))
		for u := range ws.requested {
			usernames = append(usernames, u)
		}
		s.ports.Release(usernames...)
	}

	s.logger.Info("child bridge worker exited", "exit", exit.String(), "state", s.state)

	switch s.state {
	case lifecycleShutdown:
		s.markTerminatedLocked()
		return
	case lifecycleStopping:
		s.transitionLocked(lifecycleStopped)
		s.publisher.Publish(s.snapshotLocked())
		return
	case lifecycleRunning:
	default:
		return
	}

	if !likelyCrash(exit) {
		s.restartCount = 0
		s.setStatusLocked(StatusPending)
		s.spawnLocked()
		return
	}

	if s.restartCount >= MaxRestarts {
		s.giveUpLocked()
		return
	}
	s.setStatusLocked(StatusPending)
	s.scheduleRespawnLocked("worker crashed")
}

// likelyCrash is the crash heuristic: exit code 1 with no signal.
func likelyCrash(exit process.Exit) bool {
	return exit.Code == 1 && !exit.Signaled()
}

// scheduleRespawnLocked arms the next respawn, or gives up once
// MaxRestarts is reached. reason is logged with the attempt.
func (s *Supervisor) scheduleRespawnLocked(reason string) {
	if s.restartCount >= MaxRestarts {
		s.giveUpLocked()
		return
	}

	s.restartCount++
	delay := time.Duration(s.restartCount) * RestartDelayStep
	s.logger.Warn("scheduling child bridge worker restart",
		"reason", reason,
		"attempt", s.restartCount,
		"max_attempts", MaxRestarts,
		"delay", delay,
	)

	s.timerGen++
	gen := s.timerGen
	s.timer = s.clock.AfterFunc(delay, func() { s.respawn(gen) })
}

// respawn is the timer callback. It does nothing if the timer was
// cancelled or the bridge is no longer running.
func (s *Supervisor) respawn(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.timerGen || s.state != lifecycleRunning || s.worker != nil {
		return
	}
	s.spawnLocked()
}

func (s *Supervisor) cancelTimerLocked() {
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// giveUpLocked leaves the bridge down until started by hand.
func (s *Supervisor) giveUpLocked() {
	s.logger.Error("child bridge worker crashed too many times, not restarting",
		"restarts", s.restartCount,
	)
	s.transitionLocked(lifecycleStopped)
	s.setStatusLocked(StatusDown)
}
