package childbridge

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-bridgehost/internal/bridgeconfig"
	"github.com/nerrad567/gray-logic-bridgehost/internal/ipc"
	"github.com/nerrad567/gray-logic-bridgehost/internal/process"
)

const testUsername = "0E:11:22:33:44:55"

// fakeWorker is an in-memory worker connected through net.Pipe.
type fakeWorker struct {
	pid     int
	spec    LaunchSpec
	hostEnd net.Conn
	conn    *ipc.Conn
	inbox   chan ipc.Message

	done     chan struct{}
	exitOnce sync.Once
	exit     process.Exit

	terminated chan struct{}
	termOnce   sync.Once
}

func newFakeWorker(pid int, spec LaunchSpec) *fakeWorker {
	hostEnd, workerEnd := net.Pipe()
	w := &fakeWorker{
		pid:        pid,
		spec:       spec,
		hostEnd:    hostEnd,
		conn:       ipc.NewConn(workerEnd),
		inbox:      make(chan ipc.Message, 32),
		done:       make(chan struct{}),
		terminated: make(chan struct{}),
	}
	go func() {
		defer close(w.inbox)
		for {
			msg, err := w.conn.Receive()
			if err != nil {
				return
			}
			w.inbox <- msg
		}
	}()
	return w
}

func (w *fakeWorker) PID() int              { return w.pid }
func (w *fakeWorker) Control() net.Conn     { return w.hostEnd }
func (w *fakeWorker) Done() <-chan struct{} { return w.done }

func (w *fakeWorker) Exit() process.Exit {
	<-w.done
	return w.exit
}

func (w *fakeWorker) Terminate() {
	w.termOnce.Do(func() { close(w.terminated) })
}

func (w *fakeWorker) send(t *testing.T, m ipc.Message) {
	t.Helper()
	if !w.conn.Send(m) {
		t.Fatalf("worker %d could not send %s", w.pid, m.Kind())
	}
}

func (w *fakeWorker) exitWith(e process.Exit) {
	w.exitOnce.Do(func() {
		w.exit = e
		w.conn.Close() //nolint:errcheck // Simulated process exit
		close(w.done)
	})
}

func (w *fakeWorker) expect(t *testing.T) ipc.Message {
	t.Helper()
	select {
	case msg, ok := <-w.inbox:
		if !ok {
			t.Fatalf("worker %d channel closed while waiting for a message", w.pid)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("worker %d received no message", w.pid)
		return nil
	}
}

func (w *fakeWorker) isTerminated() bool {
	select {
	case <-w.terminated:
		return true
	default:
		return false
	}
}

// fakeLauncher hands out fakeWorkers, optionally failing.
type fakeLauncher struct {
	mu       sync.Mutex
	nextPID  int
	fail     int
	workers  []*fakeWorker
	launched chan *fakeWorker
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{nextPID: 1000, launched: make(chan *fakeWorker, 64)}
}

func (l *fakeLauncher) Launch(spec LaunchSpec) (Worker, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail > 0 {
		l.fail--
		return nil, errors.New("fork/exec /usr/local/bin/bridgehost: no such file or directory")
	}
	l.nextPID++
	w := newFakeWorker(l.nextPID, spec)
	l.workers = append(l.workers, w)
	l.launched <- w
	return w, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.workers)
}

func (l *fakeLauncher) setFail(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = n
}

func (l *fakeLauncher) next(t *testing.T) *fakeWorker {
	t.Helper()
	select {
	case w := <-l.launched:
		return w
	case <-time.After(2 * time.Second):
		t.Fatal("no worker launched")
		return nil
	}
}

func (l *fakeLauncher) exitAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.workers {
		w.exitWith(process.Exit{Code: 0})
	}
}

// fakeClock records timers; tests fire them by hand.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	delay time.Duration
	f     func()

	mu      sync.Mutex
	stopped bool
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{delay: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *fakeClock) last(t *testing.T) *fakeTimer {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		t.Fatal("no timer scheduled")
	}
	return c.timers[len(c.timers)-1]
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (t *fakeTimer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// fire runs the callback even if stopped, as a timer racing Stop would.
func (t *fakeTimer) fire() {
	t.f()
}

// recorder is a Listener that keeps every snapshot.
type recorder struct {
	mu    sync.Mutex
	snaps []Metadata
	err   error
}

func (r *recorder) BridgeStatusChanged(m Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, m)
	return r.err
}

func (r *recorder) all() []Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Metadata(nil), r.snaps...)
}

func (r *recorder) last() (Metadata, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return Metadata{}, false
	}
	return r.snaps[len(r.snaps)-1], true
}

// eventually polls cond until it holds or two seconds pass.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testBlock(name string) json.RawMessage {
	return json.RawMessage(`{"platform":"Virtual","name":"` + name + `","_bridge":{"username":"` + testUsername + `","pin":"031-45-154"}}`)
}

func testDescriptor() Descriptor {
	return Descriptor{
		Type:       bridgeconfig.KindPlatform,
		Identifier: "Virtual",
		Plugin:     "virtual",
		Bridge:     bridgeconfig.Bridge{Username: testUsername, Pin: "031-45-154"},
		Configs:    []json.RawMessage{testBlock("Lights")},
	}
}

type harness struct {
	sup      *Supervisor
	launcher *fakeLauncher
	clock    *fakeClock
	rec      *recorder
	shutdown chan struct{}
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		launcher: newFakeLauncher(),
		clock:    &fakeClock{},
		rec:      &recorder{},
		shutdown: make(chan struct{}),
	}
	cfg := Config{
		Descriptor: testDescriptor(),
		Launcher:   h.launcher,
		Listener:   h.rec,
		Clock:      h.clock,
		Shutdown:   h.shutdown,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	sup, err := NewSupervisor(cfg)
	if err != nil {
		t.Fatalf("NewSupervisor() error = %v", err)
	}
	h.sup = sup
	t.Cleanup(h.launcher.exitAll)
	return h
}

func (h *harness) status() Status {
	return h.sup.Metadata().Status
}

// handshake drives w to online.
func (h *harness) handshake(t *testing.T, w *fakeWorker) {
	t.Helper()
	w.send(t, ipc.Ready{})
	if msg := w.expect(t); msg.Kind() != ipc.KindLoad {
		t.Fatalf("after ready got %s, want load", msg.Kind())
	}
	w.send(t, ipc.Loaded{Version: "1.0.0"})
	if msg := w.expect(t); msg.Kind() != ipc.KindStart {
		t.Fatalf("after loaded got %s, want start", msg.Kind())
	}
	w.send(t, ipc.Online{})
	eventually(t, "status online", func() bool { return h.status() == StatusOnline })
}

var (
	crashExit  = process.Exit{Code: 1}
	cleanExit  = process.Exit{Code: 0}
	sigtermEnd = process.Exit{Code: -1, Signal: syscall.SIGTERM}
)

type logEntry struct {
	level string
	msg   string
	attrs map[string]any
}

// logRecorder keeps every log call for assertions on messages and attributes.
type logRecorder struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *logRecorder) add(level, msg string, args []any) {
	attrs := make(map[string]any)
	for i := 0; i+1 < len(args); i += 2 {
		if k, ok := args[i].(string); ok {
			attrs[k] = args[i+1]
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, attrs: attrs})
}

func (l *logRecorder) Debug(msg string, args ...any) { l.add("debug", msg, args) }
func (l *logRecorder) Info(msg string, args ...any)  { l.add("info", msg, args) }
func (l *logRecorder) Warn(msg string, args ...any)  { l.add("warn", msg, args) }
func (l *logRecorder) Error(msg string, args ...any) { l.add("error", msg, args) }

// find returns the attributes of the first entry with msg.
func (l *logRecorder) find(msg string) (map[string]any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.msg == msg {
			return e.attrs, true
		}
	}
	return nil, false
}

func (l *logRecorder) has(msg string) bool {
	_, ok := l.find(msg)
	return ok
}
