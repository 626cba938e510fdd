package history

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-bridgehost/internal/childbridge"
)

const (
	// recordTimeout bounds one insert.
	recordTimeout = 2 * time.Second

	// queueSize is how many snapshots may wait for the writer.
	queueSize = 256
)

// Logger is the logging interface used by the recorder.
type Logger interface {
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Error(string, ...any) {}

// Recorder appends distinct snapshots to a Repository from a background
// writer goroutine.
//
// Thread Safety: all methods are safe for concurrent use.
type Recorder struct {
	repo Repository
	now  func() time.Time

	mu     sync.Mutex
	last   map[string]childbridge.Metadata
	queue  chan *Entry
	closed bool
	logger Logger

	done chan struct{}
}

// NewRecorder creates a Recorder writing to repo and starts its writer.
// Call Close to flush pending entries and stop the writer.
func NewRecorder(repo Repository) *Recorder {
	r := &Recorder{
		repo:   repo,
		now:    time.Now,
		last:   make(map[string]childbridge.Metadata),
		queue:  make(chan *Entry, queueSize),
		logger: noopLogger{},
		done:   make(chan struct{}),
	}
	go r.write()
	return r
}

// SetLogger sets the logger for failed inserts.
func (r *Recorder) SetLogger(logger Logger) {
	if logger == nil {
		return
	}
	r.mu.Lock()
	r.logger = logger
	r.mu.Unlock()
}

func (r *Recorder) getLogger() Logger {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logger
}

// BridgeStatusChanged queues m unless it equals the last snapshot seen for
// the same username. It never waits for the database.
func (r *Recorder) BridgeStatusChanged(m childbridge.Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRecorderClosed
	}
	prev, seen := r.last[m.Username]
	if seen && sameSnapshot(prev, m) {
		return nil
	}

	select {
	case r.queue <- &Entry{RecordedAt: r.now(), Metadata: m}:
		r.last[m.Username] = m
		return nil
	default:
		// Not remembered, so the next identical snapshot is tried again.
		return ErrQueueFull
	}
}

// Close stops accepting snapshots and waits until every queued entry has
// been written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) write() {
	defer close(r.done)
	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		err := r.repo.Record(ctx, e)
		cancel()
		if err != nil {
			r.getLogger().Error("failed to record bridge status",
				"username", e.Metadata.Username,
				"status", e.Metadata.Status,
				"error", err,
			)
		}
	}
}

func sameSnapshot(a, b childbridge.Metadata) bool {
	return a.Status == b.Status &&
		a.PID == b.PID &&
		a.ManuallyStopped == b.ManuallyStopped &&
		a.Name == b.Name &&
		equalPtr(a.Paired, b.Paired) &&
		equalPtr(a.SetupURI, b.SetupURI)
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
