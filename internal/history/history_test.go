package history

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-bridgehost/internal/childbridge"
	"github.com/nerrad567/gray-logic-bridgehost/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-bridgehost/migrations"
)

func openTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{
		Path:        filepath.Join(t.TempDir(), "history.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewSQLiteRepository(db.DB)
}

func ptr[T any](v T) *T { return &v }

func TestSQLiteRepository_RecordAndList(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	entries := []*Entry{
		{RecordedAt: base, Metadata: childbridge.Metadata{Status: childbridge.StatusPending, Username: "AA:01", Name: "Lights", Plugin: "virtual", Identifier: "Virtual", PID: 4242}},
		{RecordedAt: base.Add(time.Second), Metadata: childbridge.Metadata{Status: childbridge.StatusOnline, Username: "AA:01", Name: "Lights", Plugin: "virtual", Identifier: "Virtual", PID: 4242, Paired: ptr(false), SetupURI: ptr("X-HM://0023ISYWY7OSX")}},
		{RecordedAt: base.Add(2 * time.Second), Metadata: childbridge.Metadata{Status: childbridge.StatusDown, Username: "BB:02", Name: "Fan", Plugin: "virtual", Identifier: "VirtualSwitch", ManuallyStopped: true}},
	}
	for _, e := range entries {
		if err := repo.Record(ctx, e); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
		if e.ID == 0 {
			t.Error("Record() did not set ID")
		}
	}

	got, err := repo.List(ctx, "AA:01", 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List(AA:01) len = %d, want 2", len(got))
	}

	newest := got[0]
	if newest.Metadata.Status != childbridge.StatusOnline {
		t.Errorf("newest Status = %q, want online", newest.Metadata.Status)
	}
	if newest.Metadata.Paired == nil || *newest.Metadata.Paired {
		t.Errorf("Paired = %v, want false", newest.Metadata.Paired)
	}
	if newest.Metadata.SetupURI == nil || *newest.Metadata.SetupURI != "X-HM://0023ISYWY7OSX" {
		t.Errorf("SetupURI = %v", newest.Metadata.SetupURI)
	}
	if newest.Metadata.PID != 4242 {
		t.Errorf("PID = %d, want 4242", newest.Metadata.PID)
	}
	if !newest.RecordedAt.Equal(base.Add(time.Second)) {
		t.Errorf("RecordedAt = %v, want %v", newest.RecordedAt, base.Add(time.Second))
	}
	if got[1].Metadata.Paired != nil || got[1].Metadata.SetupURI != nil {
		t.Error("unknown pairing state not preserved as nil")
	}

	all, err := repo.List(ctx, "", 2)
	if err != nil {
		t.Fatalf("List(all) error = %v", err)
	}
	if len(all) != 2 || all[0].Metadata.Username != "BB:02" || !all[0].Metadata.ManuallyStopped {
		t.Errorf("List(all, 2) = %+v", all)
	}

	if _, err := repo.List(ctx, "", 0); !errors.Is(err, ErrInvalidLimit) {
		t.Errorf("List(limit 0) error = %v, want ErrInvalidLimit", err)
	}
}

func TestSQLiteRepository_Prune(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	for i := range 3 {
		e := &Entry{
			RecordedAt: base.Add(time.Duration(i) * time.Hour),
			Metadata:   childbridge.Metadata{Status: childbridge.StatusPending, Username: "AA:01"},
		}
		if err := repo.Record(ctx, e); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	n, err := repo.Prune(ctx, base.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Prune() = %d, want 2", n)
	}

	left, err := repo.List(ctx, "AA:01", 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(left) != 1 {
		t.Errorf("entries left = %d, want 1", len(left))
	}
}

// memoryRepo records entries in memory. Record blocks while stall is open.
type memoryRepo struct {
	mu      sync.Mutex
	entries []Entry
	err     error
	stall   chan struct{}
}

func (m *memoryRepo) Record(ctx context.Context, e *Entry) error {
	if m.stall != nil {
		select {
		case <-m.stall:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, *e)
	return nil
}

func (m *memoryRepo) recorded() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

func (m *memoryRepo) List(context.Context, string, int) ([]Entry, error) { return m.recorded(), nil }

func (m *memoryRepo) Prune(context.Context, time.Time) (int64, error) { return 0, nil }

// errorLog records Error calls.
type errorLog struct {
	mu   sync.Mutex
	msgs []string
}

func (l *errorLog) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
}

func (l *errorLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}

func TestRecorder_CollapsesDuplicates(t *testing.T) {
	repo := &memoryRepo{}
	rec := NewRecorder(repo)

	pending := childbridge.Metadata{Status: childbridge.StatusPending, Username: "AA:01"}
	online := childbridge.Metadata{Status: childbridge.StatusOnline, Username: "AA:01", Paired: ptr(false)}
	other := childbridge.Metadata{Status: childbridge.StatusPending, Username: "BB:02"}

	for _, m := range []childbridge.Metadata{
		pending,
		pending,
		online,
		{Status: childbridge.StatusOnline, Username: "AA:01", Paired: ptr(false)},
		other,
		{Status: childbridge.StatusOnline, Username: "AA:01", Paired: ptr(true)},
	} {
		if err := rec.BridgeStatusChanged(m); err != nil {
			t.Fatalf("BridgeStatusChanged() error = %v", err)
		}
	}
	rec.Close()

	entries := repo.recorded()
	if len(entries) != 4 {
		t.Fatalf("recorded %d entries, want 4", len(entries))
	}
	if p := entries[3].Metadata.Paired; p == nil || !*p {
		t.Errorf("last entry Paired = %v, want true", p)
	}
}

func TestRecorder_LogsRepositoryError(t *testing.T) {
	log := &errorLog{}
	rec := NewRecorder(&memoryRepo{err: errors.New("disk full")})
	rec.SetLogger(log)

	if err := rec.BridgeStatusChanged(childbridge.Metadata{Status: childbridge.StatusDown, Username: "AA:01"}); err != nil {
		t.Fatalf("BridgeStatusChanged() error = %v, want nil (insert failures are logged)", err)
	}
	rec.Close()

	if got := log.count(); got != 1 {
		t.Errorf("logged errors = %d, want 1", got)
	}
}

func TestRecorder_DoesNotWaitForRepository(t *testing.T) {
	repo := &memoryRepo{stall: make(chan struct{})}
	rec := NewRecorder(repo)

	start := time.Now()
	for i, st := range []childbridge.Status{childbridge.StatusPending, childbridge.StatusOnline, childbridge.StatusDown} {
		if err := rec.BridgeStatusChanged(childbridge.Metadata{Status: st, Username: "AA:01", PID: i}); err != nil {
			t.Fatalf("BridgeStatusChanged() error = %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("BridgeStatusChanged() with a stalled repository took %v", elapsed)
	}

	close(repo.stall)
	rec.Close()
	if got := len(repo.recorded()); got != 3 {
		t.Errorf("recorded %d entries after Close, want 3", got)
	}
}

func TestRecorder_QueueFull(t *testing.T) {
	repo := &memoryRepo{stall: make(chan struct{})}
	rec := NewRecorder(repo)
	defer func() {
		close(repo.stall)
		rec.Close()
	}()

	// The writer holds one entry while stalled; queueSize more fill the queue.
	var err error
	for i := 0; i < queueSize+2 && err == nil; i++ {
		err = rec.BridgeStatusChanged(childbridge.Metadata{Status: childbridge.StatusPending, Username: "AA:01", PID: i + 1})
	}
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("BridgeStatusChanged() on a full queue error = %v, want %v", err, ErrQueueFull)
	}
}

func TestRecorder_Closed(t *testing.T) {
	rec := NewRecorder(&memoryRepo{})
	rec.Close()
	rec.Close()

	err := rec.BridgeStatusChanged(childbridge.Metadata{Status: childbridge.StatusOnline, Username: "AA:01"})
	if !errors.Is(err, ErrRecorderClosed) {
		t.Errorf("BridgeStatusChanged() after Close error = %v, want %v", err, ErrRecorderClosed)
	}
}

func TestRecorder_ImplementsListener(t *testing.T) {
	rec := NewRecorder(&memoryRepo{})
	defer rec.Close()
	var _ childbridge.Listener = rec
}
