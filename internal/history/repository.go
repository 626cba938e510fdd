package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-bridgehost/internal/childbridge"
)

// Entry is one recorded snapshot.
type Entry struct {
	ID         int64                `json:"id"`
	RecordedAt time.Time            `json:"recordedAt"`
	Metadata   childbridge.Metadata `json:"metadata"`
}

// Repository stores status history.
type Repository interface {
	Record(ctx context.Context, e *Entry) error
	List(ctx context.Context, username string, limit int) ([]Entry, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// timeFormat is fixed width so recorded_at sorts and compares as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

const entryColumns = `id, username, name, plugin, identifier, status, paired,
			setup_uri, pid, manually_stopped, recorded_at`

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository on db.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Record inserts e and fills in its ID. A zero RecordedAt is set to now.
func (r *SQLiteRepository) Record(ctx context.Context, e *Entry) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}
	m := e.Metadata

	var pid sql.NullInt64
	if m.PID != 0 {
		pid = sql.NullInt64{Int64: int64(m.PID), Valid: true}
	}
	var paired sql.NullBool
	if m.Paired != nil {
		paired = sql.NullBool{Bool: *m.Paired, Valid: true}
	}
	var setupURI sql.NullString
	if m.SetupURI != nil {
		setupURI = sql.NullString{String: *m.SetupURI, Valid: true}
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO bridge_status_history (
			username, name, plugin, identifier, status, paired,
			setup_uri, pid, manually_stopped, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Username, m.Name, m.Plugin, m.Identifier, string(m.Status), paired,
		setupURI, pid, m.ManuallyStopped, e.RecordedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting status history: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading history id: %w", err)
	}
	e.ID = id
	return nil
}

// List returns the newest limit entries, newest first. An empty username
// lists every bridge.
func (r *SQLiteRepository) List(ctx context.Context, username string, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}

	query := `SELECT ` + entryColumns + ` FROM bridge_status_history`
	args := []any{}
	if username != "" {
		query += ` WHERE username = ?`
		args = append(args, username)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying status history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating status history: %w", err)
	}
	return entries, nil
}

// Prune deletes entries recorded before olderThan and returns how many.
func (r *SQLiteRepository) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM bridge_status_history WHERE recorded_at < ?`,
		olderThan.UTC().Format(timeFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning status history: %w", err)
	}
	return res.RowsAffected()
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e          Entry
		status     string
		paired     sql.NullBool
		setupURI   sql.NullString
		pid        sql.NullInt64
		recordedAt string
	)
	m := &e.Metadata
	if err := rows.Scan(&e.ID, &m.Username, &m.Name, &m.Plugin, &m.Identifier, &status,
		&paired, &setupURI, &pid, &m.ManuallyStopped, &recordedAt); err != nil {
		return Entry{}, fmt.Errorf("scanning status history: %w", err)
	}

	m.Status = childbridge.Status(status)
	if paired.Valid {
		m.Paired = &paired.Bool
	}
	if setupURI.Valid {
		m.SetupURI = &setupURI.String
	}
	if pid.Valid {
		m.PID = int(pid.Int64)
	}

	t, err := time.Parse(timeFormat, recordedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("parsing recorded_at %q: %w", recordedAt, err)
	}
	e.RecordedAt = t
	return e, nil
}
