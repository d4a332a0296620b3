package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"swarm/pkg/protocol"

	_ "modernc.org/sqlite" // SQLite driver
)

// Writer appends events to the mirror database.
type Writer struct {
	db *sql.DB
}

// Open opens (creating if needed) the event database at path with WAL
// journaling and a busy timeout, and applies the schema.
func Open(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	ctx := context.Background()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	// Several monitor processes write concurrently.
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s on %s: %w", pragma, path, err)
		}
	}

	if _, err := db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema on %s: %w", path, err)
	}

	return &Writer{db: db}, nil
}

// Append inserts e. ID and CreatedAt are assigned by the database.
func (w *Writer) Append(ctx context.Context, e Event) error {
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO events (type, source, worker, run_id, payload) VALUES (?, ?, ?, ?, ?)`,
		e.Type, e.Source, e.Worker, e.RunID, e.Payload,
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.Type, err)
	}
	return nil
}

// Close releases the database connection.
func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

// Recorder receives supervisor events. Implementations must not fail the
// caller: the mirror is best-effort.
type Recorder interface {
	Record(ctx context.Context, e Event)
}

// Discard is a Recorder that drops everything.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(context.Context, Event) {}

// Mirror is a best-effort Recorder backed by a Writer. Open and write
// failures are reported through logf and otherwise ignored.
type Mirror struct {
	w    *Writer
	logf func(format string, args ...any)
}

// NewMirror opens the database at path. When it cannot be opened the
// returned Mirror silently drops events after logging once.
func NewMirror(path string, logf func(format string, args ...any)) *Mirror {
	m := &Mirror{logf: logf}
	w, err := Open(path)
	if err != nil {
		m.logf("event mirror disabled: %v", err)
		return m
	}
	m.w = w
	return m
}

// Record implements Recorder.
func (m *Mirror) Record(ctx context.Context, e Event) {
	if m == nil || m.w == nil {
		return
	}
	if err := m.w.Append(ctx, e); err != nil {
		m.logf("event mirror: %v", err)
	}
}

// Close closes the underlying Writer.
func (m *Mirror) Close() error {
	if m == nil {
		return nil
	}
	return m.w.Close()
}
