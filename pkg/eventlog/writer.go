package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // SQLite driver
)

// Writer appends events to the log. It is safe for concurrent use.
type Writer struct {
	db *sql.DB
}

// Open opens (creating if needed) the event database at path with WAL mode
// and a busy timeout, and applies the schema.
func Open(path string) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create event log dir: %w", err)
		}
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply event log schema: %w", err)
	}
	return &Writer{db: db}, nil
}

// openDB opens a SQLite database at path and enforces WAL journal mode and a
// 5-second busy timeout.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	ctx := context.Background()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}

	return db, nil
}

// Record appends ev. CreatedAt and ID are assigned by the database.
func (w *Writer) Record(ctx context.Context, ev Event) error {
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO events (type, source, conn_id, worker_id, payload) VALUES (?, ?, ?, ?, ?)`,
		ev.Type, ev.Source, ev.ConnID, ev.WorkerID, ev.Payload)
	if err != nil {
		return fmt.Errorf("insert %s event: %w", ev.Type, err)
	}
	return nil
}

// Close releases the database.
func (w *Writer) Close() error {
	return w.db.Close()
}

// Payload renders v as the JSON payload column. Marshal failures yield an
// empty payload rather than dropping the event.
func Payload(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
