// Package transferlog is a migration-backed sqlite history of completed
// and failed file transfers (WAL mode, embedded migrations, a
// schema_migrations tracking table). It is strictly a diagnostics log:
// in-flight upload state stays in-memory and authoritative in
// internal/transfer, and nothing here is ever consulted to decide upload
// admission.
package transferlog

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Direction is which way a logged transfer moved.
type Direction string

const (
	Upload   Direction = "upload"
	Download Direction = "download"
)

// Outcome is how a logged transfer ended.
type Outcome string

const (
	Completed Outcome = "completed"
	Failed    Outcome = "failed"
	Cancelled Outcome = "cancelled"
)

// Entry is one row of transfer history.
type Entry struct {
	DeviceId   string
	Direction  Direction
	Path       string
	Size       int64
	Outcome    Outcome
	Detail     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Log is the sqlite-backed transfer history store.
type Log struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at dsn and applies
// any pending embedded migrations.
func Open(dsn string) (*Log, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return l, nil
}

func (l *Log) Close() error { return l.db.Close() }

func (l *Log) migrate() error {
	if _, err := l.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := l.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		tx, err := l.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

// Record appends one transfer history entry.
func (l *Log) Record(e Entry) error {
	_, err := l.db.Exec(
		`INSERT INTO transfers (device_id, direction, path, size, outcome, detail, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.DeviceId, string(e.Direction), e.Path, e.Size, string(e.Outcome), e.Detail, e.StartedAt, e.FinishedAt,
	)
	return err
}

// Recent returns the most recent transfer entries for a device, newest
// first, for diagnostics surfaces only.
func (l *Log) Recent(deviceId string, limit int) ([]Entry, error) {
	rows, err := l.db.Query(
		`SELECT device_id, direction, path, size, outcome, detail, started_at, finished_at
		 FROM transfers WHERE device_id = ? ORDER BY id DESC LIMIT ?`,
		deviceId, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var dir, outcome string
		if err := rows.Scan(&e.DeviceId, &dir, &e.Path, &e.Size, &outcome, &e.Detail, &e.StartedAt, &e.FinishedAt); err != nil {
			return nil, err
		}
		e.Direction = Direction(dir)
		e.Outcome = Outcome(outcome)
		out = append(out, e)
	}
	return out, rows.Err()
}
