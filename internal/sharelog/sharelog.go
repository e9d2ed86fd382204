// Package sharelog is the append-only persistent event log of every share
// verdict the proxy has forwarded. It is backed by a local SQLite file
// (pure-Go driver, no cgo), opened WAL-mode with a single writer connection,
// the same shape this repo's desktop companion project uses for its own
// local embedded event store.
package sharelog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Event is one row of the share log: a single share verdict forwarded by the
// upstream pool, or a synthetic entry the proxy appends itself.
type Event struct {
	Timestamp  time.Time
	Miner      string
	Pool       string
	Difficulty float64
	Accepted   bool
	Error      string
}

// Log wraps the SQLite connection and the append/query operations the rest
// of the proxy needs.
type Log struct {
	db   *sql.DB
	path string
}

// Open creates or opens the share log at path, creating its parent directory
// and schema as needed.
func Open(path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create sharelog dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sharelog: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer; serializes appends.

	l := &Log{db: db, path: path}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sharelog: %w", err)
	}
	return l, nil
}

func (l *Log) migrate() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS shares (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			ts         INTEGER NOT NULL,
			miner      TEXT    NOT NULL,
			pool       TEXT    NOT NULL DEFAULT '',
			difficulty REAL    NOT NULL,
			accepted   INTEGER NOT NULL,
			error      TEXT    NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_shares_ts    ON shares(ts);
		CREATE INDEX IF NOT EXISTS idx_shares_miner ON shares(miner, ts);
	`)
	return err
}

// Append durably records one share event. It must return before the
// corresponding response is released to the miner, per the
// append-before-acknowledge invariant.
func (l *Log) Append(ctx context.Context, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	accepted := 0
	if ev.Accepted {
		accepted = 1
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO shares (ts, miner, pool, difficulty, accepted, error) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.Timestamp.Unix(), ev.Miner, ev.Pool, ev.Difficulty, accepted, ev.Error,
	)
	if err != nil {
		return fmt.Errorf("append share: %w", err)
	}
	return nil
}

// QueryByMiner returns events for miner at or after sinceTS, ascending.
func (l *Log) QueryByMiner(ctx context.Context, miner string, sinceTS int64) ([]Event, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := l.db.QueryContext(ctx,
		`SELECT ts, miner, pool, difficulty, accepted, error FROM shares
		 WHERE miner = ? AND ts >= ? ORDER BY ts ASC`,
		miner, sinceTS,
	)
	if err != nil {
		return nil, fmt.Errorf("query shares by miner: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Recent returns the most recent N events, offset by offset, newest first.
func (l *Log) Recent(ctx context.Context, limit, offset int) ([]Event, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := l.db.QueryContext(ctx,
		`SELECT ts, miner, pool, difficulty, accepted, error FROM shares
		 ORDER BY ts DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent shares: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CountByMiner returns the total number of rows recorded for miner, used by
// tests to check accepted+rejected against the log's own row count.
func (l *Log) CountByMiner(ctx context.Context, miner string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var count int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM shares WHERE miner = ?`, miner).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count shares by miner: %w", err)
	}
	return count, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var (
			ts       int64
			accepted int
			ev       Event
		)
		if err := rows.Scan(&ts, &ev.Miner, &ev.Pool, &ev.Difficulty, &accepted, &ev.Error); err != nil {
			return nil, fmt.Errorf("scan share row: %w", err)
		}
		ev.Timestamp = time.Unix(ts, 0)
		ev.Accepted = accepted != 0
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Close closes the underlying database connection.
func (l *Log) Close() error {
	return l.db.Close()
}

// Path returns the on-disk path of the share log.
func (l *Log) Path() string {
	return l.path
}
