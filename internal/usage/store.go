// Package usage keeps a persistent ledger of tool calls routed through
// the hub. Records are append-only and indexed by timestamp, server,
// and tool for aggregation queries.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// timeFormat is fixed-width so stored timestamps compare as strings.
const timeFormat = "2006-01-02T15:04:05.000Z"

// Record is one completed tool call.
type Record struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"ts"`
	Server     string    `json:"server"`
	Tool       string    `json:"tool"`
	OK         bool      `json:"ok"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// Summary holds aggregated call counts and timings.
type Summary struct {
	Calls           int   `json:"calls"`
	Failures        int   `json:"failures"`
	TotalDurationMS int64 `json:"total_duration_ms"`
	MaxDurationMS   int64 `json:"max_duration_ms"`
}

// Store is an append-only SQLite store for tool call records. All
// public methods are safe for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore opens the ledger at dbPath with the named database/sql
// driver ("sqlite3" or "sqlite"). The schema is created on first use.
func NewStore(dbPath, driver string) (*Store, error) {
	if driver != "sqlite3" && driver != "sqlite" {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}
	db, err := sql.Open(driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tool_calls (
		id          TEXT PRIMARY KEY,
		timestamp   TEXT NOT NULL,
		server      TEXT NOT NULL,
		tool        TEXT NOT NULL,
		ok          INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		error       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_timestamp ON tool_calls(timestamp);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_server ON tool_calls(server);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists rec. An empty ID gets a UUIDv7 and a zero Timestamp
// becomes now.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (id, timestamp, server, tool, ok, duration_ms, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(timeFormat),
		rec.Server,
		rec.Tool,
		rec.OK,
		rec.DurationMS,
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary returns totals for records within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(1 - ok), 0), COALESCE(SUM(duration_ms), 0), COALESCE(MAX(duration_ms), 0)
		 FROM tool_calls
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(timeFormat),
		end.UTC().Format(timeFormat),
	)

	var sum Summary
	if err := row.Scan(&sum.Calls, &sum.Failures, &sum.TotalDurationMS, &sum.MaxDurationMS); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByServer returns per-server totals for records within [start, end).
func (s *Store) SummaryByServer(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "server", start, end)
}

// SummaryByTool returns totals keyed "server/tool" for records within
// [start, end).
func (s *Store) SummaryByTool(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "server || '/' || tool", start, end)
}

func (s *Store) summaryGroupedBy(ctx context.Context, expr string, start, end time.Time) (map[string]*Summary, error) {
	// expr is always one of our own constants.
	query := fmt.Sprintf(
		`SELECT %s, COUNT(*), COALESCE(SUM(1 - ok), 0), COALESCE(SUM(duration_ms), 0), COALESCE(MAX(duration_ms), 0)
		 FROM tool_calls
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s`,
		expr, expr,
	)

	rows, err := s.db.QueryContext(ctx, query,
		start.UTC().Format(timeFormat),
		end.UTC().Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", expr, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.Calls, &sum.Failures, &sum.TotalDurationMS, &sum.MaxDurationMS); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", expr, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, server, tool, ok, duration_ms, COALESCE(error, '')
		 FROM tool_calls
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent usage: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec Record
			ts  string
		)
		if err := rows.Scan(&rec.ID, &ts, &rec.Server, &rec.Tool, &rec.OK, &rec.DurationMS, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		rec.Timestamp, err = time.Parse(timeFormat, ts)
		if err != nil {
			return nil, fmt.Errorf("parse usage timestamp %q: %w", ts, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
