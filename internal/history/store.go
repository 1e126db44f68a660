// Package history is the durable record of executions and their metrics,
// backed by an embedded SQLite database. Writes are atomic per execution;
// read paths feed analytics, reports and the control-plane stats endpoints.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/runforge/runforge/internal/executor"
	"github.com/runforge/runforge/internal/resilience"
)

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	script_path TEXT NOT NULL,
	args_json TEXT NOT NULL DEFAULT '[]',
	exit_code INTEGER NOT NULL,
	success INTEGER NOT NULL DEFAULT 0,
	start_time TEXT NOT NULL,
	end_time TEXT NOT NULL,
	duration_seconds REAL NOT NULL DEFAULT 0,
	stdout TEXT NOT NULL DEFAULT '',
	stderr TEXT NOT NULL DEFAULT '',
	stdout_lines INTEGER NOT NULL DEFAULT 0,
	stderr_lines INTEGER NOT NULL DEFAULT 0,
	attempt_number INTEGER NOT NULL DEFAULT 1,
	timed_out INTEGER NOT NULL DEFAULT 0,
	cancelled INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_executions_script_created
	ON executions(script_path, created_at);

CREATE TABLE IF NOT EXISTS metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	execution_id INTEGER NOT NULL REFERENCES executions(id),
	metric_name TEXT NOT NULL,
	metric_value REAL NOT NULL,
	observed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_execution
	ON metrics(metric_name, execution_id);

CREATE TABLE IF NOT EXISTS executions_archive AS SELECT * FROM executions WHERE 0;
CREATE TABLE IF NOT EXISTS metrics_archive AS SELECT * FROM metrics WHERE 0;
`

// Store is the embedded SQL history database.
type Store struct {
	db *sqlx.DB

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// Open opens (creating if needed) the history database. Connections carry a
// 5s busy timeout to tolerate concurrent writers; WAL keeps readers off the
// writer's lock.
func Open(path string, meter metric.Meter) (*Store, error) {
	if meter == nil {
		meter = otel.Meter("runforge-history")
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=1", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	readLatency, _ := meter.Float64Histogram("runforge_history_read_ms")
	writeLatency, _ := meter.Float64Histogram("runforge_history_write_ms")
	return &Store{db: db, readLatency: readLatency, writeLatency: writeLatency}, nil
}

func (s *Store) Close() error { return s.db.Close() }

type executionRow struct {
	ID              int64   `db:"id"`
	ScriptPath      string  `db:"script_path"`
	ArgsJSON        string  `db:"args_json"`
	ExitCode        int     `db:"exit_code"`
	Success         bool    `db:"success"`
	StartTime       string  `db:"start_time"`
	EndTime         string  `db:"end_time"`
	DurationSeconds float64 `db:"duration_seconds"`
	Stdout          string  `db:"stdout"`
	Stderr          string  `db:"stderr"`
	StdoutLines     int     `db:"stdout_lines"`
	StderrLines     int     `db:"stderr_lines"`
	AttemptNumber   int     `db:"attempt_number"`
	TimedOut        bool    `db:"timed_out"`
	Cancelled       bool    `db:"cancelled"`
	Error           string  `db:"error"`
	CorrelationID   string  `db:"correlation_id"`
	CreatedAt       string  `db:"created_at"`
}

const timeLayout = time.RFC3339Nano

// SaveExecution persists the record and all its metric samples in one
// transaction, retrying briefly on a locked database. Non-finite metric
// values are rejected (skipped with a log line).
func (s *Store) SaveExecution(ctx context.Context, rec *executor.Record) (int64, error) {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "save_execution")))
	}()

	// Short jittered retry loop rides out "database is locked" from a
	// concurrent writer; the busy timeout handles the common case.
	return resilience.Retry(ctx, 5, 50*time.Millisecond, func() (int64, error) {
		return s.saveOnce(ctx, rec)
	})
}

func (s *Store) saveOnce(ctx context.Context, rec *executor.Record) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	argsJSON, _ := json.Marshal(rec.Args)
	res, err := tx.ExecContext(ctx, `
		INSERT INTO executions (script_path, args_json, exit_code, success,
			start_time, end_time, duration_seconds, stdout, stderr,
			stdout_lines, stderr_lines, attempt_number, timed_out, cancelled,
			error, correlation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ScriptPath, string(argsJSON), rec.ExitCode, rec.Success,
		rec.StartedAt.UTC().Format(timeLayout), rec.FinishedAt.UTC().Format(timeLayout),
		rec.DurationSeconds, rec.Stdout, rec.Stderr,
		rec.StdoutLines, rec.StderrLines, rec.Attempt, rec.TimedOut, rec.Cancelled,
		rec.Error, rec.CorrelationID,
	)
	if err != nil {
		return 0, fmt.Errorf("insert execution: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("execution id: %w", err)
	}

	observedAt := rec.FinishedAt.UTC().Format(timeLayout)
	for name, value := range rec.Metrics {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			slog.Warn("rejecting non-finite metric", "metric", name, "execution_id", id)
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO metrics (execution_id, metric_name, metric_value, observed_at) VALUES (?, ?, ?, ?)`,
			id, name, value, observedAt,
		); err != nil {
			return 0, fmt.Errorf("insert metric %s: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// GetExecution loads one record with its metric map.
func (s *Store) GetExecution(ctx context.Context, id int64) (*executor.Record, error) {
	var row executionRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM executions WHERE id = ?`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("execution %d not found", id)
		}
		return nil, fmt.Errorf("load execution: %w", err)
	}
	rec := rowToRecord(row)

	type metricRow struct {
		Name  string  `db:"metric_name"`
		Value float64 `db:"metric_value"`
	}
	var mrows []metricRow
	if err := s.db.SelectContext(ctx, &mrows,
		`SELECT metric_name, metric_value FROM metrics WHERE execution_id = ?`, id); err != nil {
		return nil, fmt.Errorf("load metrics: %w", err)
	}
	for _, m := range mrows {
		rec.Metrics[m.Name] = m.Value
	}
	return rec, nil
}

// GetExecutionHistory returns executions of a script over the last N days,
// newest first.
func (s *Store) GetExecutionHistory(ctx context.Context, scriptPath string, days int) ([]*executor.Record, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "history")))
	}()

	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(timeLayout)
	var rows []executionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM executions
		WHERE script_path = ? AND created_at >= ?
		ORDER BY created_at DESC`, scriptPath, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	out := make([]*executor.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToRecord(r))
	}
	return out, nil
}

func rowToRecord(row executionRow) *executor.Record {
	rec := &executor.Record{
		ID:              row.ID,
		ScriptPath:      row.ScriptPath,
		ExitCode:        row.ExitCode,
		Success:         row.Success,
		DurationSeconds: row.DurationSeconds,
		Stdout:          row.Stdout,
		Stderr:          row.Stderr,
		StdoutLines:     row.StdoutLines,
		StderrLines:     row.StderrLines,
		Attempt:         row.AttemptNumber,
		TimedOut:        row.TimedOut,
		Cancelled:       row.Cancelled,
		Error:           row.Error,
		CorrelationID:   row.CorrelationID,
		Metrics:         make(map[string]float64),
	}
	_ = json.Unmarshal([]byte(row.ArgsJSON), &rec.Args)
	rec.StartedAt, _ = time.Parse(timeLayout, row.StartTime)
	rec.FinishedAt, _ = time.Parse(timeLayout, row.EndTime)
	return rec
}
