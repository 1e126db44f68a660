package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const sidecarSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	request_json TEXT NOT NULL DEFAULT '{}',
	result_json TEXT,
	error TEXT NOT NULL DEFAULT '',
	stdout TEXT NOT NULL DEFAULT '',
	stderr TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	run_status TEXT NOT NULL DEFAULT '',
	error_summary_json TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`

// Sidecar is the durable run store, upserted on every state transition. It
// survives restarts so the registry can rebuild its in-memory index.
type Sidecar struct {
	db *sqlx.DB

	upsertLatency metric.Float64Histogram
}

func OpenSidecar(path string, meter metric.Meter) (*Sidecar, error) {
	if meter == nil {
		meter = otel.Meter("runforge-runs")
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open run db: %w", err)
	}
	if _, err := db.Exec(sidecarSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create run schema: %w", err)
	}
	upsertLatency, _ := meter.Float64Histogram("runforge_runs_upsert_ms")
	return &Sidecar{db: db, upsertLatency: upsertLatency}, nil
}

func (s *Sidecar) Close() error { return s.db.Close() }

const sidecarTimeLayout = time.RFC3339Nano

type runRow struct {
	ID               string         `db:"id"`
	Status           string         `db:"status"`
	StartedAt        string         `db:"started_at"`
	FinishedAt       sql.NullString `db:"finished_at"`
	RequestJSON      string         `db:"request_json"`
	ResultJSON       sql.NullString `db:"result_json"`
	Error            string         `db:"error"`
	Stdout           string         `db:"stdout"`
	Stderr           string         `db:"stderr"`
	CorrelationID    string         `db:"correlation_id"`
	RunStatus        string         `db:"run_status"`
	ErrorSummaryJSON sql.NullString `db:"error_summary_json"`
}

// Upsert writes the record's current state, replacing any previous row.
func (s *Sidecar) Upsert(ctx context.Context, rec *RunRecord) error {
	start := time.Now()
	defer func() {
		s.upsertLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("status", string(rec.Status))))
	}()

	requestJSON, _ := json.Marshal(rec.Request)
	var resultJSON, errorSummaryJSON, finishedAt any
	var stdout, stderr string
	if rec.Result != nil {
		b, _ := json.Marshal(rec.Result)
		resultJSON = string(b)
		stdout = rec.Result.Stdout
		stderr = rec.Result.Stderr
	}
	if rec.ErrorSummary != nil {
		b, _ := json.Marshal(rec.ErrorSummary)
		errorSummaryJSON = string(b)
	}
	if rec.FinishedAt != nil {
		finishedAt = rec.FinishedAt.UTC().Format(sidecarTimeLayout)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, status, started_at, finished_at, request_json,
			result_json, error, stdout, stderr, correlation_id, run_status,
			error_summary_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			finished_at = excluded.finished_at,
			result_json = excluded.result_json,
			error = excluded.error,
			stdout = excluded.stdout,
			stderr = excluded.stderr,
			correlation_id = excluded.correlation_id,
			run_status = excluded.run_status,
			error_summary_json = excluded.error_summary_json`,
		rec.RunID, string(rec.Status), rec.StartedAt.UTC().Format(sidecarTimeLayout),
		finishedAt, string(requestJSON), resultJSON, rec.Error, stdout, stderr,
		rec.CorrelationID, string(rec.RunStatus), errorSummaryJSON,
	)
	if err != nil {
		return fmt.Errorf("upsert run %s: %w", rec.RunID, err)
	}
	return nil
}

// LoadRecent returns the most recently started runs, newest first.
func (s *Sidecar) LoadRecent(ctx context.Context, limit int) ([]*RunRecord, error) {
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("load recent runs: %w", err)
	}
	out := make([]*RunRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToRunRecord(r))
	}
	return out, nil
}

func rowToRunRecord(row runRow) *RunRecord {
	rec := &RunRecord{
		RunID:         row.ID,
		Status:        RunStatus(row.Status),
		Error:         row.Error,
		CorrelationID: row.CorrelationID,
		RunStatus:     RunStatus(row.RunStatus),
	}
	rec.StartedAt, _ = time.Parse(sidecarTimeLayout, row.StartedAt)
	if row.FinishedAt.Valid {
		t, err := time.Parse(sidecarTimeLayout, row.FinishedAt.String)
		if err == nil {
			rec.FinishedAt = &t
		}
	}
	_ = json.Unmarshal([]byte(row.RequestJSON), &rec.Request)
	if row.ResultJSON.Valid {
		_ = json.Unmarshal([]byte(row.ResultJSON.String), &rec.Result)
	}
	if row.ErrorSummaryJSON.Valid {
		_ = json.Unmarshal([]byte(row.ErrorSummaryJSON.String), &rec.ErrorSummary)
	}
	return rec
}
