package history

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricAgg is the per-metric summary used by the dashboard read path.
type MetricAgg struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	Count int     `json:"count"`
}

// GetAggregatedMetrics summarises each metric over the last `limit`
// executions of a script.
func (s *Store) GetAggregatedMetrics(ctx context.Context, scriptPath string, limit int) (map[string]MetricAgg, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "aggregated_metrics")))
	}()

	type row struct {
		Name  string  `db:"metric_name"`
		Min   float64 `db:"min_v"`
		Max   float64 `db:"max_v"`
		Avg   float64 `db:"avg_v"`
		Count int     `db:"count_v"`
	}
	var rows []row
	err := s.db.SelectContext(ctx, &rows, `
		SELECT metric_name,
			MIN(metric_value) AS min_v,
			MAX(metric_value) AS max_v,
			AVG(metric_value) AS avg_v,
			COUNT(*) AS count_v
		FROM metrics
		WHERE execution_id IN (
			SELECT id FROM executions WHERE script_path = ?
			ORDER BY created_at DESC LIMIT ?
		)
		GROUP BY metric_name`, scriptPath, limit)
	if err != nil {
		return nil, fmt.Errorf("aggregate metrics: %w", err)
	}
	out := make(map[string]MetricAgg, len(rows))
	for _, r := range rows {
		out[r.Name] = MetricAgg{Min: r.Min, Max: r.Max, Avg: r.Avg, Count: r.Count}
	}
	return out, nil
}

// Point is one time-series observation.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// TimeSeries returns ascending observations of one metric, optionally
// restricted to a script, over the last N days.
func (s *Store) TimeSeries(ctx context.Context, metricName, scriptPath string, days int) ([]Point, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(timeLayout)
	query := `
		SELECT m.observed_at, m.metric_value
		FROM metrics m
		JOIN executions e ON e.id = m.execution_id
		WHERE m.metric_name = ? AND m.observed_at >= ?`
	args := []any{metricName, cutoff}
	if scriptPath != "" {
		query += ` AND e.script_path = ?`
		args = append(args, scriptPath)
	}
	query += ` ORDER BY m.observed_at ASC`

	type row struct {
		ObservedAt string  `db:"observed_at"`
		Value      float64 `db:"metric_value"`
	}
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("time series: %w", err)
	}
	out := make([]Point, 0, len(rows))
	for _, r := range rows {
		ts, _ := time.Parse(timeLayout, r.ObservedAt)
		out = append(out, Point{Timestamp: ts, Value: r.Value})
	}
	return out, nil
}

// Stats is the full aggregation of one metric.
type Stats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Avg    float64 `json:"avg"`
	Median float64 `json:"median"`
	P50    float64 `json:"p50"`
	P75    float64 `json:"p75"`
	P90    float64 `json:"p90"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
	StdDev float64 `json:"stddev"`
}

// Aggregations computes order statistics for one metric across all recorded
// executions (optionally one script). Percentiles are computed in process;
// the embedded engine has no percentile aggregate.
func (s *Store) Aggregations(ctx context.Context, metricName, scriptPath string) (Stats, error) {
	query := `
		SELECT m.metric_value FROM metrics m
		JOIN executions e ON e.id = m.execution_id
		WHERE m.metric_name = ?`
	args := []any{metricName}
	if scriptPath != "" {
		query += ` AND e.script_path = ?`
		args = append(args, scriptPath)
	}
	var values []float64
	if err := s.db.SelectContext(ctx, &values, query, args...); err != nil {
		return Stats{}, fmt.Errorf("load values: %w", err)
	}
	return computeStats(values), nil
}

func computeStats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	avg := sum / float64(len(sorted))

	var variance float64
	for _, v := range sorted {
		variance += (v - avg) * (v - avg)
	}
	variance /= float64(len(sorted))

	st := Stats{
		Count:  len(sorted),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Avg:    avg,
		Median: percentile(sorted, 50),
		P50:    percentile(sorted, 50),
		P75:    percentile(sorted, 75),
		P90:    percentile(sorted, 90),
		P95:    percentile(sorted, 95),
		P99:    percentile(sorted, 99),
		StdDev: math.Sqrt(variance),
	}
	return st
}

// percentile uses linear interpolation between closest ranks.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// DBStats reports row counts per table and total byte size.
type DBStats struct {
	Executions         int   `json:"executions"`
	Metrics            int   `json:"metrics"`
	ExecutionsArchived int   `json:"executions_archived"`
	MetricsArchived    int   `json:"metrics_archived"`
	SizeBytes          int64 `json:"size_bytes"`
}

func (s *Store) DatabaseStats(ctx context.Context) (DBStats, error) {
	var st DBStats
	counts := []struct {
		table string
		dst   *int
	}{
		{"executions", &st.Executions},
		{"metrics", &st.Metrics},
		{"executions_archive", &st.ExecutionsArchived},
		{"metrics_archive", &st.MetricsArchived},
	}
	for _, c := range counts {
		if err := s.db.GetContext(ctx, c.dst, `SELECT COUNT(*) FROM `+c.table); err != nil {
			return DBStats{}, fmt.Errorf("count %s: %w", c.table, err)
		}
	}
	if err := s.db.GetContext(ctx, &st.SizeBytes,
		`SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()`); err != nil {
		return DBStats{}, fmt.Errorf("db size: %w", err)
	}
	return st, nil
}

// Archive relocates executions (and their metric rows) whose created_at is
// strictly older than now minus days into the archive tables. Returns the
// number of executions moved. Vacuum is a separate operation.
func (s *Store) Archive(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(timeLayout)
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO metrics_archive
		SELECT m.* FROM metrics m
		JOIN executions e ON e.id = m.execution_id
		WHERE e.created_at < ?`, cutoff); err != nil {
		return 0, fmt.Errorf("archive metrics: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM metrics WHERE execution_id IN
		(SELECT id FROM executions WHERE created_at < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("delete metrics: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO executions_archive
		SELECT * FROM executions WHERE created_at < ?`, cutoff); err != nil {
		return 0, fmt.Errorf("archive executions: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete executions: %w", err)
	}
	moved, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return moved, nil
}

// Vacuum reclaims space after archival.
func (s *Store) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `VACUUM`)
	return err
}
