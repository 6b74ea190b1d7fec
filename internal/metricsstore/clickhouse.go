package metricsstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// historySink persists completed batches to ClickHouse for queries beyond
// the in-memory ring's retention. It is a pure side channel: insert
// failures are logged and never affect the in-memory ring, which remains
// authoritative for load-balancing decisions.
type historySink struct {
	db  *sql.DB
	log *slog.Logger
}

// newHistorySink opens a ClickHouse connection pool from dsn and ensures the
// request_metrics table exists. Returns (nil, nil) when dsn is empty —
// historical persistence is simply skipped in that case.
func newHistorySink(ctx context.Context, dsn string, log *slog.Logger) (*historySink, error) {
	if dsn == "" {
		return nil, nil
	}

	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("metricsstore: parse clickhouse dsn: %w", err)
	}
	db := clickhouse.OpenDB(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("metricsstore: ping clickhouse: %w", err)
	}

	s := &historySink{db: db, log: log}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *historySink) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS request_metrics (
	backend_id   String,
	instance_id  String,
	request_id   String,
	model        String,
	timestamp    DateTime64(3),
	status       String,
	duration_ms  Int64,
	ttft_ms      Nullable(Int64),
	stream_type  String,
	error_type   String
) ENGINE = MergeTree()
ORDER BY (backend_id, timestamp)`
	_, err := s.db.ExecContext(ctx, ddl)
	if err != nil {
		return fmt.Errorf("metricsstore: ensure schema: %w", err)
	}
	return nil
}

// insertBatch asynchronously persists records. Failures are logged, not
// propagated — the caller (the batcher's flush loop) never blocks on this.
func (s *historySink) insertBatch(ctx context.Context, records []Record) {
	if s == nil || len(records) == 0 {
		return
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.log.WarnContext(ctx, "clickhouse_insert_begin_failed", slog.String("error", err.Error()))
		return
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO request_metrics
		(backend_id, instance_id, request_id, model, timestamp, status, duration_ms, ttft_ms, stream_type, error_type)`)
	if err != nil {
		s.log.WarnContext(ctx, "clickhouse_insert_prepare_failed", slog.String("error", err.Error()))
		_ = tx.Rollback()
		return
	}
	defer stmt.Close()

	for _, r := range records {
		var ttft any
		if r.TTFTMs != nil {
			ttft = *r.TTFTMs
		}
		if _, err := stmt.ExecContext(ctx,
			r.BackendID, r.InstanceID, r.RequestID, r.Model, r.Timestamp,
			string(r.Status), r.DurationMs, ttft, string(r.StreamType), r.ErrorType,
		); err != nil {
			s.log.WarnContext(ctx, "clickhouse_insert_row_failed", slog.String("error", err.Error()))
		}
	}

	if err := tx.Commit(); err != nil {
		s.log.WarnContext(ctx, "clickhouse_insert_commit_failed", slog.String("error", err.Error()))
	}
}

// query runs a bucketed historical query over request_metrics for windows
// that fall outside the in-memory ring's retention.
func (s *historySink) query(ctx context.Context, q HistoricalQuery) ([]Bucket, error) {
	if s == nil {
		return nil, nil
	}

	sqlQuery := `
SELECT
	backend_id,
	toStartOfMinute(timestamp) AS minute,
	countIf(status = 'success') AS success_count,
	countIf(status = 'failure') AS failure_count,
	avgIf(ttft_ms, stream_type = 'streaming') AS streaming_ttft,
	avgIf(ttft_ms, stream_type = 'non-streaming') AS non_stream_ttft
FROM request_metrics
WHERE timestamp >= ? AND timestamp < ?`
	args := []any{q.Start, q.End}

	if q.BackendID != "" {
		sqlQuery += " AND backend_id = ?"
		args = append(args, q.BackendID)
	}
	if q.InstanceID != "" {
		sqlQuery += " AND instance_id = ?"
		args = append(args, q.InstanceID)
	}
	sqlQuery += " GROUP BY backend_id, minute ORDER BY minute"
	if q.Limit > 0 {
		sqlQuery += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("metricsstore: historical query: %w", err)
	}
	defer rows.Close()

	var out []Bucket
	for rows.Next() {
		var b Bucket
		var streamingTTFT, nonStreamTTFT sql.NullFloat64
		if err := rows.Scan(&b.BackendID, &b.Minute, &b.SuccessCount, &b.FailureCount, &streamingTTFT, &nonStreamTTFT); err != nil {
			return nil, fmt.Errorf("metricsstore: scan historical row: %w", err)
		}
		if streamingTTFT.Valid {
			b.StreamingTTFTMs = streamingTTFT.Float64
			b.HasStreamingData = true
		}
		if nonStreamTTFT.Valid {
			b.NonStreamTTFTMs = nonStreamTTFT.Float64
			b.HasNonStreamData = true
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *historySink) close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}
