package runs

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/yeto-platform/ingestcore/pkg/errors"
	"github.com/yeto-platform/ingestcore/pkg/postgres"
)

// Store persists runs. Every mutating method is a single atomic statement so
// a crash can never leave a half-written row.
type Store interface {
	// Begin inserts a running row, or fails with ErrConcurrentRun when the
	// source already has one.
	Begin(ctx context.Context, sourceID, connector string, startedAt time.Time) (int64, error)
	// Finish moves a running row to success or error. It reports false,
	// without error, when the row was already terminal.
	Finish(ctx context.Context, id int64, status Status, counts *Counts, msg string, at time.Time) (Run, bool, error)
	// Progress overwrites the counters of a running row.
	Progress(ctx context.Context, id int64, counts Counts) (bool, error)
	// ReapStuck moves every running row started before cutoff to stuck and
	// returns exactly the rows it changed.
	ReapStuck(ctx context.Context, cutoff, at time.Time, msg string) ([]Run, error)

	Get(ctx context.Context, id int64) (Run, error)
	LatestBySource(ctx context.Context) (map[string]Run, error)
	List(ctx context.Context, f Filter) ([]Run, error)
	RecordCounts(ctx context.Context) (map[string]int64, error)
	ConsecutiveFailures(ctx context.Context, sourceID string) (int, error)
}

// PostgresStore keeps runs in ingestion_runs:
//
//	CREATE TABLE ingestion_runs (
//	    id               BIGSERIAL PRIMARY KEY,
//	    source_id        TEXT NOT NULL REFERENCES source_registry(source_id),
//	    connector_name   TEXT NOT NULL,
//	    status           TEXT NOT NULL,
//	    started_at       TIMESTAMPTZ NOT NULL,
//	    completed_at     TIMESTAMPTZ,
//	    duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
//	    records_fetched  BIGINT NOT NULL DEFAULT 0,
//	    records_created  BIGINT NOT NULL DEFAULT 0,
//	    records_updated  BIGINT NOT NULL DEFAULT 0,
//	    records_skipped  BIGINT NOT NULL DEFAULT 0,
//	    error_message    TEXT NOT NULL DEFAULT ''
//	);
//	CREATE UNIQUE INDEX ingestion_runs_one_running
//	    ON ingestion_runs (source_id) WHERE status = 'running';
type PostgresStore struct {
	db *postgres.Client
}

func NewPostgresStore(db *postgres.Client) *PostgresStore {
	return &PostgresStore{db: db}
}

const runColumns = `id, source_id, connector_name, status, started_at, completed_at,
	duration_seconds, records_fetched, records_created, records_updated,
	records_skipped, error_message`

func (s *PostgresStore) Begin(ctx context.Context, sourceID, connector string, startedAt time.Time) (int64, error) {
	var id int64
	err := s.db.DB.QueryRowContext(ctx,
		`INSERT INTO ingestion_runs (source_id, connector_name, status, started_at)
		 VALUES ($1, $2, 'running', $3)
		 ON CONFLICT (source_id) WHERE status = 'running' DO NOTHING
		 RETURNING id`,
		sourceID, connector, startedAt.UTC(),
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("source %s: %w", sourceID, apperrors.ErrConcurrentRun)
	}
	if postgres.IsUniqueViolation(err) {
		return 0, fmt.Errorf("source %s: %w", sourceID, apperrors.ErrConcurrentRun)
	}
	if err != nil {
		return 0, apperrors.Persistence("inserting run", err)
	}
	return id, nil
}

func (s *PostgresStore) Finish(ctx context.Context, id int64, status Status, counts *Counts, msg string, at time.Time) (Run, bool, error) {
	if !CanTransition(StatusRunning, status) || status == StatusStuck {
		return Run{}, false, fmt.Errorf("finish with status %q: %w", status, apperrors.ErrInvalidInput)
	}

	set := []string{
		"status = $2",
		"completed_at = $3",
		"duration_seconds = GREATEST(EXTRACT(EPOCH FROM ($3::timestamptz - started_at)), 0)",
		"error_message = $4",
	}
	args := []any{id, status, at.UTC(), msg}
	if counts != nil {
		set = append(set,
			"records_fetched = $5", "records_created = $6",
			"records_updated = $7", "records_skipped = $8")
		args = append(args, counts.Fetched, counts.Created, counts.Updated, counts.Skipped)
	}

	row := s.db.DB.QueryRowContext(ctx,
		`UPDATE ingestion_runs SET `+strings.Join(set, ", ")+`
		 WHERE id = $1 AND status = 'running'
		 RETURNING `+runColumns,
		args...)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		// Either unknown or already terminal; Get tells which.
		existing, getErr := s.Get(ctx, id)
		if getErr != nil {
			return Run{}, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		return Run{}, false, apperrors.Persistence("finishing run", err)
	}
	return run, true, nil
}

func (s *PostgresStore) Progress(ctx context.Context, id int64, c Counts) (bool, error) {
	res, err := s.db.DB.ExecContext(ctx,
		`UPDATE ingestion_runs
		 SET records_fetched = $2, records_created = $3, records_updated = $4, records_skipped = $5
		 WHERE id = $1 AND status = 'running'`,
		id, c.Fetched, c.Created, c.Updated, c.Skipped)
	if err != nil {
		return false, apperrors.Persistence("recording run progress", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.Persistence("recording run progress", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) ReapStuck(ctx context.Context, cutoff, at time.Time, msg string) ([]Run, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`UPDATE ingestion_runs
		 SET status = 'stuck',
		     completed_at = $2,
		     duration_seconds = GREATEST(EXTRACT(EPOCH FROM ($2::timestamptz - started_at)), 0),
		     error_message = $3
		 WHERE status = 'running' AND started_at < $1
		 RETURNING `+runColumns,
		cutoff.UTC(), at.UTC(), msg)
	if err != nil {
		return nil, apperrors.Persistence("reaping stuck runs", err)
	}
	return collectRuns(rows, "reaping stuck runs")
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (Run, error) {
	run, err := scanRun(s.db.DB.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM ingestion_runs WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return Run{}, fmt.Errorf("run %d: %w", id, apperrors.ErrRunNotFound)
	}
	if err != nil {
		return Run{}, apperrors.Persistence("reading run", err)
	}
	return run, nil
}

func (s *PostgresStore) LatestBySource(ctx context.Context) (map[string]Run, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT DISTINCT ON (source_id) `+runColumns+`
		 FROM ingestion_runs
		 ORDER BY source_id, started_at DESC, id DESC`)
	if err != nil {
		return nil, apperrors.Persistence("reading latest runs", err)
	}
	list, err := collectRuns(rows, "reading latest runs")
	if err != nil {
		return nil, err
	}
	out := make(map[string]Run, len(list))
	for _, r := range list {
		out[r.SourceID] = r
	}
	return out, nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]Run, error) {
	var (
		where []string
		args  []any
	)
	if f.SourceID != "" {
		args = append(args, f.SourceID)
		where = append(where, fmt.Sprintf("source_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + runColumns + ` FROM ingestion_runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, f.limit())
	query += fmt.Sprintf(` ORDER BY started_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := s.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Persistence("listing runs", err)
	}
	return collectRuns(rows, "listing runs")
}

func (s *PostgresStore) RecordCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT source_id, COALESCE(SUM(records_created), 0)
		 FROM ingestion_runs
		 WHERE status = 'success'
		 GROUP BY source_id`)
	if err != nil {
		return nil, apperrors.Persistence("summing record counts", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			id string
			n  int64
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, apperrors.Persistence("summing record counts", err)
		}
		out[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Persistence("summing record counts", err)
	}
	return out, nil
}

// ConsecutiveFailures counts terminal failures since the source's last success.
func (s *PostgresStore) ConsecutiveFailures(ctx context.Context, sourceID string) (int, error) {
	var n int
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ingestion_runs
		 WHERE source_id = $1
		   AND status IN ('error', 'stuck')
		   AND started_at > COALESCE(
		       (SELECT MAX(started_at) FROM ingestion_runs
		        WHERE source_id = $1 AND status = 'success'),
		       '-infinity'::timestamptz)`,
		sourceID).Scan(&n)
	if err != nil {
		return 0, apperrors.Persistence("counting failures", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		r         Run
		completed sql.NullTime
	)
	err := row.Scan(
		&r.ID, &r.SourceID, &r.ConnectorName, &r.Status, &r.StartedAt, &completed,
		&r.DurationSeconds, &r.Fetched, &r.Created, &r.Updated, &r.Skipped, &r.ErrorMessage,
	)
	if err != nil {
		return Run{}, err
	}
	r.StartedAt = r.StartedAt.UTC()
	r.CompletedAt = postgres.TimePtr(completed)
	return r, nil
}

func collectRuns(rows *sql.Rows, op string) ([]Run, error) {
	defer rows.Close()
	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, apperrors.Persistence(op, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Persistence(op, err)
	}
	return out, nil
}
