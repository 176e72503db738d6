package registry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/yeto-platform/ingestcore/pkg/errors"
	"github.com/yeto-platform/ingestcore/pkg/postgres"
)

// Store is the persistence contract the Service depends on. Registry rows are
// created and deactivated by import tooling; the core only reads them and
// records successful fetches.
type Store interface {
	ListSources(ctx context.Context) ([]Source, error)
	GetSource(ctx context.Context, id string) (Source, error)
	// MarkSuccess advances last_success_at to at unless it is already later,
	// and returns the stored value.
	MarkSuccess(ctx context.Context, id string, at time.Time) (time.Time, error)
}

// PostgresStore reads the source_registry table:
//
//	CREATE TABLE source_registry (
//	    source_id         TEXT PRIMARY KEY,
//	    name              TEXT NOT NULL DEFAULT '',
//	    tier              TEXT NOT NULL,
//	    status            TEXT NOT NULL,
//	    access_method     TEXT NOT NULL,
//	    cadence           TEXT NOT NULL,
//	    reliability_score INTEGER NOT NULL DEFAULT 0,
//	    last_success_at   TIMESTAMPTZ,
//	    active            BOOLEAN NOT NULL DEFAULT TRUE,
//	    connector_name    TEXT NOT NULL DEFAULT ''
//	);
type PostgresStore struct {
	db     *postgres.Client
	logger *slog.Logger
}

func NewPostgresStore(db *postgres.Client) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: slog.Default().With("component", "registry-store"),
	}
}

const sourceColumns = `source_id, name, tier, status, access_method, cadence,
	reliability_score, last_success_at, active, connector_name`

func (s *PostgresStore) ListSources(ctx context.Context) ([]Source, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT `+sourceColumns+` FROM source_registry ORDER BY source_id`)
	if err != nil {
		return nil, apperrors.Persistence("listing sources", err)
	}
	defer rows.Close()

	var sources []Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			// One malformed row must not hide the rest of the registry.
			s.logger.Warn("skipping unreadable source row", "error", err)
			continue
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Persistence("iterating sources", err)
	}
	return sources, nil
}

func (s *PostgresStore) GetSource(ctx context.Context, id string) (Source, error) {
	row := s.db.DB.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM source_registry WHERE source_id = $1`, id)
	src, err := scanSource(row)
	if err == sql.ErrNoRows {
		return Source{}, fmt.Errorf("source %s: %w", id, apperrors.ErrSourceNotFound)
	}
	if err != nil {
		return Source{}, apperrors.Persistence("reading source", err)
	}
	return src, nil
}

func (s *PostgresStore) MarkSuccess(ctx context.Context, id string, at time.Time) (time.Time, error) {
	var stored time.Time
	err := s.db.DB.QueryRowContext(ctx,
		`UPDATE source_registry
		 SET last_success_at = GREATEST(COALESCE(last_success_at, $2), $2)
		 WHERE source_id = $1
		 RETURNING last_success_at`,
		id, at.UTC(),
	).Scan(&stored)
	if err == sql.ErrNoRows {
		return time.Time{}, fmt.Errorf("source %s: %w", id, apperrors.ErrSourceNotFound)
	}
	if err != nil {
		return time.Time{}, apperrors.Persistence("marking source success", err)
	}
	return stored.UTC(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (Source, error) {
	var (
		src         Source
		lastSuccess sql.NullTime
	)
	err := row.Scan(
		&src.ID, &src.Name, &src.Tier, &src.Status, &src.AccessMethod, &src.Cadence,
		&src.ReliabilityScore, &lastSuccess, &src.Active, &src.ConnectorName,
	)
	if err != nil {
		return Source{}, err
	}
	src.LastSuccessAt = postgres.TimePtr(lastSuccess)
	return src, nil
}
