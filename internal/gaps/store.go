package gaps

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/yeto-platform/ingestcore/pkg/errors"
	"github.com/yeto-platform/ingestcore/pkg/postgres"
)

// Presence reports the newest data point stored for a series. ok is false
// when the series has no data at all.
type Presence interface {
	LatestObservation(ctx context.Context, sector, indicator string) (at time.Time, ok bool, err error)
}

type TicketStore interface {
	FindOpen(ctx context.Context, sector, indicator string) (Ticket, bool, error)
	// Create inserts an open ticket. It reports false, without error, when
	// an open ticket for the series or a ticket with the same ID exists.
	Create(ctx context.Context, t Ticket) (bool, error)
	// Resolve closes an open ticket. It reports false when it was not open.
	Resolve(ctx context.Context, id string, at, observed time.Time) (bool, error)
	List(ctx context.Context, status Status) ([]Ticket, error)
}

// PostgresPresence reads the observation table written by the ingestion
// pipeline:
//
//	CREATE TABLE time_series (
//	    sector_code    TEXT NOT NULL,
//	    indicator_code TEXT NOT NULL,
//	    observed_at    TIMESTAMPTZ NOT NULL,
//	    value          DOUBLE PRECISION
//	);
type PostgresPresence struct {
	db *postgres.Client
}

func NewPostgresPresence(db *postgres.Client) *PostgresPresence {
	return &PostgresPresence{db: db}
}

func (p *PostgresPresence) LatestObservation(ctx context.Context, sector, indicator string) (time.Time, bool, error) {
	var at sql.NullTime
	err := p.db.DB.QueryRowContext(ctx,
		`SELECT MAX(observed_at) FROM time_series
		 WHERE sector_code = $1 AND indicator_code = $2`,
		sector, indicator,
	).Scan(&at)
	if err != nil {
		return time.Time{}, false, apperrors.Persistence("reading latest observation", err)
	}
	if !at.Valid {
		return time.Time{}, false, nil
	}
	return at.Time.UTC(), true, nil
}

// PostgresTicketStore keeps tickets in gap_tickets:
//
//	CREATE TABLE gap_tickets (
//	    gap_id           TEXT PRIMARY KEY,
//	    severity         TEXT NOT NULL,
//	    sector_code      TEXT NOT NULL,
//	    indicator_code   TEXT NOT NULL,
//	    status           TEXT NOT NULL,
//	    title_en         TEXT NOT NULL,
//	    title_ar         TEXT NOT NULL,
//	    description_en   TEXT NOT NULL,
//	    description_ar   TEXT NOT NULL,
//	    opened_at        TIMESTAMPTZ NOT NULL,
//	    resolved_at      TIMESTAMPTZ,
//	    last_observed_at TIMESTAMPTZ
//	);
//	CREATE UNIQUE INDEX gap_tickets_one_open
//	    ON gap_tickets (sector_code, indicator_code) WHERE status = 'open';
type PostgresTicketStore struct {
	db *postgres.Client
}

func NewPostgresTicketStore(db *postgres.Client) *PostgresTicketStore {
	return &PostgresTicketStore{db: db}
}

const ticketColumns = `gap_id, severity, sector_code, indicator_code, status, title_en, title_ar,
	description_en, description_ar, opened_at, resolved_at, last_observed_at`

func scanTicket(row interface{ Scan(...any) error }) (Ticket, error) {
	var (
		t                  Ticket
		resolved, observed sql.NullTime
	)
	err := row.Scan(&t.ID, &t.Severity, &t.SectorCode, &t.IndicatorCode, &t.Status,
		&t.TitleEn, &t.TitleAr, &t.DescriptionEn, &t.DescriptionAr,
		&t.OpenedAt, &resolved, &observed)
	if err != nil {
		return Ticket{}, err
	}
	t.ResolvedAt = postgres.TimePtr(resolved)
	t.LastObservedAt = postgres.TimePtr(observed)
	return t, nil
}

func (s *PostgresTicketStore) FindOpen(ctx context.Context, sector, indicator string) (Ticket, bool, error) {
	row := s.db.DB.QueryRowContext(ctx,
		`SELECT `+ticketColumns+` FROM gap_tickets
		 WHERE sector_code = $1 AND indicator_code = $2 AND status = 'open'`,
		sector, indicator)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Ticket{}, false, nil
	}
	if err != nil {
		return Ticket{}, false, apperrors.Persistence("finding open ticket", err)
	}
	return t, true, nil
}

// Create relies on the partial unique index, so two scanners racing on the
// same series insert exactly one row.
func (s *PostgresTicketStore) Create(ctx context.Context, t Ticket) (bool, error) {
	res, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO gap_tickets (`+ticketColumns+`)
		 VALUES ($1, $2, $3, $4, 'open', $5, $6, $7, $8, $9, NULL, $10)
		 ON CONFLICT DO NOTHING`,
		t.ID, t.Severity, t.SectorCode, t.IndicatorCode,
		t.TitleEn, t.TitleAr, t.DescriptionEn, t.DescriptionAr,
		t.OpenedAt, postgres.NullTime(t.LastObservedAt))
	if err != nil {
		return false, apperrors.Persistence("creating gap ticket", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.Persistence("creating gap ticket", err)
	}
	return n == 1, nil
}

func (s *PostgresTicketStore) Resolve(ctx context.Context, id string, at, observed time.Time) (bool, error) {
	res, err := s.db.DB.ExecContext(ctx,
		`UPDATE gap_tickets
		 SET status = 'resolved', resolved_at = $2, last_observed_at = $3
		 WHERE gap_id = $1 AND status = 'open'`,
		id, at, observed)
	if err != nil {
		return false, apperrors.Persistence("resolving gap ticket", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.Persistence("resolving gap ticket", err)
	}
	return n == 1, nil
}

// List returns tickets newest first. An empty status matches all.
func (s *PostgresTicketStore) List(ctx context.Context, status Status) ([]Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM gap_tickets`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY opened_at DESC, gap_id`

	rows, err := s.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Persistence("listing gap tickets", err)
	}
	defer rows.Close()

	var out []Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, apperrors.Persistence("listing gap tickets", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing gap tickets: %w", err)
	}
	return out, nil
}
