package gaps

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	apperrors "github.com/yeto-platform/ingestcore/pkg/errors"
	"github.com/yeto-platform/ingestcore/pkg/postgres"
)

var ticketCols = []string{"gap_id", "severity", "sector_code", "indicator_code", "status",
	"title_en", "title_ar", "description_en", "description_ar", "opened_at", "resolved_at", "last_observed_at"}

func newMockDB(t *testing.T) (*postgres.Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
		db.Close()
	})
	return postgres.FromDB(db), mock
}

func TestPostgresCreateDedup(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewPostgresTicketStore(db)
	tk := Ticket{
		ID: "GAP-0123456789abcdef", Severity: SeverityMedium, SectorCode: "energy", IndicatorCode: "fuel_imports",
		TitleEn: "Data gap", TitleAr: "فجوة بيانات", OpenedAt: now,
	}

	mock.ExpectExec(`INSERT INTO gap_tickets .* ON CONFLICT DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO gap_tickets`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	created, err := store.Create(context.Background(), tk)
	if err != nil || !created {
		t.Fatalf("first Create = %v, %v", created, err)
	}
	created, err = store.Create(context.Background(), tk)
	if err != nil || created {
		t.Fatalf("duplicate Create = %v, %v", created, err)
	}
}

func TestPostgresFindOpen(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewPostgresTicketStore(db)
	observed := now.Add(-40 * day)

	mock.ExpectQuery(`SELECT .* FROM gap_tickets WHERE sector_code = \$1 AND indicator_code = \$2 AND status = 'open'`).
		WithArgs("energy", "fuel_imports").
		WillReturnRows(sqlmock.NewRows(ticketCols).AddRow("GAP-1", "medium", "energy", "fuel_imports", "open",
			"t", "ت", "d", "و", now, nil, observed))
	mock.ExpectQuery(`SELECT .* FROM gap_tickets`).
		WithArgs("prices", "cpi").
		WillReturnRows(sqlmock.NewRows(ticketCols))

	tk, ok, err := store.FindOpen(context.Background(), "energy", "fuel_imports")
	if err != nil || !ok {
		t.Fatalf("FindOpen = %v, %v", ok, err)
	}
	if tk.ID != "GAP-1" || tk.ResolvedAt != nil || tk.LastObservedAt == nil || !tk.LastObservedAt.Equal(observed) {
		t.Errorf("ticket = %+v", tk)
	}

	_, ok, err = store.FindOpen(context.Background(), "prices", "cpi")
	if err != nil || ok {
		t.Fatalf("FindOpen on empty = %v, %v", ok, err)
	}
}

func TestPostgresResolve(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewPostgresTicketStore(db)
	observed := now.Add(-time.Hour)

	mock.ExpectExec(`UPDATE gap_tickets SET status = 'resolved'.* WHERE gap_id = \$1 AND status = 'open'`).
		WithArgs("GAP-1", now, observed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE gap_tickets`).
		WithArgs("GAP-1", now, observed).
		WillReturnError(errors.New("connection refused"))

	ok, err := store.Resolve(context.Background(), "GAP-1", now, observed)
	if err != nil || !ok {
		t.Fatalf("Resolve = %v, %v", ok, err)
	}
	if _, err := store.Resolve(context.Background(), "GAP-1", now, observed); !errors.Is(err, apperrors.ErrPersistence) {
		t.Fatalf("error = %v", err)
	}
}

func TestPostgresList(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewPostgresTicketStore(db)

	mock.ExpectQuery(`SELECT .* FROM gap_tickets WHERE status = \$1 ORDER BY opened_at DESC`).
		WithArgs(StatusResolved).
		WillReturnRows(sqlmock.NewRows(ticketCols).AddRow("GAP-1", "high", "energy", "fuel_imports", "resolved",
			"t", "ت", "d", "و", now.Add(-day), now, now))

	out, err := store.List(context.Background(), StatusResolved)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Status != StatusResolved || out[0].ResolvedAt == nil {
		t.Fatalf("List = %+v", out)
	}
}

func TestPostgresPresence(t *testing.T) {
	db, mock := newMockDB(t)
	p := NewPostgresPresence(db)
	at := now.Add(-3 * day)

	mock.ExpectQuery(`SELECT MAX\(observed_at\) FROM time_series`).
		WithArgs("energy", "fuel_imports").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(at))
	mock.ExpectQuery(`SELECT MAX\(observed_at\) FROM time_series`).
		WithArgs("prices", "cpi").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	got, ok, err := p.LatestObservation(context.Background(), "energy", "fuel_imports")
	if err != nil || !ok || !got.Equal(at) {
		t.Fatalf("LatestObservation = %v, %v, %v", got, ok, err)
	}
	_, ok, err = p.LatestObservation(context.Background(), "prices", "cpi")
	if err != nil || ok {
		t.Fatalf("empty series = %v, %v", ok, err)
	}
}
