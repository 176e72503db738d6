package registry

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	apperrors "github.com/yeto-platform/ingestcore/pkg/errors"
	"github.com/yeto-platform/ingestcore/pkg/postgres"
)

var sourceCols = []string{"source_id", "name", "tier", "status", "access_method", "cadence",
	"reliability_score", "last_success_at", "active", "connector_name"}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(postgres.FromDB(db)), mock
}

func TestPostgresListSourcesSkipsBadRows(t *testing.T) {
	store, mock := newMockStore(t)
	last := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT source_id, name, tier").
		WillReturnRows(sqlmock.NewRows(sourceCols).
			AddRow("SRC-001", "CBY", "T1", "ACTIVE", "API", "DAILY", 90, last, true, "http").
			AddRow("SRC-002", "broken", "T9", "ACTIVE", "API", "DAILY", 10, nil, true, "").
			AddRow("SRC-003", "WFP", "T2", "NEEDS_KEY", "SCRAPE", "MONTHLY", 60, nil, false, ""))

	got, err := store.ListSources(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "SRC-001" || got[1].ID != "SRC-003" {
		t.Fatalf("sources = %+v", got)
	}
	if got[0].LastSuccessAt == nil || !got[0].LastSuccessAt.Equal(last) {
		t.Fatalf("lastSuccessAt = %v", got[0].LastSuccessAt)
	}
	if got[1].LastSuccessAt != nil {
		t.Fatalf("expected nil lastSuccessAt, got %v", got[1].LastSuccessAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresListSourcesPersistenceError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT source_id").WillReturnError(errors.New("connection refused"))

	_, err := store.ListSources(context.Background())
	if !errors.Is(err, apperrors.ErrPersistence) {
		t.Fatalf("error = %v, want persistence", err)
	}
}

func TestPostgresGetSourceNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM source_registry WHERE source_id").
		WithArgs("SRC-404").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetSource(context.Background(), "SRC-404")
	if !IsNotFound(err) {
		t.Fatalf("error = %v", err)
	}
}

func TestPostgresMarkSuccess(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	stored := at.Add(time.Hour)

	mock.ExpectQuery(`UPDATE source_registry\s+SET last_success_at = GREATEST`).
		WithArgs("SRC-001", at).
		WillReturnRows(sqlmock.NewRows([]string{"last_success_at"}).AddRow(stored))

	got, err := store.MarkSuccess(context.Background(), "SRC-001", at)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(stored) {
		t.Fatalf("stored = %v, want %v", got, stored)
	}

	mock.ExpectQuery("UPDATE source_registry").
		WithArgs("SRC-404", at).
		WillReturnRows(sqlmock.NewRows([]string{"last_success_at"}))
	if _, err := store.MarkSuccess(context.Background(), "SRC-404", at); !IsNotFound(err) {
		t.Fatalf("missing source error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestTierScanRejectsUnknown(t *testing.T) {
	var tier Tier
	if err := tier.Scan([]byte("T2")); err != nil || tier != TierT2 {
		t.Fatalf("Scan(T2) = %v, %q", err, tier)
	}
	if err := tier.Scan("T5"); err == nil {
		t.Fatal("expected error for T5")
	}
	if err := tier.Scan(nil); err == nil {
		t.Fatal("expected error for NULL")
	}
	if _, err := Tier("X").Value(); err == nil {
		t.Fatal("expected Value error")
	}
}

func TestCadenceWindow(t *testing.T) {
	day := 24 * time.Hour
	cases := map[Cadence]time.Duration{
		CadenceRealtime:  time.Hour,
		CadenceDaily:     day,
		CadenceWeekly:    7 * day,
		CadenceMonthly:   31 * day,
		CadenceQuarterly: 92 * day,
		CadenceAnnual:    366 * day,
		CadenceIrregular: 92 * day,
	}
	for c, want := range cases {
		if got := c.Window(); got != want {
			t.Errorf("%s.Window() = %v, want %v", c, got, want)
		}
	}
}
