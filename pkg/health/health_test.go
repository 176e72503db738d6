package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRunAggregatesWorstStatus(t *testing.T) {
	c := NewChecker()
	c.Register("postgres", PingCheck(func(context.Context) error { return nil }, false))
	c.Register("redis", PingCheck(func(context.Context) error { return errors.New("refused") }, true))

	report := c.Run(context.Background())
	if report.Status != StatusDegraded {
		t.Fatalf("status = %s, want degraded", report.Status)
	}
	if report.Components["redis"].Message != "refused" {
		t.Errorf("redis message = %q", report.Components["redis"].Message)
	}

	c.Register("postgres", PingCheck(func(context.Context) error { return errors.New("down") }, false))
	if got := c.Run(context.Background()).Status; got != StatusDown {
		t.Fatalf("status = %s, want down", got)
	}
}

func TestReadyHandler(t *testing.T) {
	c := NewChecker()
	c.Register("redis", PingCheck(func(context.Context) error { return errors.New("refused") }, true))

	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("degraded readiness = %d, want 200", rec.Code)
	}

	c.Register("postgres", PingCheck(func(context.Context) error { return errors.New("down") }, false))
	rec = httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("down readiness = %d, want 503", rec.Code)
	}
}
