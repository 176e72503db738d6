package resilience

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/yeto-platform/ingestcore/pkg/errors"
)

func TestExponentialDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{3, 8 * time.Minute},
		{10, time.Hour},
	}
	for _, tt := range tests {
		if got := ExponentialDelay(tt.attempt, 2*time.Minute, time.Hour, 2); got != tt.want {
			t.Errorf("ExponentialDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("run not found")
	var calls atomic.Int32
	err := Retry(context.Background(), "complete-run", RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		ShouldRetry:  func(err error) bool { return !errors.Is(err, permanent) },
	}, func() error {
		calls.Add(1)
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestRetryEventuallySucceeds(t *testing.T) {
	var calls atomic.Int32
	err := Retry(context.Background(), "mark-success", RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}, func() error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil || calls.Load() != 3 {
		t.Fatalf("err = %v, calls = %d", err, calls.Load())
	}
}

func TestCircuitBreakerOpensAndReportsState(t *testing.T) {
	var transitions []State
	cb := NewCircuitBreaker("worldbank", CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
		OnStateChange:    func(_ string, to State) { transitions = append(transitions, to) },
	})
	fail := errors.New("503")
	for i := 0; i < 2; i++ {
		_ = cb.Execute(func() error { return fail })
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("state = %s, want open", cb.GetState())
	}
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("open breaker let a call through: %v", err)
	}
	cb.Reset()
	if len(transitions) != 2 || transitions[0] != StateOpen || transitions[1] != StateClosed {
		t.Errorf("transitions = %v", transitions)
	}
}

func TestWithTimeout(t *testing.T) {
	err := WithTimeout(context.Background(), 5*time.Millisecond, "connector", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) || !errors.Is(err, apperrors.ErrTimeout) {
		t.Fatalf("err = %v", err)
	}
	if code := apperrors.HTTPStatusCode(err); code != http.StatusGatewayTimeout {
		t.Errorf("status = %d", code)
	}
}

func TestWithTimeoutPassesThrough(t *testing.T) {
	sentinel := errors.New("HTTP 502")
	if err := WithTimeout(context.Background(), time.Second, "connector", func(context.Context) error {
		return sentinel
	}); err != sentinel {
		t.Fatalf("err = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithTimeout(ctx, time.Second, "connector", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) || errors.Is(err, apperrors.ErrTimeout) {
		t.Fatalf("cancelled err = %v", err)
	}
}
