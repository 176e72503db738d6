package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrConcurrentRun    = errors.New("run already in progress for source")
	ErrConnector        = errors.New("connector failure")
	ErrStuckRun         = errors.New("run exceeded timeout")
	ErrPersistence      = errors.New("persistence unavailable")
	ErrSourceNotFound   = errors.New("source not found")
	ErrRunNotFound      = errors.New("run not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrSchedulerStopped = errors.New("scheduler stopped")
	ErrInternal         = errors.New("internal error")
	ErrTimeout          = errors.New("deadline exceeded")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// Persistence wraps a database failure so callers can tell an unreachable
// store apart from a domain error.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrSourceNotFound), errors.Is(err, ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConcurrentRun):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrPersistence), errors.Is(err, ErrSchedulerStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrConnector):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
