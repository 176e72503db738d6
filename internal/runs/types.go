// Package runs tracks the lifecycle of every connector invocation.
//
// A run moves queued → running → success|error, or running → stuck when the
// reaper gives up on it. Terminal rows are never modified again. At most one
// run per source may be running; that rule is enforced by the store so it
// holds across scheduler processes.
package runs

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusStuck   Status = "stuck"
)

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSuccess, StatusError, StatusStuck:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusStuck:
		return true
	}
	return false
}

// Failed reports whether the run ended without data; stuck counts as failed.
func (s Status) Failed() bool {
	return s == StatusError || s == StatusStuck
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown run status %q", s)
	}
	return st, nil
}

func (s *Status) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("unsupported run status column type %T", src)
	}
	st, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

func (s Status) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown run status %q", string(s))
	}
	return string(s), nil
}

// CanTransition reports whether from → to is an edge of the run state machine.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusSuccess || to == StatusError || to == StatusStuck
	default:
		return false
	}
}

// Counts are the record counters a connector reports.
type Counts struct {
	Fetched int64 `json:"records_fetched"`
	Created int64 `json:"records_created"`
	Updated int64 `json:"records_updated"`
	Skipped int64 `json:"records_skipped"`
}

// Run is one row of ingestion_runs.
type Run struct {
	ID              int64      `json:"run_id"`
	SourceID        string     `json:"source_id"`
	ConnectorName   string     `json:"connector_name"`
	Status          Status     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds float64    `json:"duration_seconds"`
	Counts
	ErrorMessage string `json:"error_message,omitempty"`
}

// Filter narrows ListRuns. Zero values match everything; Limit defaults to 50.
type Filter struct {
	SourceID string
	Status   Status
	Limit    int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultListLimit
	case f.Limit > maxListLimit:
		return maxListLimit
	default:
		return f.Limit
	}
}

// StuckMessage is the synthetic error recorded on reaped runs.
func StuckMessage(timeout time.Duration) string {
	return fmt.Sprintf("exceeded timeout of %d minutes", int(timeout/time.Minute))
}
