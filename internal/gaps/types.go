// Package gaps compares the coverage each indicator is expected to have with
// the data actually present and keeps one open ticket per missing series.
package gaps

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yeto-platform/ingestcore/internal/registry"
	apperrors "github.com/yeto-platform/ingestcore/pkg/errors"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusOpen, StatusResolved:
		return st, nil
	}
	return "", fmt.Errorf("ticket status %q: %w", s, apperrors.ErrInvalidInput)
}

// Expectation says an indicator should receive data at least once per
// cadence window.
type Expectation struct {
	SectorCode    string           `yaml:"sector" json:"sector_code"`
	IndicatorCode string           `yaml:"indicator" json:"indicator_code"`
	Cadence       registry.Cadence `yaml:"cadence" json:"cadence"`
	Critical      bool             `yaml:"critical" json:"critical"`
}

// Ticket is one row of gap_tickets. Tickets are resolved, never deleted.
type Ticket struct {
	ID             string     `json:"gap_id"`
	Severity       Severity   `json:"severity"`
	SectorCode     string     `json:"sector_code"`
	IndicatorCode  string     `json:"indicator_code"`
	Status         Status     `json:"status"`
	TitleEn        string     `json:"title_en"`
	TitleAr        string     `json:"title_ar"`
	DescriptionEn  string     `json:"description_en"`
	DescriptionAr  string     `json:"description_ar"`
	OpenedAt       time.Time  `json:"opened_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	LastObservedAt *time.Time `json:"last_observed_at,omitempty"`
}

// LoadExpectations reads the expectation list from a YAML file:
//
//	expectations:
//	  - sector: energy
//	    indicator: fuel_imports
//	    cadence: MONTHLY
//	    critical: true
func LoadExpectations(path string) ([]Expectation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading expectations file: %w", err)
	}
	var doc struct {
		Expectations []Expectation `yaml:"expectations"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing expectations file: %w", err)
	}
	seen := make(map[string]bool, len(doc.Expectations))
	for i, e := range doc.Expectations {
		if e.SectorCode == "" || e.IndicatorCode == "" {
			return nil, fmt.Errorf("expectation %d: sector and indicator are required", i)
		}
		if !e.Cadence.Valid() {
			return nil, fmt.Errorf("expectation %s/%s: unknown cadence %q", e.SectorCode, e.IndicatorCode, e.Cadence)
		}
		k := e.SectorCode + "/" + e.IndicatorCode
		if seen[k] {
			return nil, fmt.Errorf("expectation %s listed twice", k)
		}
		seen[k] = true
	}
	return doc.Expectations, nil
}

// SeverityFor maps how many cadence windows a series is overdue to a
// severity. Any overrun is at least medium; only critical indicators reach
// SeverityCritical. SeverityLow is left to tickets filed by hand.
func SeverityFor(ratio float64, critical bool) Severity {
	switch {
	case ratio <= 2:
		return SeverityMedium
	case ratio <= 4 || !critical:
		return SeverityHigh
	}
	return SeverityCritical
}

// GapID identifies one gap episode: the series plus the last observation
// before it went missing. A later episode for the same series gets a new ID.
func GapID(sector, indicator string, since time.Time) string {
	var unix int64
	if !since.IsZero() {
		unix = since.Unix()
	}
	sum := sha256.Sum256([]byte(sector + "|" + indicator + "|" + strconv.FormatInt(unix, 10)))
	return "GAP-" + hex.EncodeToString(sum[:])[:16]
}

// RecurrenceID derives the ID for a gap that recurs under an ID already used
// by a resolved ticket.
func RecurrenceID(base string, openedAt time.Time) string {
	sum := sha256.Sum256([]byte(base + "|" + strconv.FormatInt(openedAt.Unix(), 10)))
	return "GAP-" + hex.EncodeToString(sum[:])[:16]
}
