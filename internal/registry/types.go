// Package registry holds the canonical metadata for every external data source
// and the injected Service the scheduling core reads it through.
package registry

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// Tier is the priority class of a source; T1 is polled most often.
type Tier string

const (
	TierT1 Tier = "T1"
	TierT2 Tier = "T2"
	TierT3 Tier = "T3"
	TierT4 Tier = "T4"
)

// Tiers lists every tier in priority order.
var Tiers = []Tier{TierT1, TierT2, TierT3, TierT4}

// Rank orders tiers for sorting; unknown tiers sort last.
func (t Tier) Rank() int {
	switch t {
	case TierT1:
		return 1
	case TierT2:
		return 2
	case TierT3:
		return 3
	case TierT4:
		return 4
	default:
		return 99
	}
}

func (t Tier) Valid() bool { return t.Rank() != 99 }

// ParseTier converts a stored value into a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

func (t *Tier) Scan(src any) error {
	s, err := scanString(src)
	if err != nil {
		return err
	}
	*t, err = ParseTier(s)
	return err
}

func (t Tier) Value() (driver.Value, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown tier %q", string(t))
	}
	return string(t), nil
}

// Status is the registry lifecycle state of a source.
type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusNeedsKey   Status = "NEEDS_KEY"
	StatusInactive   Status = "INACTIVE"
	StatusDeprecated Status = "DEPRECATED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusNeedsKey, StatusInactive, StatusDeprecated:
		return true
	}
	return false
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown source status %q", s)
	}
	return st, nil
}

func (s *Status) Scan(src any) error {
	v, err := scanString(src)
	if err != nil {
		return err
	}
	*s, err = ParseStatus(v)
	return err
}

func (s Status) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown source status %q", string(s))
	}
	return string(s), nil
}

// AccessMethod describes how a source's data is obtained.
type AccessMethod string

const (
	AccessAPI    AccessMethod = "API"
	AccessScrape AccessMethod = "SCRAPE"
	AccessManual AccessMethod = "MANUAL"
	AccessHybrid AccessMethod = "HYBRID"
)

func (a AccessMethod) Valid() bool {
	switch a {
	case AccessAPI, AccessScrape, AccessManual, AccessHybrid:
		return true
	}
	return false
}

func ParseAccessMethod(s string) (AccessMethod, error) {
	a := AccessMethod(s)
	if !a.Valid() {
		return "", fmt.Errorf("unknown access method %q", s)
	}
	return a, nil
}

func (a *AccessMethod) Scan(src any) error {
	v, err := scanString(src)
	if err != nil {
		return err
	}
	*a, err = ParseAccessMethod(v)
	return err
}

func (a AccessMethod) Value() (driver.Value, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("unknown access method %q", string(a))
	}
	return string(a), nil
}

// Cadence is the expected frequency of new data.
type Cadence string

const (
	CadenceRealtime  Cadence = "REALTIME"
	CadenceDaily     Cadence = "DAILY"
	CadenceWeekly    Cadence = "WEEKLY"
	CadenceMonthly   Cadence = "MONTHLY"
	CadenceQuarterly Cadence = "QUARTERLY"
	CadenceAnnual    Cadence = "ANNUAL"
	CadenceIrregular Cadence = "IRREGULAR"
)

func (c Cadence) Valid() bool {
	switch c {
	case CadenceRealtime, CadenceDaily, CadenceWeekly, CadenceMonthly,
		CadenceQuarterly, CadenceAnnual, CadenceIrregular:
		return true
	}
	return false
}

func ParseCadence(s string) (Cadence, error) {
	c := Cadence(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown cadence %q", s)
	}
	return c, nil
}

func (c *Cadence) Scan(src any) error {
	v, err := scanString(src)
	if err != nil {
		return err
	}
	*c, err = ParseCadence(v)
	return err
}

func (c Cadence) Value() (driver.Value, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("unknown cadence %q", string(c))
	}
	return string(c), nil
}

// Window is the nominal gap between two observations at this cadence.
// Irregular sources are given a quarter; realtime sources an hour.
func (c Cadence) Window() time.Duration {
	const day = 24 * time.Hour
	switch c {
	case CadenceRealtime:
		return time.Hour
	case CadenceDaily:
		return day
	case CadenceWeekly:
		return 7 * day
	case CadenceMonthly:
		return 31 * day
	case CadenceQuarterly, CadenceIrregular:
		return 92 * day
	case CadenceAnnual:
		return 366 * day
	default:
		return 31 * day
	}
}

// Source is one external data provider.
type Source struct {
	ID               string       `json:"source_id"`
	Name             string       `json:"name"`
	Tier             Tier         `json:"tier"`
	Status           Status       `json:"status"`
	AccessMethod     AccessMethod `json:"access_method"`
	Cadence          Cadence      `json:"cadence"`
	ReliabilityScore int          `json:"reliability_score"`
	LastSuccessAt    *time.Time   `json:"last_success_at,omitempty"`
	Active           bool         `json:"active"`
	ConnectorName    string       `json:"connector_name,omitempty"`
}

// Schedulable reports whether the scheduling core should poll the source.
func (s Source) Schedulable() bool {
	return s.Status == StatusActive
}

func scanString(src any) (string, error) {
	switch v := src.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case nil:
		return "", fmt.Errorf("unexpected NULL enum value")
	default:
		return "", fmt.Errorf("unsupported enum column type %T", src)
	}
}
