package usage

import (
	"fmt"
	"time"
)

// Period is one calendar month in UTC. End is exclusive.
type Period struct {
	Start time.Time
	End   time.Time
}

// PeriodFor returns the billing period containing t.
func PeriodFor(t time.Time) Period {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, 0)}
}

// Previous returns the period immediately before p.
func (p Period) Previous() Period {
	return PeriodFor(p.Start.Add(-time.Nanosecond))
}

// Key is the compact period identifier used in store keys, e.g. "2026-03".
func (p Period) Key() string { return p.Start.Format("2006-01") }

// ParseKey parses a period key produced by Key.
func ParseKey(key string) (Period, error) {
	t, err := time.Parse("2006-01", key)
	if err != nil {
		return Period{}, fmt.Errorf("usage: bad period key %q: %w", key, err)
	}
	return PeriodFor(t), nil
}
