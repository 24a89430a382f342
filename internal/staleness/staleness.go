// Package staleness derives freshness annotations for cached records.
//
// Staleness is computed at read time from (now, last-updated, thresholds)
// and never stored. Soft staleness is advisory; hard staleness must be
// surfaced by callers as a blocking caveat. Data is served either way.
package staleness

import "time"

// Level classifies how fresh a record is.
type Level string

const (
	Fresh     Level = "fresh"
	SoftStale Level = "stale_soft"
	HardStale Level = "stale_hard"
)

// Thresholds holds the soft and hard staleness horizons for one record
// kind. Different kinds decay at different rates, so these come from
// configuration.
type Thresholds struct {
	Soft time.Duration
	Hard time.Duration
}

// Freshness annotates a cached record with its derived staleness.
type Freshness struct {
	Level   Level `json:"level"`
	AgeDays int   `json:"age_days"`
	Stale   bool  `json:"stale"`
}

// Evaluate computes the freshness of a record updated at updated, as of
// now. A zero updated time means the record never carried a timestamp and
// is reported hard-stale with age 0: unknown age is treated as the worst
// case, never hidden.
func Evaluate(now, updated time.Time, th Thresholds) Freshness {
	if updated.IsZero() {
		return Freshness{Level: HardStale, Stale: true}
	}
	age := now.Sub(updated)
	if age < 0 {
		age = 0
	}
	f := Freshness{AgeDays: int(age.Hours() / 24)}
	switch {
	case th.Hard > 0 && age >= th.Hard:
		f.Level = HardStale
		f.Stale = true
	case th.Soft > 0 && age >= th.Soft:
		f.Level = SoftStale
		f.Stale = true
	default:
		f.Level = Fresh
	}
	return f
}
