// Package metrics derives per-capita, rolling-window, and growth fields from
// validated facts. Derived fields are recomputed from the reconciled series
// on every run, never read back and trusted.
package metrics

import (
	"time"

	"github.com/epidata-io/covid-etl/internal/model"
)

const windowDays = 7

// Enrich computes the derived fields for one fact. series is the country's
// reconciled series ordered by date ascending; it may or may not include the
// fact's own date, the fact's values take precedence either way. population
// is nullable; per-capita fields stay null without it.
func Enrich(fact model.ValidatedFact, series []model.ReconciledFact, population *int64) model.EnrichedFact {
	out := model.EnrichedFact{ValidatedFact: fact}

	if population != nil && *population > 0 {
		if fact.TotalCases != nil {
			out.CasesPerMillion = f64(float64(*fact.TotalCases) / float64(*population) * 1e6)
		}
		if fact.TotalDeaths != nil {
			out.DeathsPerMillion = f64(float64(*fact.TotalDeaths) / float64(*population) * 1e6)
		}
	}

	// Case fatality rate in percent. Null when total_cases is zero or
	// either input is missing.
	if fact.TotalCases != nil && fact.TotalDeaths != nil && *fact.TotalCases > 0 {
		out.CaseFatalityRate = f64(float64(*fact.TotalDeaths) / float64(*fact.TotalCases) * 100)
	}

	merged := mergeFact(fact, series)
	out.NewCases7dAvg = windowAvg(merged, fact.Date, func(c model.Counts) *int64 { return c.NewCases })
	out.NewDeaths7dAvg = windowAvg(merged, fact.Date, func(c model.Counts) *int64 { return c.NewDeaths })

	prevAvg := windowAvg(merged, fact.Date.AddDate(0, 0, -windowDays), func(c model.Counts) *int64 { return c.NewCases })
	if out.NewCases7dAvg != nil && prevAvg != nil && *prevAvg != 0 {
		out.GrowthRate = f64((*out.NewCases7dAvg - *prevAvg) / *prevAvg * 100)
	}

	return out
}

// mergeFact overlays the fact's own counts onto its series by date, so the
// current day's window includes the value being enriched even when the
// series was read before this run produced it.
func mergeFact(fact model.ValidatedFact, series []model.ReconciledFact) []model.ReconciledFact {
	merged := make([]model.ReconciledFact, 0, len(series)+1)
	replaced := false
	for _, s := range series {
		if s.Date.Equal(fact.Date) {
			merged = append(merged, fact.ReconciledFact)
			replaced = true
			continue
		}
		merged = append(merged, s)
	}
	if !replaced {
		merged = append(merged, fact.ReconciledFact)
	}
	return merged
}

// windowAvg averages the field over the days present in the trailing window
// ending at end, inclusive. Gap-aware: missing days reduce the denominator
// instead of contributing zero. Null when no day in the window has a value.
func windowAvg(series []model.ReconciledFact, end time.Time, get func(model.Counts) *int64) *float64 {
	start := end.AddDate(0, 0, -(windowDays - 1))
	var sum float64
	var n int
	for _, s := range series {
		if s.Date.Before(start) || s.Date.After(end) {
			continue
		}
		if v := get(s.Counts); v != nil {
			sum += float64(*v)
			n++
		}
	}
	if n == 0 {
		return nil
	}
	return f64(sum / float64(n))
}

func f64(v float64) *float64 { return &v }
