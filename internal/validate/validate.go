// Package validate runs quality checks over reconciled facts and annotates
// them with flags. Flags accumulate; only a structural violation rejects a
// fact from persistence.
package validate

import (
	"math"

	"github.com/epidata-io/covid-etl/internal/config"
	"github.com/epidata-io/covid-etl/internal/model"
)

// Validator applies the configured quality checks.
type Validator struct {
	cfg config.ValidateConfig
}

// New creates a Validator with the given thresholds.
func New(cfg config.ValidateConfig) *Validator {
	return &Validator{cfg: cfg}
}

// Validate checks one reconciled fact. prior is the most recent fact for the
// same country before fact.Date, nil when none exists; it must come from the
// merged series so that days earlier in the same run serve as the baseline,
// not only persisted state. history is the trailing reconciled series for the
// country, ordered by date ascending, ending before fact.Date; it feeds the
// spike baseline.
func (v *Validator) Validate(fact model.ReconciledFact, prior *model.ReconciledFact, history []model.ReconciledFact) model.ValidatedFact {
	out := model.ValidatedFact{ReconciledFact: fact}

	if fact.CountryCode == "" || fact.Date.IsZero() {
		out.Flags = append(out.Flags, model.FlagRejected)
		return out
	}

	if hasNegative(fact.Counts) {
		out.Flags = append(out.Flags, model.FlagNegativeValue)
	}
	if v.inconsistentActive(fact.Counts) {
		out.Flags = append(out.Flags, model.FlagInconsistentActive)
	}
	if prior != nil && cumulativeDecrease(fact.Counts, prior.Counts) {
		out.Flags = append(out.Flags, model.FlagCumulativeDecrease)
	}
	if v.anomalousSpike(fact, history) {
		out.Flags = append(out.Flags, model.FlagAnomalousSpike)
	}

	return out
}

func hasNegative(c model.Counts) bool {
	for _, v := range []*int64{
		c.TotalCases, c.NewCases, c.TotalDeaths, c.NewDeaths,
		c.TotalRecovered, c.NewRecovered, c.ActiveCases, c.CriticalCases,
	} {
		if v != nil && *v < 0 {
			return true
		}
	}
	return false
}

// inconsistentActive checks active against total - deaths - recovered. The
// tolerance absorbs rounding and sub-metric reporting lag: a percentage of
// total cases with an absolute minimum.
func (v *Validator) inconsistentActive(c model.Counts) bool {
	if c.ActiveCases == nil || c.TotalCases == nil || c.TotalDeaths == nil || c.TotalRecovered == nil {
		return false
	}
	expected := *c.TotalCases - *c.TotalDeaths - *c.TotalRecovered
	diff := *c.ActiveCases - expected
	if diff < 0 {
		diff = -diff
	}
	tolerance := int64(v.cfg.ActiveTolerancePct * float64(*c.TotalCases))
	if tolerance < v.cfg.ActiveToleranceMin {
		tolerance = v.cfg.ActiveToleranceMin
	}
	return diff > tolerance
}

// cumulativeDecrease reports whether any cumulative field dropped strictly
// below the preceding day. Reported, not corrected: a true retroactive
// correction looks the same as an error.
func cumulativeDecrease(cur, prior model.Counts) bool {
	pairs := [][2]*int64{
		{cur.TotalCases, prior.TotalCases},
		{cur.TotalDeaths, prior.TotalDeaths},
		{cur.TotalRecovered, prior.TotalRecovered},
	}
	for _, p := range pairs {
		if p[0] != nil && p[1] != nil && *p[0] < *p[1] {
			return true
		}
	}
	return false
}

// anomalousSpike flags new_cases or new_deaths far above the trailing
// baseline: mean plus a multiple of the stddev of recent daily values, with
// an absolute floor so near-zero baselines do not trip on ordinary noise.
// Fewer than three baseline samples means no check.
func (v *Validator) anomalousSpike(fact model.ReconciledFact, history []model.ReconciledFact) bool {
	window := trailingWindow(fact, history, v.cfg.SpikeWindowDays)
	return v.spikes(fact.NewCases, window, func(c model.Counts) *int64 { return c.NewCases }) ||
		v.spikes(fact.NewDeaths, window, func(c model.Counts) *int64 { return c.NewDeaths })
}

func (v *Validator) spikes(value *int64, window []model.ReconciledFact, get func(model.Counts) *int64) bool {
	if value == nil {
		return false
	}
	var samples []float64
	for _, h := range window {
		if s := get(h.Counts); s != nil {
			samples = append(samples, float64(*s))
		}
	}
	if len(samples) < 3 {
		return false
	}
	mean, stddev := meanStddev(samples)
	threshold := mean + v.cfg.SpikeStddevMult*stddev
	if floor := float64(v.cfg.SpikeMinFloor); threshold < floor {
		threshold = floor
	}
	return float64(*value) > threshold
}

// trailingWindow returns the history entries within windowDays before the
// fact's date. Missing days are simply absent, never zero-filled.
func trailingWindow(fact model.ReconciledFact, history []model.ReconciledFact, windowDays int) []model.ReconciledFact {
	cutoff := fact.Date.AddDate(0, 0, -windowDays)
	var window []model.ReconciledFact
	for _, h := range history {
		if h.CountryCode != fact.CountryCode {
			continue
		}
		if !h.Date.Before(cutoff) && h.Date.Before(fact.Date) {
			window = append(window, h)
		}
	}
	return window
}

func meanStddev(samples []float64) (mean, stddev float64) {
	for _, s := range samples {
		mean += s
	}
	mean /= float64(len(samples))
	var sq float64
	for _, s := range samples {
		d := s - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(samples)))
}
