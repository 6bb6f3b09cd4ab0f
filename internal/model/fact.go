// Package model holds the data types flowing through the pipeline stages.
package model

import "time"

// QualityFlag annotates a fact with the outcome of a validation check.
// Flags accumulate; a fact may carry several. Only FlagRejected excludes a
// fact from persistence.
type QualityFlag string

const (
	FlagNegativeValue      QualityFlag = "NEGATIVE_VALUE"
	FlagInconsistentActive QualityFlag = "INCONSISTENT_ACTIVE"
	FlagCumulativeDecrease QualityFlag = "CUMULATIVE_DECREASE"
	FlagAnomalousSpike     QualityFlag = "ANOMALOUS_SPIKE"
	FlagRejected           QualityFlag = "REJECTED"
)

// Country is one row of the reference registry.
type Country struct {
	Code       string   `json:"country_code" yaml:"code"`
	Name       string   `json:"name" yaml:"name"`
	Continent  string   `json:"continent,omitempty" yaml:"continent,omitempty"`
	Population *int64   `json:"population,omitempty" yaml:"population,omitempty"`
	Aliases    []string `json:"-" yaml:"aliases,omitempty"`
}

// RawRecord is an untyped record as emitted by an upstream source, tagged
// with the source identifier and fetch time. The normalizer is the only
// consumer of its Fields.
type RawRecord struct {
	Source    string         `json:"source"`
	FetchedAt time.Time      `json:"fetched_at"`
	Fields    map[string]any `json:"fields"`
}

// Counts holds the core case counts shared by every fact stage.
// Nil means the source did not report the field.
type Counts struct {
	TotalCases     *int64 `json:"total_cases"`
	NewCases       *int64 `json:"new_cases"`
	TotalDeaths    *int64 `json:"total_deaths"`
	NewDeaths      *int64 `json:"new_deaths"`
	TotalRecovered *int64 `json:"total_recovered"`
	NewRecovered   *int64 `json:"new_recovered"`
	ActiveCases    *int64 `json:"active_cases"`
	CriticalCases  *int64 `json:"critical_cases"`
}

// DailyObservation is one source's report for a (country, date).
type DailyObservation struct {
	CountryCode string    `json:"country_code"`
	Date        time.Time `json:"date"`
	Source      string    `json:"source"`
	FetchedAt   time.Time `json:"fetched_at"`
	Counts
}

// ReconciledFact is the single authoritative row for a (country, date) after
// cross-source merging.
type ReconciledFact struct {
	CountryCode string    `json:"country_code"`
	Date        time.Time `json:"date"`
	Counts
	ContributingSources []string `json:"contributing_sources"`
	Confidence          float64  `json:"reconciliation_confidence"`
}

// ValidatedFact is a ReconciledFact plus accumulated quality flags.
type ValidatedFact struct {
	ReconciledFact
	Flags []QualityFlag `json:"quality_flags,omitempty"`
}

// HasFlag reports whether the fact carries the given flag.
func (f ValidatedFact) HasFlag(flag QualityFlag) bool {
	for _, have := range f.Flags {
		if have == flag {
			return true
		}
	}
	return false
}

// Rejected reports whether the fact is excluded from persistence.
func (f ValidatedFact) Rejected() bool { return f.HasFlag(FlagRejected) }

// EnrichedFact is a ValidatedFact plus derived metrics. Derived fields are
// recomputed from the reconciled series on every run, never stored-and-trusted.
type EnrichedFact struct {
	ValidatedFact
	CasesPerMillion  *float64 `json:"cases_per_million"`
	DeathsPerMillion *float64 `json:"deaths_per_million"`
	CaseFatalityRate *float64 `json:"case_fatality_rate"`
	NewCases7dAvg    *float64 `json:"new_cases_7day_avg"`
	NewDeaths7dAvg   *float64 `json:"new_deaths_7day_avg"`
	GrowthRate       *float64 `json:"growth_rate"`
}

// PersistedRecord is the durable shape of a fact: value fields plus the
// content hash used for change detection. created_at and Source are metadata
// and excluded from the hash.
type PersistedRecord struct {
	EnrichedFact
	DataHash  string    `json:"data_hash"`
	CreatedAt time.Time `json:"created_at"`
	Source    string    `json:"source"`
}
