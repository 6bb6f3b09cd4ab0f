// Package diff detects whether an enriched fact differs from its persisted
// predecessor by comparing content hashes. The hash is the idempotence
// mechanism: rerunning the pipeline over unchanged upstream data produces
// zero writes.
package diff

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/epidata-io/covid-etl/internal/model"
)

// Status classifies a fact against its prior persisted state.
type Status int

const (
	// StatusNew means no prior row exists for the key.
	StatusNew Status = iota
	// StatusChanged means the prior row's hash differs.
	StatusChanged
	// StatusUnchanged means the content hash matches the prior row.
	StatusUnchanged
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusChanged:
		return "changed"
	default:
		return "unchanged"
	}
}

// Detect computes the fact's content hash and compares it against the hash
// persisted for the same (country, date), empty when none exists.
func Detect(fact model.EnrichedFact, priorHash string) (Status, string) {
	h := Hash(fact)
	switch priorHash {
	case "":
		return StatusNew, h
	case h:
		return StatusUnchanged, h
	default:
		return StatusChanged, h
	}
}

// Hash fingerprints a fact's value fields: key, counts, reconciliation
// outputs, and derived metrics. Metadata (created_at, source label) and
// quality flags are excluded; flags derive from values plus thresholds, so
// hashing them would turn a threshold edit into a full rewrite.
//
// The serialization is a fixed field order, so equal values always hash
// equal regardless of how the fact was built.
func Hash(fact model.EnrichedFact) string {
	var b strings.Builder
	b.WriteString("country_code=" + fact.CountryCode)
	b.WriteString("|date=" + fact.Date.Format("2006-01-02"))

	writeInt(&b, "total_cases", fact.TotalCases)
	writeInt(&b, "new_cases", fact.NewCases)
	writeInt(&b, "total_deaths", fact.TotalDeaths)
	writeInt(&b, "new_deaths", fact.NewDeaths)
	writeInt(&b, "total_recovered", fact.TotalRecovered)
	writeInt(&b, "new_recovered", fact.NewRecovered)
	writeInt(&b, "active_cases", fact.ActiveCases)
	writeInt(&b, "critical_cases", fact.CriticalCases)

	b.WriteString("|sources=" + strings.Join(fact.ContributingSources, ","))
	b.WriteString("|confidence=" + formatFloat(fact.Confidence))

	writeFloat(&b, "cases_per_million", fact.CasesPerMillion)
	writeFloat(&b, "deaths_per_million", fact.DeathsPerMillion)
	writeFloat(&b, "case_fatality_rate", fact.CaseFatalityRate)
	writeFloat(&b, "new_cases_7day_avg", fact.NewCases7dAvg)
	writeFloat(&b, "new_deaths_7day_avg", fact.NewDeaths7dAvg)
	writeFloat(&b, "growth_rate", fact.GrowthRate)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func writeInt(b *strings.Builder, name string, v *int64) {
	b.WriteString("|" + name + "=")
	if v != nil {
		b.WriteString(strconv.FormatInt(*v, 10))
	}
}

func writeFloat(b *strings.Builder, name string, v *float64) {
	b.WriteString("|" + name + "=")
	if v != nil {
		b.WriteString(formatFloat(*v))
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
