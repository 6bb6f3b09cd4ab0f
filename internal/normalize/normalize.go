// Package normalize maps source-specific raw records to the canonical
// DailyObservation schema. It is the sole adapter boundary for upstream
// sources: nothing source-shaped leaks past it.
package normalize

import (
	"strconv"
	"strings"
	"time"

	"github.com/epidata-io/covid-etl/internal/country"
	"github.com/epidata-io/covid-etl/internal/model"
)

// Source identifiers as they appear on RawRecord.Source.
const (
	SourceDiseaseSh  = "disease.sh"
	SourceCovid19API = "covid19api"
	SourceCSV        = "csv"
)

// Normalizer maps raw source records to DailyObservations.
type Normalizer struct {
	registry *country.Registry
	now      func() time.Time // injectable for testing
}

// New creates a Normalizer backed by the given country registry.
func New(reg *country.Registry) *Normalizer {
	return &Normalizer{registry: reg, now: time.Now}
}

// WithNow sets a fixed clock for testing.
func (n *Normalizer) WithNow(now func() time.Time) *Normalizer {
	n.now = now
	return n
}

// Normalize maps one raw record to a DailyObservation. It fails with
// *SchemaError for unmappable shapes and *UnknownCountryError when no
// canonical country code can be assigned. Raw counts are pre-validation:
// inconsistent or negative values pass through for the validator to flag.
func (n *Normalizer) Normalize(raw model.RawRecord) (model.DailyObservation, error) {
	switch raw.Source {
	case SourceDiseaseSh:
		return n.normalizeDiseaseSh(raw)
	case SourceCovid19API:
		return n.normalizeCovid19API(raw)
	case SourceCSV:
		return n.normalizeCSV(raw)
	default:
		return model.DailyObservation{}, &SchemaError{Source: raw.Source, Reason: "unrecognized source"}
	}
}

// normalizeDiseaseSh maps a disease.sh per-country snapshot row. The feed is
// a current snapshot, so the observation date is the fetch date.
func (n *Normalizer) normalizeDiseaseSh(raw model.RawRecord) (model.DailyObservation, error) {
	name := getString(raw.Fields, "countryInfo.iso3", "country")
	code, err := n.resolveCountry(raw.Source, name)
	if err != nil {
		return model.DailyObservation{}, err
	}

	date := raw.FetchedAt.UTC().Truncate(24 * time.Hour)
	if date.IsZero() {
		return model.DailyObservation{}, &SchemaError{Source: raw.Source, Reason: "missing fetch timestamp"}
	}

	obs := model.DailyObservation{
		CountryCode: code,
		Date:        date,
		Source:      raw.Source,
		FetchedAt:   raw.FetchedAt,
		Counts: model.Counts{
			TotalCases:     getInt(raw.Fields, "cases", "total_cases"),
			NewCases:       getInt(raw.Fields, "todayCases", "new_cases"),
			TotalDeaths:    getInt(raw.Fields, "deaths", "total_deaths"),
			NewDeaths:      getInt(raw.Fields, "todayDeaths", "new_deaths"),
			TotalRecovered: getInt(raw.Fields, "recovered", "total_recovered"),
			NewRecovered:   getInt(raw.Fields, "todayRecovered", "new_recovered"),
			ActiveCases:    getInt(raw.Fields, "active", "active_cases"),
			CriticalCases:  getInt(raw.Fields, "critical", "critical_cases"),
		},
	}
	return obs, n.checkDate(raw.Source, obs.Date)
}

// normalizeCovid19API maps a covid19api historical row, which carries its
// own observation date.
func (n *Normalizer) normalizeCovid19API(raw model.RawRecord) (model.DailyObservation, error) {
	name := getString(raw.Fields, "CountryCode", "Country")
	code, err := n.resolveCountry(raw.Source, name)
	if err != nil {
		return model.DailyObservation{}, err
	}

	date, ok := getDate(raw.Fields, "Date", "date")
	if !ok {
		return model.DailyObservation{}, &SchemaError{Source: raw.Source, Reason: "missing or malformed Date"}
	}

	obs := model.DailyObservation{
		CountryCode: code,
		Date:        date,
		Source:      raw.Source,
		FetchedAt:   raw.FetchedAt,
		Counts: model.Counts{
			TotalCases:     getInt(raw.Fields, "TotalConfirmed"),
			NewCases:       getInt(raw.Fields, "NewConfirmed"),
			TotalDeaths:    getInt(raw.Fields, "TotalDeaths"),
			NewDeaths:      getInt(raw.Fields, "NewDeaths"),
			TotalRecovered: getInt(raw.Fields, "TotalRecovered"),
			NewRecovered:   getInt(raw.Fields, "NewRecovered"),
		},
	}
	return obs, n.checkDate(raw.Source, obs.Date)
}

// normalizeCSV maps a row from a manually supplied batch file. Headers are
// lowercased by the CSV source; common synonyms are accepted.
func (n *Normalizer) normalizeCSV(raw model.RawRecord) (model.DailyObservation, error) {
	name := getString(raw.Fields, "country_code", "country", "location", "region")
	code, err := n.resolveCountry(raw.Source, name)
	if err != nil {
		return model.DailyObservation{}, err
	}

	date, ok := getDate(raw.Fields, "date")
	if !ok {
		return model.DailyObservation{}, &SchemaError{Source: raw.Source, Reason: "missing or malformed date"}
	}

	obs := model.DailyObservation{
		CountryCode: code,
		Date:        date,
		Source:      raw.Source,
		FetchedAt:   raw.FetchedAt,
		Counts: model.Counts{
			TotalCases:     getInt(raw.Fields, "total_cases", "cases"),
			NewCases:       getInt(raw.Fields, "new_cases"),
			TotalDeaths:    getInt(raw.Fields, "total_deaths", "deaths"),
			NewDeaths:      getInt(raw.Fields, "new_deaths"),
			TotalRecovered: getInt(raw.Fields, "total_recovered", "recovered"),
			NewRecovered:   getInt(raw.Fields, "new_recovered"),
			ActiveCases:    getInt(raw.Fields, "active_cases", "active"),
			CriticalCases:  getInt(raw.Fields, "critical_cases", "critical"),
		},
	}
	return obs, n.checkDate(raw.Source, obs.Date)
}

func (n *Normalizer) resolveCountry(source, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", &SchemaError{Source: source, Reason: "missing country identifier"}
	}
	code, ok := n.registry.Resolve(name)
	if !ok {
		return "", &UnknownCountryError{Name: name}
	}
	return code, nil
}

// checkDate enforces the date <= today invariant.
func (n *Normalizer) checkDate(source string, date time.Time) error {
	today := n.now().UTC().Truncate(24 * time.Hour)
	if date.After(today) {
		return &SchemaError{Source: source, Reason: "observation date in the future"}
	}
	return nil
}

// getString returns the first present, non-empty string value among keys.
func getString(fields map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := fields[k]
		if !ok {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// getInt returns the first present value among keys coerced to *int64.
// JSON numbers arrive as float64; CSV values as strings. Absent, empty, or
// unparseable values yield nil (null, not zero).
func getInt(fields map[string]any, keys ...string) *int64 {
	for _, k := range keys {
		v, ok := fields[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case int64:
			n := t
			return &n
		case int:
			n := int64(t)
			return &n
		case float64:
			n := int64(t)
			return &n
		case string:
			s := strings.TrimSpace(t)
			if s == "" {
				continue
			}
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				continue
			}
			return &n
		}
	}
	return nil
}

// getDate parses the first present value among keys as a date. Accepts
// RFC3339 timestamps and bare YYYY-MM-DD strings; the result is truncated to
// midnight UTC.
func getDate(fields map[string]any, keys ...string) (time.Time, bool) {
	for _, k := range keys {
		v, ok := fields[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case time.Time:
			return t.UTC().Truncate(24 * time.Hour), true
		case string:
			s := strings.TrimSpace(t)
			if s == "" {
				continue
			}
			for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05", "01/02/2006"} {
				if parsed, err := time.Parse(layout, s); err == nil {
					return parsed.UTC().Truncate(24 * time.Hour), true
				}
			}
		}
	}
	return time.Time{}, false
}
