package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/epidata-io/covid-etl/internal/model"
)

// CaseKey builds the map key for a (country, date) pair.
func CaseKey(countryCode string, date time.Time) string {
	return countryCode + "|" + date.Format("2006-01-02")
}

const caseColumns = `country_code, date, total_cases, new_cases, total_deaths,
	new_deaths, total_recovered, new_recovered, active_cases, critical_cases,
	cases_per_million, deaths_per_million, case_fatality_rate,
	new_cases_7day_avg, new_deaths_7day_avg, growth_rate,
	quality_flags, contributing_sources, confidence, data_hash, created_at, source`

func scanCase(rows pgx.Rows) (model.PersistedRecord, error) {
	var rec model.PersistedRecord
	var flags []string
	err := rows.Scan(
		&rec.CountryCode, &rec.Date,
		&rec.TotalCases, &rec.NewCases, &rec.TotalDeaths, &rec.NewDeaths,
		&rec.TotalRecovered, &rec.NewRecovered, &rec.ActiveCases, &rec.CriticalCases,
		&rec.CasesPerMillion, &rec.DeathsPerMillion, &rec.CaseFatalityRate,
		&rec.NewCases7dAvg, &rec.NewDeaths7dAvg, &rec.GrowthRate,
		&flags, &rec.ContributingSources, &rec.Confidence,
		&rec.DataHash, &rec.CreatedAt, &rec.Source,
	)
	if err != nil {
		return rec, eris.Wrap(err, "store: scan case row")
	}
	for _, f := range flags {
		rec.Flags = append(rec.Flags, model.QualityFlag(f))
	}
	return rec, nil
}

func collectCases(rows pgx.Rows) ([]model.PersistedRecord, error) {
	defer rows.Close()
	var out []model.PersistedRecord
	for rows.Next() {
		rec, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "store: iterate case rows")
	}
	return out, nil
}

// PriorHashes returns data_hash per (country, date) for the given countries.
// The change detector compares new facts against this map.
func (s *Store) PriorHashes(ctx context.Context, codes []string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT country_code, date, data_hash FROM covid_cases
		 WHERE country_code = ANY($1)`, codes)
	if err != nil {
		return nil, eris.Wrap(err, "store: query prior hashes")
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var code, hash string
		var date time.Time
		if err := rows.Scan(&code, &date, &hash); err != nil {
			return nil, eris.Wrap(err, "store: scan prior hash")
		}
		out[CaseKey(code, date)] = hash
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "store: iterate prior hashes")
	}
	return out, nil
}

// PriorFacts returns a country's persisted rows on or after since, date
// ascending. Feeds the monotonicity check and the rolling-window baselines.
func (s *Store) PriorFacts(ctx context.Context, countryCode string, since time.Time) ([]model.PersistedRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+caseColumns+` FROM covid_cases
		 WHERE country_code = $1 AND date >= $2 ORDER BY date`,
		countryCode, since)
	if err != nil {
		return nil, eris.Wrapf(err, "store: query prior facts for %s", countryCode)
	}
	return collectCases(rows)
}

// SeriesByCountry returns a country's rows in [from, to], date ascending.
// Zero bounds are open.
func (s *Store) SeriesByCountry(ctx context.Context, countryCode string, from, to time.Time) ([]model.PersistedRecord, error) {
	if from.IsZero() {
		from = time.Date(2019, 12, 1, 0, 0, 0, 0, time.UTC)
	}
	if to.IsZero() {
		to = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+caseColumns+` FROM covid_cases
		 WHERE country_code = $1 AND date BETWEEN $2 AND $3 ORDER BY date`,
		countryCode, from, to)
	if err != nil {
		return nil, eris.Wrapf(err, "store: query series for %s", countryCode)
	}
	return collectCases(rows)
}

// LatestByCountry returns the most recent row per country.
func (s *Store) LatestByCountry(ctx context.Context) ([]model.PersistedRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (country_code) `+caseColumns+` FROM covid_cases
		 ORDER BY country_code, date DESC`)
	if err != nil {
		return nil, eris.Wrap(err, "store: query latest by country")
	}
	return collectCases(rows)
}
