package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/epidata-io/covid-etl/internal/db"
	"github.com/epidata-io/covid-etl/internal/model"
)

// UpsertCountries writes the reference registry, updating names, continents,
// and populations in place. Runs once per pipeline run before any facts load.
func (s *Store) UpsertCountries(ctx context.Context, countries []model.Country) (int64, error) {
	rows := make([][]any, 0, len(countries))
	for _, c := range countries {
		rows = append(rows, []any{c.Code, c.Name, nullString(c.Continent), c.Population})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "countries",
		Columns:      []string{"country_code", "name", "continent", "population"},
		ConflictKeys: []string{"country_code"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "store: upsert countries")
	}
	return n, nil
}

// Countries returns the registry ordered by code.
func (s *Store) Countries(ctx context.Context) ([]model.Country, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT country_code, name, COALESCE(continent, ''), population
		 FROM countries ORDER BY country_code`)
	if err != nil {
		return nil, eris.Wrap(err, "store: query countries")
	}
	defer rows.Close()

	var out []model.Country
	for rows.Next() {
		var c model.Country
		if err := rows.Scan(&c.Code, &c.Name, &c.Continent, &c.Population); err != nil {
			return nil, eris.Wrap(err, "store: scan country")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "store: iterate countries")
	}
	return out, nil
}

// AddAlias records a source-specific name variant. The alias table is
// append-only: re-pointing an existing alias is an error.
func (s *Store) AddAlias(ctx context.Context, alias, countryCode string) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO country_aliases (alias, country_code)
		 VALUES ($1, $2) ON CONFLICT (alias) DO NOTHING`,
		alias, countryCode)
	if err != nil {
		return eris.Wrapf(err, "store: add alias %q", alias)
	}
	if tag.RowsAffected() == 0 {
		var existing string
		err := s.pool.QueryRow(ctx,
			`SELECT country_code FROM country_aliases WHERE alias = $1`, alias).Scan(&existing)
		if err != nil {
			return eris.Wrapf(err, "store: check alias %q", alias)
		}
		if existing != countryCode {
			return eris.Errorf("store: alias %q already maps to %s", alias, existing)
		}
	}
	return nil
}

// Aliases returns the full alias table as alias -> country code.
func (s *Store) Aliases(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT alias, country_code FROM country_aliases`)
	if err != nil {
		return nil, eris.Wrap(err, "store: query aliases")
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var alias, code string
		if err := rows.Scan(&alias, &code); err != nil {
			return nil, eris.Wrap(err, "store: scan alias")
		}
		out[alias] = code
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "store: iterate aliases")
	}
	return out, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
