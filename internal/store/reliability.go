package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/epidata-io/covid-etl/internal/reconcile"
)

// LoadScores seeds a score book from the source_reliability table.
func (s *Store) LoadScores(ctx context.Context, book *reconcile.ScoreBook) error {
	rows, err := s.pool.Query(ctx,
		`SELECT country_code, source, score, runs, updated_at FROM source_reliability`)
	if err != nil {
		return eris.Wrap(err, "store: query reliability scores")
	}
	defer rows.Close()

	for rows.Next() {
		var e reconcile.Entry
		if err := rows.Scan(&e.CountryCode, &e.Source, &e.Score.Score, &e.Runs, &e.UpdatedAt); err != nil {
			return eris.Wrap(err, "store: scan reliability score")
		}
		book.Set(e.CountryCode, e.Source, e.Score)
	}
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "store: iterate reliability scores")
	}
	return nil
}

// SaveScores persists the book back after a run. No-op when the book never
// changed.
func (s *Store) SaveScores(ctx context.Context, book *reconcile.ScoreBook) error {
	if book.Version() == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "store: begin reliability tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, e := range book.Entries() {
		_, err := tx.Exec(ctx,
			`INSERT INTO source_reliability (country_code, source, score, runs, updated_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (country_code, source) DO UPDATE
			 SET score = EXCLUDED.score, runs = EXCLUDED.runs, updated_at = EXCLUDED.updated_at`,
			e.CountryCode, e.Source, e.Score.Score, e.Runs, e.UpdatedAt)
		if err != nil {
			return eris.Wrapf(err, "store: upsert reliability for (%s, %s)", e.CountryCode, e.Source)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "store: commit reliability tx")
	}
	return nil
}
