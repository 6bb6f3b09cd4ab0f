// Package load persists changed facts, one transaction per country
// partition. Partitions are independent: one aborting never touches
// another's commit.
package load

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/epidata-io/covid-etl/internal/db"
	"github.com/epidata-io/covid-etl/internal/model"
)

// caseColumns is the write column order for covid_cases. rowValues must
// match it exactly.
var caseColumns = []string{
	"country_code", "date",
	"total_cases", "new_cases", "total_deaths", "new_deaths",
	"total_recovered", "new_recovered", "active_cases", "critical_cases",
	"cases_per_million", "deaths_per_million", "case_fatality_rate",
	"new_cases_7day_avg", "new_deaths_7day_avg", "growth_rate",
	"quality_flags", "contributing_sources", "confidence",
	"data_hash", "created_at", "source",
}

func rowValues(rec model.PersistedRecord) []any {
	flags := make([]string, 0, len(rec.Flags))
	for _, f := range rec.Flags {
		flags = append(flags, string(f))
	}
	sources := rec.ContributingSources
	if sources == nil {
		sources = []string{}
	}
	return []any{
		rec.CountryCode, rec.Date,
		rec.TotalCases, rec.NewCases, rec.TotalDeaths, rec.NewDeaths,
		rec.TotalRecovered, rec.NewRecovered, rec.ActiveCases, rec.CriticalCases,
		rec.CasesPerMillion, rec.DeathsPerMillion, rec.CaseFatalityRate,
		rec.NewCases7dAvg, rec.NewDeaths7dAvg, rec.GrowthRate,
		flags, sources, rec.Confidence,
		rec.DataHash, rec.CreatedAt, rec.Source,
	}
}

// Row is one changed fact bound for storage. New marks keys with no prior
// persisted row, so the report can split inserts from updates.
type Row struct {
	model.PersistedRecord
	New bool
}

// Partition is one country's changed facts in date order, loaded as a single
// transaction.
type Partition struct {
	CountryCode string
	Rows        []Row
}

func (p Partition) failure(err error) model.PartitionFailure {
	f := model.PartitionFailure{
		CountryCode: p.CountryCode,
		Rows:        len(p.Rows),
		Error:       err.Error(),
	}
	if len(p.Rows) > 0 {
		f.FromDate = p.Rows[0].Date
		f.ToDate = p.Rows[len(p.Rows)-1].Date
	}
	return f
}

// Loader writes partitions concurrently.
type Loader struct {
	pool    db.Pool
	workers int
}

// New creates a Loader running at most workers partition transactions at
// once.
func New(pool db.Pool, workers int) *Loader {
	if workers <= 0 {
		workers = 4
	}
	return &Loader{pool: pool, workers: workers}
}

// Load upserts each partition in its own transaction. A failed partition
// rolls back alone and is recorded in the report; the others continue. The
// data_hash guard means a concurrent identical write degrades to a no-op
// rather than an error.
func (l *Loader) Load(ctx context.Context, partitions []Partition) model.LoadReport {
	log := zap.L().With(zap.String("component", "load"))

	var inserted, updated atomic.Int64
	var mu sync.Mutex
	var failures []model.PartitionFailure

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)

	for _, part := range partitions {
		part := part
		if len(part.Rows) == 0 {
			continue
		}
		g.Go(func() error {
			if err := l.loadPartition(gctx, part); err != nil {
				log.Warn("partition load failed",
					zap.String("country", part.CountryCode),
					zap.Int("rows", len(part.Rows)),
					zap.Error(err))
				mu.Lock()
				failures = append(failures, part.failure(err))
				mu.Unlock()
				return nil
			}
			var ins, upd int64
			for _, r := range part.Rows {
				if r.New {
					ins++
				} else {
					upd++
				}
			}
			inserted.Add(ins)
			updated.Add(upd)
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	return model.LoadReport{
		Inserted: int(inserted.Load()),
		Updated:  int(updated.Load()),
		Failures: failures,
	}
}

func (l *Loader) loadPartition(ctx context.Context, part Partition) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return eris.Wrapf(err, "load: begin tx for %s", part.CountryCode)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows := make([][]any, 0, len(part.Rows))
	for _, r := range part.Rows {
		rows = append(rows, rowValues(r.PersistedRecord))
	}

	if _, err := db.UpsertTx(ctx, tx, db.UpsertConfig{
		Table:        "covid_cases",
		Columns:      caseColumns,
		ConflictKeys: []string{"country_code", "date"},
		GuardColumn:  "data_hash",
	}, rows); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrapf(err, "load: commit %s", part.CountryCode)
	}
	return nil
}

// Reload replaces each partition's rows wholesale: delete then COPY, one
// transaction per country. Used by full-reload mode.
func (l *Loader) Reload(ctx context.Context, partitions []Partition) model.LoadReport {
	log := zap.L().With(zap.String("component", "load"))

	var inserted atomic.Int64
	var mu sync.Mutex
	var failures []model.PartitionFailure

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)

	for _, part := range partitions {
		part := part
		if len(part.Rows) == 0 {
			continue
		}
		g.Go(func() error {
			n, err := l.reloadPartition(gctx, part)
			if err != nil {
				log.Warn("partition reload failed",
					zap.String("country", part.CountryCode),
					zap.Error(err))
				mu.Lock()
				failures = append(failures, part.failure(err))
				mu.Unlock()
				return nil
			}
			inserted.Add(n)
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	return model.LoadReport{
		Inserted: int(inserted.Load()),
		Failures: failures,
	}
}

func (l *Loader) reloadPartition(ctx context.Context, part Partition) (int64, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrapf(err, "load: begin reload tx for %s", part.CountryCode)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`DELETE FROM covid_cases WHERE country_code = $1`, part.CountryCode); err != nil {
		return 0, eris.Wrapf(err, "load: clear partition %s", part.CountryCode)
	}

	rows := make([][]any, 0, len(part.Rows))
	for _, r := range part.Rows {
		rows = append(rows, rowValues(r.PersistedRecord))
	}
	n, err := db.CopyFromTx(ctx, tx, "covid_cases", caseColumns, rows)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrapf(err, "load: commit reload %s", part.CountryCode)
	}
	return n, nil
}
