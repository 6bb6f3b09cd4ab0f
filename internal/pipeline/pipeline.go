// Package pipeline orchestrates a full run: fetch, normalize, reconcile,
// validate, enrich, diff, load. Each stage is a pure function of its input
// plus read-only reference state; the store is touched only at the edges.
package pipeline

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/epidata-io/covid-etl/internal/config"
	"github.com/epidata-io/covid-etl/internal/country"
	"github.com/epidata-io/covid-etl/internal/diff"
	"github.com/epidata-io/covid-etl/internal/load"
	"github.com/epidata-io/covid-etl/internal/metrics"
	"github.com/epidata-io/covid-etl/internal/model"
	"github.com/epidata-io/covid-etl/internal/normalize"
	"github.com/epidata-io/covid-etl/internal/reconcile"
	"github.com/epidata-io/covid-etl/internal/source"
	"github.com/epidata-io/covid-etl/internal/store"
	"github.com/epidata-io/covid-etl/internal/validate"
)

// ErrPartialFailure reports that some country partitions failed while others
// committed. The run's data is otherwise good.
var ErrPartialFailure = eris.New("pipeline: some partitions failed")

// ErrNothingPersisted reports a hard failure: no source data survived to
// storage.
var ErrNothingPersisted = eris.New("pipeline: nothing persisted")

// RunOpts selects what a run processes.
type RunOpts struct {
	// CSVPath, when set, replaces the configured pull sources with one
	// batch file (local path or http/ftp URL).
	CSVPath string
	// FullReload rewrites every country partition instead of diffing.
	FullReload bool
	// Sources filters the configured pull sources by name.
	Sources []string
	// Workers overrides load concurrency.
	Workers int
}

// Runner wires the stages together over a store.
type Runner struct {
	cfg      *config.Config
	store    *store.Store
	registry *country.Registry
	now      func() time.Time

	// overridable in tests
	sourcesFor func(opts RunOpts) []source.Source
}

// NewRunner creates a Runner.
func NewRunner(cfg *config.Config, st *store.Store, reg *country.Registry) *Runner {
	r := &Runner{cfg: cfg, store: st, registry: reg, now: time.Now}
	r.sourcesFor = r.defaultSources
	return r
}

// Run executes one pipeline run and records it in run_log. The returned
// summary is valid even when err is ErrPartialFailure.
func (r *Runner) Run(ctx context.Context, opts RunOpts) (model.RunSummary, error) {
	log := zap.L().With(zap.String("component", "pipeline"))

	mode := model.RunModeIncremental
	if opts.FullReload {
		mode = model.RunModeFull
	}
	summary := model.RunSummary{Mode: mode, StartedAt: r.now().UTC()}

	// Stored aliases extend the embedded seed before any resolution runs.
	if aliases, err := r.store.Aliases(ctx); err != nil {
		log.Warn("loading stored aliases failed, continuing with seed only", zap.Error(err))
	} else {
		r.registry.LoadAliases(aliases)
	}

	runID, err := r.store.StartRun(ctx, mode)
	if err != nil {
		return summary, eris.Wrap(err, "pipeline: record run start")
	}
	summary.RunID = runID

	summary, err = r.run(ctx, opts, summary)
	summary.CompletedAt = r.now().UTC()

	if err != nil {
		summary.Status = model.RunStatusFailed
		if failErr := r.store.FailRun(ctx, runID, err.Error()); failErr != nil {
			log.Error("recording run failure failed", zap.Error(failErr))
		}
		return summary, err
	}

	summary.Status = model.RunStatusOK
	if len(summary.Failures) > 0 {
		summary.Status = model.RunStatusPartial
		err = ErrPartialFailure
	}
	if completeErr := r.store.CompleteRun(ctx, summary); completeErr != nil {
		log.Error("recording run completion failed", zap.Error(completeErr))
	}

	log.Info("run finished",
		zap.String("run_id", summary.RunID),
		zap.String("status", string(summary.Status)),
		zap.Int("raw", summary.RawRecords),
		zap.Int("inserted", summary.Inserted),
		zap.Int("updated", summary.Updated),
		zap.Int("unchanged", summary.Unchanged),
		zap.Int("rejected", summary.Rejected),
		zap.Int("failed", summary.Failed))
	return summary, err
}

func (r *Runner) run(ctx context.Context, opts RunOpts, summary model.RunSummary) (model.RunSummary, error) {
	log := zap.L().With(zap.String("component", "pipeline"))

	raw, err := r.fetch(ctx, opts)
	if err != nil {
		return summary, err
	}
	summary.RawRecords = len(raw)
	if len(raw) == 0 {
		return summary, eris.Wrap(ErrNothingPersisted, "no source returned data")
	}

	observations, dropped := r.normalizeAll(raw)
	summary.Dropped = dropped
	if len(observations) == 0 {
		return summary, eris.Wrap(ErrNothingPersisted, "no raw record normalized")
	}

	if _, err := r.store.UpsertCountries(ctx, r.registry.Countries()); err != nil {
		return summary, err
	}

	book := reconcile.NewScoreBook(r.cfg.Reconcile.ReliabilityAlpha, r.cfg.Reconcile.ReliabilityFloor)
	if err := r.store.LoadScores(ctx, book); err != nil {
		return summary, err
	}

	facts, err := r.reconcileAll(observations, book)
	if err != nil {
		return summary, err
	}

	partitions, stats, err := r.prepare(ctx, facts, opts.FullReload)
	if err != nil {
		return summary, err
	}
	summary.Rejected = stats.rejected
	summary.Unchanged = stats.unchanged
	summary.Flagged = stats.flagged

	workers := opts.Workers
	if workers <= 0 {
		workers = r.cfg.Load.Workers
	}
	loader := load.New(r.store.Pool(), workers)

	var report model.LoadReport
	if opts.FullReload {
		report = loader.Reload(ctx, partitions)
	} else {
		report = loader.Load(ctx, partitions)
	}
	summary.Inserted = report.Inserted
	summary.Updated = report.Updated
	summary.Failed = report.Failed()
	summary.Failures = report.Failures

	if err := r.store.SaveScores(ctx, book); err != nil {
		log.Warn("persisting reliability scores failed", zap.Error(err))
	}

	attempted := 0
	for _, p := range partitions {
		attempted += len(p.Rows)
	}
	if attempted > 0 && report.Inserted+report.Updated == 0 {
		return summary, eris.Wrap(ErrNothingPersisted, "all partitions failed")
	}
	return summary, nil
}

// defaultSources builds the source list for a run: the CSV batch when a path
// is given, the configured pull sources otherwise.
func (r *Runner) defaultSources(opts RunOpts) []source.Source {
	fetcher := source.NewFetcher(r.cfg.Sources)
	if opts.CSVPath != "" {
		return []source.Source{source.NewCSVBatch(fetcher, opts.CSVPath)}
	}
	return []source.Source{
		source.NewDiseaseSh(fetcher, r.cfg.Sources.DiseaseShURL),
		source.NewCovid19API(fetcher, r.cfg.Sources.Covid19APIURL, r.cfg.Sources.HistoryDays),
	}
}

// fetch pulls raw records from the selected sources. Source failures are
// isolated: the run proceeds with whatever returned data.
func (r *Runner) fetch(ctx context.Context, opts RunOpts) ([]model.RawRecord, error) {
	log := zap.L().With(zap.String("component", "pipeline"))

	sources := r.sourcesFor(opts)
	if len(opts.Sources) > 0 {
		want := make(map[string]bool, len(opts.Sources))
		for _, s := range opts.Sources {
			want[s] = true
		}
		var kept []source.Source
		for _, s := range sources {
			if want[s.Name()] {
				kept = append(kept, s)
			}
		}
		sources = kept
	}
	if len(sources) == 0 {
		return nil, eris.New("pipeline: no sources selected")
	}

	var raw []model.RawRecord
	for _, s := range sources {
		records, err := s.Fetch(ctx)
		if err != nil {
			log.Warn("source fetch failed, continuing without it",
				zap.String("source", s.Name()),
				zap.Error(err))
			continue
		}
		raw = append(raw, records...)
	}
	return raw, nil
}

func (r *Runner) normalizeAll(raw []model.RawRecord) ([]model.DailyObservation, int) {
	log := zap.L().With(zap.String("component", "pipeline"))
	normalizer := normalize.New(r.registry)

	var observations []model.DailyObservation
	dropped := 0
	for _, rec := range raw {
		obs, err := normalizer.Normalize(rec)
		if err != nil {
			dropped++
			log.Debug("dropped raw record",
				zap.String("source", rec.Source),
				zap.Error(err))
			continue
		}
		observations = append(observations, obs)
	}
	if dropped > 0 {
		log.Info("dropped unnormalizable records", zap.Int("count", dropped))
	}
	return observations, dropped
}

// reconcileAll groups observations by (country, date) and merges each group.
// Groups are processed in sorted key order so score updates are
// deterministic.
func (r *Runner) reconcileAll(observations []model.DailyObservation, book *reconcile.ScoreBook) (map[string][]model.ReconciledFact, error) {
	rec := reconcile.New(r.cfg.Reconcile)

	groups := make(map[string][]model.DailyObservation)
	var keys []string
	for _, obs := range observations {
		key := store.CaseKey(obs.CountryCode, obs.Date)
		if _, seen := groups[key]; !seen {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], obs)
	}
	sort.Strings(keys)

	facts := make(map[string][]model.ReconciledFact)
	for _, key := range keys {
		group := groups[key]
		fact, err := rec.Reconcile(group, book)
		if err != nil {
			return nil, err
		}
		rec.UpdateScores(book, group, fact)
		facts[fact.CountryCode] = append(facts[fact.CountryCode], fact)
	}
	for code := range facts {
		series := facts[code]
		sort.Slice(series, func(i, j int) bool { return series[i].Date.Before(series[j].Date) })
	}
	return facts, nil
}

type prepareStats struct {
	rejected  int
	unchanged int
	flagged   []model.FlaggedFact
}

// prepare validates, enriches, and diffs each country's facts in date order,
// producing load partitions. In full-reload mode every surviving fact is
// included regardless of the prior hash.
func (r *Runner) prepare(ctx context.Context, facts map[string][]model.ReconciledFact, fullReload bool) ([]load.Partition, prepareStats, error) {
	validator := validate.New(r.cfg.Validate)
	var stats prepareStats

	codes := make([]string, 0, len(facts))
	for code := range facts {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	priorHashes := map[string]string{}
	if !fullReload {
		var err error
		priorHashes, err = r.store.PriorHashes(ctx, codes)
		if err != nil {
			return nil, stats, err
		}
	}

	historyDepth := r.cfg.Validate.SpikeWindowDays + 7
	createdAt := r.now().UTC()

	var partitions []load.Partition
	for _, code := range codes {
		runFacts := facts[code]

		since := runFacts[0].Date.AddDate(0, 0, -historyDepth)
		persisted, err := r.store.PriorFacts(ctx, code, since)
		if err != nil {
			return nil, stats, err
		}
		series := mergeSeries(persisted, runFacts)

		partition := load.Partition{CountryCode: code}
		for _, fact := range runFacts {
			// The baseline for monotonicity is the previous date in the
			// merged series: a day loaded earlier in this same run counts.
			before := seriesBefore(series, fact.Date)
			var prior *model.ReconciledFact
			if len(before) > 0 {
				prior = &before[len(before)-1]
			}
			validated := validator.Validate(fact, prior, before)
			if len(validated.Flags) > 0 {
				stats.flagged = append(stats.flagged, model.FlaggedFact{
					CountryCode: validated.CountryCode,
					Date:        validated.Date,
					Flags:       validated.Flags,
				})
			}
			if validated.Rejected() {
				stats.rejected++
				continue
			}

			enriched := metrics.Enrich(validated, series, r.registry.Population(code))

			status, hash := diff.Detect(enriched, priorHashes[store.CaseKey(code, fact.Date)])
			if status == diff.StatusUnchanged && !fullReload {
				stats.unchanged++
				continue
			}

			partition.Rows = append(partition.Rows, load.Row{
				PersistedRecord: model.PersistedRecord{
					EnrichedFact: enriched,
					DataHash:     hash,
					CreatedAt:    createdAt,
					Source:       strings.Join(fact.ContributingSources, ","),
				},
				New: status == diff.StatusNew,
			})
		}
		if len(partition.Rows) > 0 {
			partitions = append(partitions, partition)
		}
	}
	return partitions, stats, nil
}

// mergeSeries overlays this run's reconciled facts onto the persisted series
// by date, run values winning.
func mergeSeries(persisted []model.PersistedRecord, runFacts []model.ReconciledFact) []model.ReconciledFact {
	byDate := make(map[string]model.ReconciledFact, len(persisted)+len(runFacts))
	var keys []string
	add := func(f model.ReconciledFact) {
		key := f.Date.Format("2006-01-02")
		if _, seen := byDate[key]; !seen {
			keys = append(keys, key)
		}
		byDate[key] = f
	}
	for _, p := range persisted {
		add(p.ReconciledFact)
	}
	for _, f := range runFacts {
		add(f)
	}
	sort.Strings(keys)

	series := make([]model.ReconciledFact, 0, len(byDate))
	for _, key := range keys {
		series = append(series, byDate[key])
	}
	return series
}

// seriesBefore returns the series entries strictly before date.
func seriesBefore(series []model.ReconciledFact, date time.Time) []model.ReconciledFact {
	var out []model.ReconciledFact
	for _, s := range series {
		if s.Date.Before(date) {
			out = append(out, s)
		}
	}
	return out
}
