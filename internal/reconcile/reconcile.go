// Package reconcile merges per-source daily observations into one
// authoritative fact per (country, date).
package reconcile

import (
	"sort"

	"github.com/rotisserie/eris"

	"github.com/epidata-io/covid-etl/internal/config"
	"github.com/epidata-io/covid-etl/internal/model"
)

// countField names a Counts field and provides access to it on any fact
// stage. The order of countFields fixes the evaluation order everywhere
// reconciliation iterates fields.
type countField struct {
	name string
	get  func(*model.Counts) *int64
	set  func(*model.Counts, *int64)
}

var countFields = []countField{
	{"total_cases", func(c *model.Counts) *int64 { return c.TotalCases }, func(c *model.Counts, v *int64) { c.TotalCases = v }},
	{"new_cases", func(c *model.Counts) *int64 { return c.NewCases }, func(c *model.Counts, v *int64) { c.NewCases = v }},
	{"total_deaths", func(c *model.Counts) *int64 { return c.TotalDeaths }, func(c *model.Counts, v *int64) { c.TotalDeaths = v }},
	{"new_deaths", func(c *model.Counts) *int64 { return c.NewDeaths }, func(c *model.Counts, v *int64) { c.NewDeaths = v }},
	{"total_recovered", func(c *model.Counts) *int64 { return c.TotalRecovered }, func(c *model.Counts, v *int64) { c.TotalRecovered = v }},
	{"new_recovered", func(c *model.Counts) *int64 { return c.NewRecovered }, func(c *model.Counts, v *int64) { c.NewRecovered = v }},
	{"active_cases", func(c *model.Counts) *int64 { return c.ActiveCases }, func(c *model.Counts, v *int64) { c.ActiveCases = v }},
	{"critical_cases", func(c *model.Counts) *int64 { return c.CriticalCases }, func(c *model.Counts, v *int64) { c.CriticalCases = v }},
}

// Reconciler merges observations for a single (country, date) key.
type Reconciler struct {
	cfg      config.ReconcileConfig
	priority map[string]int
}

// New creates a Reconciler. Sources absent from cfg.Priority sort after all
// listed ones, by name.
func New(cfg config.ReconcileConfig) *Reconciler {
	priority := make(map[string]int, len(cfg.Priority))
	for i, src := range cfg.Priority {
		priority[src] = i
	}
	return &Reconciler{cfg: cfg, priority: priority}
}

// Reconcile merges the observations for one (country, date) into a single
// fact. All observations must share the same key. The score book is read
// only; call UpdateScores afterwards to fold the outcome back in.
//
// Resolution is per field: among sources reporting a value, the one with the
// highest reliability score wins, ties broken by the configured priority
// order. Confidence is the mean agreement rate across reported fields, 1.0
// when a single source contributed.
func (r *Reconciler) Reconcile(obs []model.DailyObservation, book *ScoreBook) (model.ReconciledFact, error) {
	if len(obs) == 0 {
		return model.ReconciledFact{}, eris.New("reconcile: no observations")
	}

	key := obs[0]
	for _, o := range obs[1:] {
		if o.CountryCode != key.CountryCode || !o.Date.Equal(key.Date) {
			return model.ReconciledFact{}, eris.Errorf(
				"reconcile: mixed keys: (%s, %s) and (%s, %s)",
				key.CountryCode, key.Date.Format("2006-01-02"),
				o.CountryCode, o.Date.Format("2006-01-02"))
		}
	}

	sorted := make([]model.DailyObservation, len(obs))
	copy(sorted, obs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Source < sorted[j].Source })

	fact := model.ReconciledFact{
		CountryCode: key.CountryCode,
		Date:        key.Date,
	}
	for _, o := range sorted {
		fact.ContributingSources = append(fact.ContributingSources, o.Source)
	}

	if len(sorted) == 1 {
		fact.Counts = sorted[0].Counts
		fact.Confidence = 1.0
		return fact, nil
	}

	var agreementSum float64
	var fieldsReported int
	for _, field := range countFields {
		winner, agreement, reported := r.resolveField(sorted, field, book)
		field.set(&fact.Counts, winner)
		if reported {
			agreementSum += agreement
			fieldsReported++
		}
	}

	if fieldsReported == 0 {
		fact.Confidence = 1.0
	} else {
		fact.Confidence = agreementSum / float64(fieldsReported)
	}
	return fact, nil
}

// resolveField picks the winning value for one field and reports the
// fraction of reporting sources that agree with it within tolerance.
func (r *Reconciler) resolveField(obs []model.DailyObservation, field countField, book *ScoreBook) (winner *int64, agreement float64, reported bool) {
	type report struct {
		source string
		value  int64
	}
	var reports []report
	for _, o := range obs {
		if v := field.get(&o.Counts); v != nil {
			reports = append(reports, report{source: o.Source, value: *v})
		}
	}
	if len(reports) == 0 {
		return nil, 0, false
	}
	if len(reports) == 1 {
		v := reports[0].value
		return &v, 1.0, true
	}

	best := reports[0]
	bestScore := book.Get(obs[0].CountryCode, best.source)
	for _, rep := range reports[1:] {
		score := book.Get(obs[0].CountryCode, rep.source)
		if score > bestScore || (score == bestScore && r.rank(rep.source) < r.rank(best.source)) {
			best, bestScore = rep, score
		}
	}

	agreed := 0
	for _, rep := range reports {
		if r.agrees(best.value, rep.value) {
			agreed++
		}
	}
	v := best.value
	return &v, float64(agreed) / float64(len(reports)), true
}

// rank maps a source to its priority index; unlisted sources rank last.
func (r *Reconciler) rank(source string) int {
	if i, ok := r.priority[source]; ok {
		return i
	}
	return len(r.priority)
}

// agrees reports whether two values are within tolerance of each other:
// within AgreementMin absolute, or within AgreementPct of the larger
// magnitude.
func (r *Reconciler) agrees(a, b int64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	if diff <= r.cfg.AgreementMin {
		return true
	}
	ma, mb := a, b
	if ma < 0 {
		ma = -ma
	}
	if mb < 0 {
		mb = -mb
	}
	larger := ma
	if mb > larger {
		larger = mb
	}
	return float64(diff) <= r.cfg.AgreementPct*float64(larger)
}

// UpdateScores folds a reconciliation outcome into the score book: each
// contributing source gets an agreement sample equal to the fraction of its
// reported fields that match the reconciled value within tolerance.
func (r *Reconciler) UpdateScores(book *ScoreBook, obs []model.DailyObservation, fact model.ReconciledFact) {
	if len(obs) < 2 {
		return
	}
	sorted := make([]model.DailyObservation, len(obs))
	copy(sorted, obs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Source < sorted[j].Source })

	for _, o := range sorted {
		agreed, reported := 0, 0
		for _, field := range countFields {
			chosen := field.get(&fact.Counts)
			got := field.get(&o.Counts)
			if chosen == nil || got == nil {
				continue
			}
			reported++
			if r.agrees(*chosen, *got) {
				agreed++
			}
		}
		if reported == 0 {
			continue
		}
		book.Update(o.CountryCode, o.Source, float64(agreed)/float64(reported))
	}
}
