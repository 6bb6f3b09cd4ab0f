// Package country resolves source-specific country names to canonical ISO
// alpha-3 codes via the reference registry, the append-only alias table, and
// fuzzy name matching as a last resort.
package country

import (
	_ "embed"
	"sort"
	"strings"

	"github.com/agext/levenshtein"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/epidata-io/covid-etl/internal/model"
)

//go:embed seed.yaml
var seedYAML []byte

// FuzzyThreshold is the minimum Levenshtein similarity for a fuzzy match to
// be accepted. Below it the name is treated as unresolvable.
const FuzzyThreshold = 0.85

// Registry is the in-memory country reference table. It is read-only during
// a pipeline run; aliases learned from operators are appended via AddAlias
// before the run starts.
type Registry struct {
	countries []model.Country
	byCode    map[string]*model.Country
	byName    map[string]string // normalized canonical name -> code
	aliases   map[string]string // normalized alias -> code
}

type seedFile struct {
	Countries []model.Country `yaml:"countries"`
}

// NewRegistry builds a registry from the embedded reference seed.
func NewRegistry() (*Registry, error) {
	var seed seedFile
	if err := yaml.Unmarshal(seedYAML, &seed); err != nil {
		return nil, eris.Wrap(err, "country: parse seed")
	}
	return newRegistry(seed.Countries), nil
}

func newRegistry(countries []model.Country) *Registry {
	r := &Registry{
		countries: countries,
		byCode:    make(map[string]*model.Country, len(countries)),
		byName:    make(map[string]string, len(countries)),
		aliases:   make(map[string]string),
	}
	for i := range r.countries {
		c := &r.countries[i]
		c.Code = strings.ToUpper(c.Code)
		r.byCode[c.Code] = c
		r.byName[NormalizeName(c.Name)] = c.Code
		for _, a := range c.Aliases {
			r.aliases[NormalizeName(a)] = c.Code
		}
	}
	return r
}

// Countries returns the registry rows sorted by code, for upserting into the
// reference table.
func (r *Registry) Countries() []model.Country {
	out := make([]model.Country, len(r.countries))
	copy(out, r.countries)
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Get returns the country for an alpha-3 code.
func (r *Registry) Get(code string) (model.Country, bool) {
	c, ok := r.byCode[strings.ToUpper(code)]
	if !ok {
		return model.Country{}, false
	}
	return *c, true
}

// Population returns the reference population for a code, nil when unknown.
func (r *Registry) Population(code string) *int64 {
	c, ok := r.byCode[strings.ToUpper(code)]
	if !ok {
		return nil
	}
	return c.Population
}

// AddAlias records a source-specific name variant for a canonical code.
// Aliases are append-only; re-pointing an existing alias is an error.
func (r *Registry) AddAlias(alias, code string) error {
	code = strings.ToUpper(code)
	if _, ok := r.byCode[code]; !ok {
		return eris.Errorf("country: unknown code %q", code)
	}
	key := NormalizeName(alias)
	if key == "" {
		return eris.New("country: empty alias")
	}
	if existing, ok := r.aliases[key]; ok && existing != code {
		return eris.Errorf("country: alias %q already maps to %s", alias, existing)
	}
	r.aliases[key] = code
	return nil
}

// LoadAliases merges persisted aliases into the registry. Rows pointing at
// codes missing from the seed are skipped with a warning so a stale alias
// table cannot poison resolution.
func (r *Registry) LoadAliases(rows map[string]string) {
	for alias, code := range rows {
		if err := r.AddAlias(alias, code); err != nil {
			zap.L().Warn("country: skipping alias", zap.String("alias", alias), zap.Error(err))
		}
	}
}

// Resolve maps a source-reported country identifier to a canonical code.
// Match order: alpha-3 code, canonical name, alias table, fuzzy name. The
// boolean is false when nothing reaches the fuzzy threshold.
func (r *Registry) Resolve(input string) (string, bool) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", false
	}

	if len(trimmed) == 3 {
		if _, ok := r.byCode[strings.ToUpper(trimmed)]; ok {
			return strings.ToUpper(trimmed), true
		}
	}

	key := NormalizeName(trimmed)
	if code, ok := r.byName[key]; ok {
		return code, true
	}
	if code, ok := r.aliases[key]; ok {
		return code, true
	}

	code, score, ok := r.resolveFuzzy(key)
	if ok {
		zap.L().Debug("country: fuzzy match",
			zap.String("input", input),
			zap.String("code", code),
			zap.Float64("similarity", score),
		)
	}
	return code, ok
}

// resolveFuzzy finds the canonical name closest to the normalized input.
// Candidates are scanned in sorted code order so equal scores resolve
// deterministically.
func (r *Registry) resolveFuzzy(normalized string) (string, float64, bool) {
	if normalized == "" {
		return "", 0, false
	}

	var bestCode string
	var bestScore float64
	for _, c := range r.Countries() {
		score := levenshtein.Match(normalized, NormalizeName(c.Name), nil)
		if score > bestScore {
			bestScore = score
			bestCode = c.Code
		}
	}

	if bestScore < FuzzyThreshold {
		return "", bestScore, false
	}
	return bestCode, bestScore, true
}
