package reconcile

import (
	"sort"
	"time"
)

// defaultScore is the reliability assigned to a (country, source) pair that
// has no history yet.
const defaultScore = 0.5

// Score is one (country, source) reliability entry.
type Score struct {
	Score     float64
	Runs      int64
	UpdatedAt time.Time
}

// Entry is a Score keyed for persistence.
type Entry struct {
	CountryCode string
	Source      string
	Score
}

// ScoreBook tracks per-country, per-source reliability as an exponential
// moving average of past agreement with reconciled values. It is explicit
// state: loaded by the run, passed into reconciliation, updated afterwards,
// and persisted back. The version counter increments on every update so
// callers can tell whether the book changed during a run.
type ScoreBook struct {
	alpha   float64
	floor   float64
	version int64
	scores  map[string]Score
}

// NewScoreBook creates an empty book. alpha is the EMA weight of the newest
// agreement sample; floor is the minimum score a source can decay to.
func NewScoreBook(alpha, floor float64) *ScoreBook {
	return &ScoreBook{
		alpha:  alpha,
		floor:  floor,
		scores: make(map[string]Score),
	}
}

func scoreKey(countryCode, source string) string {
	return countryCode + "\x00" + source
}

// Set seeds an entry, typically from persisted state at run start.
func (b *ScoreBook) Set(countryCode, source string, s Score) {
	b.scores[scoreKey(countryCode, source)] = s
}

// Get returns the reliability score for a (country, source) pair, falling
// back to the neutral default when no history exists.
func (b *ScoreBook) Get(countryCode, source string) float64 {
	if s, ok := b.scores[scoreKey(countryCode, source)]; ok {
		return s.Score
	}
	return defaultScore
}

// Update folds an agreement sample in [0, 1] into the EMA for the pair and
// bumps the book version.
func (b *ScoreBook) Update(countryCode, source string, sample float64) {
	key := scoreKey(countryCode, source)
	s, ok := b.scores[key]
	if !ok {
		s = Score{Score: defaultScore}
	}
	s.Score = b.alpha*sample + (1-b.alpha)*s.Score
	if s.Score < b.floor {
		s.Score = b.floor
	}
	s.Runs++
	s.UpdatedAt = time.Now().UTC()
	b.scores[key] = s
	b.version++
}

// Version returns the number of updates applied to the book.
func (b *ScoreBook) Version() int64 { return b.version }

// Entries returns all scores sorted by (country, source) for persistence.
func (b *ScoreBook) Entries() []Entry {
	entries := make([]Entry, 0, len(b.scores))
	for key, s := range b.scores {
		for i := 0; i < len(key); i++ {
			if key[i] == '\x00' {
				entries = append(entries, Entry{
					CountryCode: key[:i],
					Source:      key[i+1:],
					Score:       s,
				})
				break
			}
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CountryCode != entries[j].CountryCode {
			return entries[i].CountryCode < entries[j].CountryCode
		}
		return entries[i].Source < entries[j].Source
	})
	return entries
}
