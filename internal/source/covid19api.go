package source

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/epidata-io/covid-etl/internal/model"
	"github.com/epidata-io/covid-etl/internal/normalize"
)

// Covid19API fetches per-country history windows from the covid19api feed.
// The history endpoint reports cumulative totals only; daily deltas are
// derived by differencing consecutive days inside the window.
type Covid19API struct {
	fetcher     *Fetcher
	baseURL     string
	historyDays int
	concurrency int
	now         func() time.Time
}

// NewCovid19API creates the covid19api source fetching the trailing
// historyDays window per country.
func NewCovid19API(f *Fetcher, baseURL string, historyDays int) *Covid19API {
	if historyDays <= 0 {
		historyDays = 30
	}
	return &Covid19API{
		fetcher:     f,
		baseURL:     baseURL,
		historyDays: historyDays,
		concurrency: 4,
		now:         time.Now,
	}
}

func (s *Covid19API) Name() string { return normalize.SourceCovid19API }

type covid19Summary struct {
	Countries []struct {
		Country     string `json:"Country"`
		CountryCode string `json:"CountryCode"`
		Slug        string `json:"Slug"`
	} `json:"Countries"`
}

type covid19HistoryRow struct {
	Country     string    `json:"Country"`
	CountryCode string    `json:"CountryCode"`
	Confirmed   int64     `json:"Confirmed"`
	Deaths      int64     `json:"Deaths"`
	Recovered   int64     `json:"Recovered"`
	Active      int64     `json:"Active"`
	Date        time.Time `json:"Date"`
}

// Fetch lists countries from /summary, then pulls each country's history
// window concurrently. Per-country failures are logged and skipped; the
// fetch fails only when no country yields data.
func (s *Covid19API) Fetch(ctx context.Context) ([]model.RawRecord, error) {
	body, err := s.fetcher.Get(ctx, s.baseURL+"/summary")
	if err != nil {
		return nil, err
	}
	var summary covid19Summary
	if err := json.Unmarshal(body, &summary); err != nil {
		return nil, eris.Wrap(err, "covid19api: decode summary")
	}
	if len(summary.Countries) == 0 {
		return nil, eris.New("covid19api: summary listed no countries")
	}

	fetchedAt := s.now().UTC()
	to := fetchedAt.Truncate(24 * time.Hour)
	from := to.AddDate(0, 0, -s.historyDays)

	var mu sync.Mutex
	var records []model.RawRecord
	var failed int

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, c := range summary.Countries {
		c := c
		g.Go(func() error {
			recs, err := s.fetchCountry(gctx, c.Slug, from, to, fetchedAt)
			if err != nil {
				zap.L().Warn("covid19api country fetch failed",
					zap.String("country", c.Country),
					zap.Error(err))
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			mu.Lock()
			records = append(records, recs...)
			mu.Unlock()
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	if len(records) == 0 {
		return nil, eris.Errorf("covid19api: all %d countries failed", failed)
	}
	zap.L().Info("fetched covid19api history",
		zap.Int("rows", len(records)),
		zap.Int("failed_countries", failed))
	return records, nil
}

func (s *Covid19API) fetchCountry(ctx context.Context, slug string, from, to, fetchedAt time.Time) ([]model.RawRecord, error) {
	u := fmt.Sprintf("%s/total/country/%s?from=%s&to=%s",
		s.baseURL, slug,
		from.Format(time.RFC3339), to.Format(time.RFC3339))
	body, err := s.fetcher.Get(ctx, u)
	if err != nil {
		return nil, err
	}

	var rows []covid19HistoryRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, eris.Wrapf(err, "covid19api: decode history for %s", slug)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Date.Before(rows[j].Date) })

	records := make([]model.RawRecord, 0, len(rows))
	for i, row := range rows {
		fields := map[string]any{
			"Country":        row.Country,
			"CountryCode":    row.CountryCode,
			"Date":           row.Date,
			"TotalConfirmed": row.Confirmed,
			"TotalDeaths":    row.Deaths,
			"TotalRecovered": row.Recovered,
		}
		// Deltas exist only from the second day of the window; the first
		// day's new_* stay null rather than pretending the whole
		// cumulative count arrived that day.
		if i > 0 {
			prev := rows[i-1]
			fields["NewConfirmed"] = row.Confirmed - prev.Confirmed
			fields["NewDeaths"] = row.Deaths - prev.Deaths
			fields["NewRecovered"] = row.Recovered - prev.Recovered
		}
		records = append(records, model.RawRecord{
			Source:    s.Name(),
			FetchedAt: fetchedAt,
			Fields:    fields,
		})
	}
	return records, nil
}
