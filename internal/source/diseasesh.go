package source

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/epidata-io/covid-etl/internal/model"
	"github.com/epidata-io/covid-etl/internal/normalize"
)

// DiseaseSh fetches the disease.sh per-country snapshot. The feed reports
// the current state of every country, so one fetch yields one observation
// per country for today.
type DiseaseSh struct {
	fetcher *Fetcher
	baseURL string
	now     func() time.Time
}

// NewDiseaseSh creates the disease.sh source.
func NewDiseaseSh(f *Fetcher, baseURL string) *DiseaseSh {
	return &DiseaseSh{fetcher: f, baseURL: baseURL, now: time.Now}
}

func (s *DiseaseSh) Name() string { return normalize.SourceDiseaseSh }

// Fetch pulls /countries and flattens the nested countryInfo object so the
// normalizer sees one flat field map per row.
func (s *DiseaseSh) Fetch(ctx context.Context) ([]model.RawRecord, error) {
	body, err := s.fetcher.Get(ctx, s.baseURL+"/countries")
	if err != nil {
		return nil, err
	}

	var rows []map[string]any
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, eris.Wrap(err, "disease.sh: decode countries payload")
	}

	fetchedAt := s.now().UTC()
	records := make([]model.RawRecord, 0, len(rows))
	for _, row := range rows {
		if info, ok := row["countryInfo"].(map[string]any); ok {
			for k, v := range info {
				row["countryInfo."+k] = v
			}
			delete(row, "countryInfo")
		}
		records = append(records, model.RawRecord{
			Source:    s.Name(),
			FetchedAt: fetchedAt,
			Fields:    row,
		})
	}

	zap.L().Info("fetched disease.sh snapshot", zap.Int("rows", len(records)))
	return records, nil
}
