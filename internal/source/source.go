// Package source pulls raw records from the configured upstreams. Sources
// only fetch and tag; all schema interpretation happens in the normalizer.
package source

import (
	"context"

	"github.com/epidata-io/covid-etl/internal/model"
)

// Source is one upstream feed of raw records.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]model.RawRecord, error)
}
