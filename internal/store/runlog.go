package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/epidata-io/covid-etl/internal/model"
)

// StartRun records the beginning of a pipeline run and returns its ID.
func (s *Store) StartRun(ctx context.Context, mode model.RunMode) (string, error) {
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_log (id, mode, status, started_at)
		 VALUES ($1, $2, $3, now())`,
		id, string(mode), string(model.RunStatusRunning))
	if err != nil {
		return "", eris.Wrap(err, "runlog: start run")
	}
	return id, nil
}

// CompleteRun marks a run finished with its final status and counters.
func (s *Store) CompleteRun(ctx context.Context, summary model.RunSummary) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE run_log
		 SET status = $1, completed_at = now(), inserted = $2, updated = $3,
		     unchanged = $4, rejected = $5, failed = $6
		 WHERE id = $7`,
		string(summary.Status), summary.Inserted, summary.Updated,
		summary.Unchanged, summary.Rejected, summary.Failed, summary.RunID)
	if err != nil {
		return eris.Wrapf(err, "runlog: complete run %s", summary.RunID)
	}
	return nil
}

// FailRun marks a run failed with an error message.
func (s *Store) FailRun(ctx context.Context, runID, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE run_log
		 SET status = $1, completed_at = now(), error = $2
		 WHERE id = $3`,
		string(model.RunStatusFailed), errMsg, runID)
	if err != nil {
		return eris.Wrapf(err, "runlog: fail run %s", runID)
	}
	return nil
}

// RunEntry is one row of run_log.
type RunEntry struct {
	model.RunSummary
	Error string `json:"error,omitempty"`
}

// ListRuns returns recent runs, most recent first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, mode, status, started_at, completed_at,
		        inserted, updated, unchanged, rejected, failed, COALESCE(error, '')
		 FROM run_log ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: list runs")
	}
	defer rows.Close()

	var out []RunEntry
	for rows.Next() {
		var e RunEntry
		var mode, status string
		var completedAt *time.Time
		if err := rows.Scan(&e.RunID, &mode, &status, &e.StartedAt, &completedAt,
			&e.Inserted, &e.Updated, &e.Unchanged, &e.Rejected, &e.Failed, &e.Error); err != nil {
			return nil, eris.Wrap(err, "runlog: scan run")
		}
		e.Mode = model.RunMode(mode)
		e.Status = model.RunStatus(status)
		if completedAt != nil {
			e.CompletedAt = *completedAt
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "runlog: iterate runs")
	}
	return out, nil
}
