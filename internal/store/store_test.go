package store

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epidata-io/covid-etl/internal/model"
	"github.com/epidata-io/covid-etl/internal/reconcile"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewWithPool(mock), mock
}

func TestMigrate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("SELECT pg_advisory_lock").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS countries").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("SELECT pg_advisory_unlock").WillReturnResult(pgxmock.NewResult("SELECT", 1))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddAlias_New(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO country_aliases").
		WithArgs("UK", "GBR").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.AddAlias(context.Background(), "UK", "GBR"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddAlias_RepointRejected(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO country_aliases").
		WithArgs("UK", "USA").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT country_code FROM country_aliases").
		WithArgs("UK").
		WillReturnRows(pgxmock.NewRows([]string{"country_code"}).AddRow("GBR"))

	err := s.AddAlias(context.Background(), "UK", "USA")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already maps to GBR")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddAlias_IdempotentReinsert(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO country_aliases").
		WithArgs("UK", "GBR").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT country_code FROM country_aliases").
		WithArgs("UK").
		WillReturnRows(pgxmock.NewRows([]string{"country_code"}).AddRow("GBR"))

	require.NoError(t, s.AddAlias(context.Background(), "UK", "GBR"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPriorHashes(t *testing.T) {
	s, mock := newMockStore(t)

	d1 := time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2021, 3, 2, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT country_code, date, data_hash FROM covid_cases").
		WithArgs([]string{"USA", "DEU"}).
		WillReturnRows(pgxmock.NewRows([]string{"country_code", "date", "data_hash"}).
			AddRow("USA", d1, "h1").
			AddRow("USA", d2, "h2").
			AddRow("DEU", d1, "h3"))

	hashes, err := s.PriorHashes(context.Background(), []string{"USA", "DEU"})
	require.NoError(t, err)
	assert.Len(t, hashes, 3)
	assert.Equal(t, "h1", hashes[CaseKey("USA", d1)])
	assert.Equal(t, "h3", hashes[CaseKey("DEU", d1)])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunLogLifecycle(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO run_log").
		WithArgs(pgxmock.AnyArg(), "incremental", "running").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := s.StartRun(context.Background(), model.RunModeIncremental)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	mock.ExpectExec("UPDATE run_log").
		WithArgs("complete", 5, 2, 10, 1, 0, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = s.CompleteRun(context.Background(), model.RunSummary{
		RunID: id, Status: model.RunStatusOK,
		Inserted: 5, Updated: 2, Unchanged: 10, Rejected: 1,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailRun(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE run_log").
		WithArgs("failed", "store unreachable", "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.FailRun(context.Background(), "run-1", "store unreachable"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadScores(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT country_code, source, score, runs, updated_at FROM source_reliability").
		WillReturnRows(pgxmock.NewRows([]string{"country_code", "source", "score", "runs", "updated_at"}).
			AddRow("USA", "disease.sh", 0.8, int64(12), now))

	book := reconcile.NewScoreBook(0.2, 0.05)
	require.NoError(t, s.LoadScores(context.Background(), book))
	assert.Equal(t, 0.8, book.Get("USA", "disease.sh"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveScores_NoChangesNoWrites(t *testing.T) {
	s, mock := newMockStore(t)

	book := reconcile.NewScoreBook(0.2, 0.05)
	require.NoError(t, s.SaveScores(context.Background(), book))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveScores(t *testing.T) {
	s, mock := newMockStore(t)

	book := reconcile.NewScoreBook(0.2, 0.05)
	book.Update("USA", "csv", 1.0)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO source_reliability").
		WithArgs("USA", "csv", pgxmock.AnyArg(), int64(1), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.SaveScores(context.Background(), book))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListRuns(t *testing.T) {
	s, mock := newMockStore(t)

	started := time.Date(2021, 3, 1, 6, 0, 0, 0, time.UTC)
	completed := started.Add(2 * time.Minute)
	mock.ExpectQuery("SELECT id, mode, status, started_at, completed_at").
		WithArgs(5).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "mode", "status", "started_at", "completed_at",
			"inserted", "updated", "unchanged", "rejected", "failed", "error",
		}).AddRow("run-1", "incremental", "complete", started, &completed, 10, 2, 30, 0, 0, ""))

	runs, err := s.ListRuns(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].RunID)
	assert.Equal(t, model.RunStatusOK, runs[0].Status)
	assert.Equal(t, completed, runs[0].CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}
