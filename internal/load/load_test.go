package load

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epidata-io/covid-etl/internal/model"
)

func i64(v int64) *int64 { return &v }

func row(code string, day int, isNew bool) Row {
	return Row{
		PersistedRecord: model.PersistedRecord{
			EnrichedFact: model.EnrichedFact{
				ValidatedFact: model.ValidatedFact{
					ReconciledFact: model.ReconciledFact{
						CountryCode:         code,
						Date:                time.Date(2021, 3, day, 0, 0, 0, 0, time.UTC),
						Counts:              model.Counts{TotalCases: i64(100)},
						ContributingSources: []string{"disease.sh"},
						Confidence:          1.0,
					},
				},
			},
			DataHash:  fmt.Sprintf("hash-%s-%d", code, day),
			CreatedAt: time.Date(2021, 3, 15, 0, 0, 0, 0, time.UTC),
			Source:    "disease.sh",
		},
		New: isNew,
	}
}

func expectPartitionUpsert(mock pgxmock.PgxPoolIface, rows int) {
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_covid_cases"}, caseColumns).
		WillReturnResult(int64(rows))
	mock.ExpectExec("INSERT INTO").WillReturnResult(pgxmock.NewResult("INSERT", int64(rows)))
	mock.ExpectCommit()
}

func TestLoad_CountsInsertsAndUpdates(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectPartitionUpsert(mock, 3)

	l := New(mock, 1)
	report := l.Load(context.Background(), []Partition{{
		CountryCode: "USA",
		Rows:        []Row{row("USA", 1, true), row("USA", 2, true), row("USA", 3, false)},
	}})

	assert.Equal(t, 2, report.Inserted)
	assert.Equal(t, 1, report.Updated)
	assert.Empty(t, report.Failures)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoad_PartitionIsolation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	// USA's transaction aborts; DEU's commits in the same run.
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnError(fmt.Errorf("malformed row"))
	mock.ExpectRollback()
	expectPartitionUpsert(mock, 2)

	l := New(mock, 1)
	report := l.Load(context.Background(), []Partition{
		{CountryCode: "USA", Rows: []Row{row("USA", 1, true), row("USA", 2, true), row("USA", 3, true)}},
		{CountryCode: "DEU", Rows: []Row{row("DEU", 1, true), row("DEU", 2, false)}},
	})

	assert.Equal(t, 1, report.Inserted)
	assert.Equal(t, 1, report.Updated)
	require.Len(t, report.Failures, 1)
	f := report.Failures[0]
	assert.Equal(t, "USA", f.CountryCode)
	assert.Equal(t, 3, f.Rows)
	assert.Equal(t, time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC), f.FromDate)
	assert.Equal(t, time.Date(2021, 3, 3, 0, 0, 0, 0, time.UTC), f.ToDate)
	assert.Contains(t, f.Error, "malformed row")
	assert.Equal(t, 3, report.Failed())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoad_EmptyPartitionsSkipped(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	l := New(mock, 4)
	report := l.Load(context.Background(), []Partition{{CountryCode: "USA"}})

	assert.Equal(t, 0, report.Inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReload_DeleteThenCopy(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM covid_cases").
		WithArgs("USA").
		WillReturnResult(pgxmock.NewResult("DELETE", 5))
	mock.ExpectCopyFrom(pgx.Identifier{"covid_cases"}, caseColumns).WillReturnResult(2)
	mock.ExpectCommit()

	l := New(mock, 1)
	report := l.Reload(context.Background(), []Partition{{
		CountryCode: "USA",
		Rows:        []Row{row("USA", 1, true), row("USA", 2, true)},
	}})

	assert.Equal(t, 2, report.Inserted)
	assert.Empty(t, report.Failures)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReload_Isolation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM covid_cases").
		WithArgs("USA").
		WillReturnError(fmt.Errorf("disk full"))
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM covid_cases").
		WithArgs("DEU").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"covid_cases"}, caseColumns).WillReturnResult(1)
	mock.ExpectCommit()

	l := New(mock, 1)
	report := l.Reload(context.Background(), []Partition{
		{CountryCode: "USA", Rows: []Row{row("USA", 1, true)}},
		{CountryCode: "DEU", Rows: []Row{row("DEU", 1, true)}},
	})

	assert.Equal(t, 1, report.Inserted)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "USA", report.Failures[0].CountryCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}
