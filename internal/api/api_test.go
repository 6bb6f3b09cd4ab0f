package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epidata-io/covid-etl/internal/store"
)

var caseCols = []string{
	"country_code", "date",
	"total_cases", "new_cases", "total_deaths", "new_deaths",
	"total_recovered", "new_recovered", "active_cases", "critical_cases",
	"cases_per_million", "deaths_per_million", "case_fatality_rate",
	"new_cases_7day_avg", "new_deaths_7day_avg", "growth_rate",
	"quality_flags", "contributing_sources", "confidence",
	"data_hash", "created_at", "source",
}

func caseRow(rows *pgxmock.Rows, code string, date time.Time, total int64) *pgxmock.Rows {
	return rows.AddRow(
		code, date,
		&total, nil, nil, nil,
		nil, nil, nil, nil,
		nil, nil, nil,
		nil, nil, nil,
		[]string{}, []string{"csv"}, 1.0,
		"abc123", date, "csv",
	)
}

func newTestServer(t *testing.T) (*Server, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewServer(store.NewWithPool(mock), nil), mock
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := get(t, srv, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCountries(t *testing.T) {
	srv, mock := newTestServer(t)

	pop := int64(83240525)
	mock.ExpectQuery("SELECT country_code, name, COALESCE\\(continent, ''\\), population").
		WillReturnRows(pgxmock.NewRows([]string{"country_code", "name", "continent", "population"}).
			AddRow("DEU", "Germany", "Europe", &pop))

	rec := get(t, srv, "/api/countries")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "DEU", got[0]["country_code"])
	assert.Equal(t, "Germany", got[0]["name"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSeries(t *testing.T) {
	srv, mock := newTestServer(t)

	d := time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)
	rows := pgxmock.NewRows(caseCols)
	caseRow(rows, "USA", d, 1000)
	mock.ExpectQuery("FROM covid_cases\\s+WHERE country_code = \\$1 AND date BETWEEN").
		WithArgs("USA", time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2021, 3, 31, 0, 0, 0, 0, time.UTC)).
		WillReturnRows(rows)

	rec := get(t, srv, "/api/countries/usa/series?from=2021-03-01&to=2021-03-31")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "USA", got[0]["country_code"])
	assert.Equal(t, float64(1000), got[0]["total_cases"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSeries_NotFound(t *testing.T) {
	srv, mock := newTestServer(t)

	mock.ExpectQuery("FROM covid_cases\\s+WHERE country_code = \\$1 AND date BETWEEN").
		WithArgs("ZZZ", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(caseCols))

	rec := get(t, srv, "/api/countries/zzz/series")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSeries_BadCode(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := get(t, srv, "/api/countries/us/series")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSeries_BadDate(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := get(t, srv, "/api/countries/usa/series?from=03-01-2021")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "from must be YYYY-MM-DD")
}

func TestLatest(t *testing.T) {
	srv, mock := newTestServer(t)

	d := time.Date(2021, 3, 2, 0, 0, 0, 0, time.UTC)
	rows := pgxmock.NewRows(caseCols)
	caseRow(rows, "DEU", d, 2000)
	caseRow(rows, "USA", d, 1050)
	mock.ExpectQuery("SELECT DISTINCT ON \\(country_code\\)").
		WillReturnRows(rows)

	rec := get(t, srv, "/api/latest")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Len(t, got, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRuns(t *testing.T) {
	srv, mock := newTestServer(t)

	started := time.Date(2021, 3, 2, 6, 0, 0, 0, time.UTC)
	completed := started.Add(2 * time.Minute)
	mock.ExpectQuery("FROM run_log ORDER BY started_at DESC").
		WithArgs(5).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "mode", "status", "started_at", "completed_at",
			"inserted", "updated", "unchanged", "rejected", "failed", "error",
		}).AddRow("run-1", "incremental", "complete", started, &completed, 10, 2, 40, 1, 0, ""))

	rec := get(t, srv, "/api/runs?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "run-1", got[0]["run_id"])
	assert.Equal(t, "complete", got[0]["status"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRuns_BadLimit(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := get(t, srv, "/api/runs?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
