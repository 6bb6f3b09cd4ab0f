package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFrom_EmptyRows(t *testing.T) {
	n, err := CopyFrom(context.TODO(), nil, "covid_cases", []string{"country_code", "date"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"covid_cases"}, []string{"country_code", "date"}).WillReturnResult(3)

	rows := [][]any{{"USA", "2021-03-01"}, {"USA", "2021-03-02"}, {"USA", "2021-03-03"}}
	n, err := CopyFrom(context.Background(), mock, "covid_cases", []string{"country_code", "date"}, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"covid_cases"}, []string{"country_code"}).WillReturnError(fmt.Errorf("copy failed"))

	_, err = CopyFrom(context.Background(), mock, "covid_cases", []string{"country_code"}, [][]any{{"USA"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO covid_cases")
	assert.NoError(t, mock.ExpectationsWereMet())
}
