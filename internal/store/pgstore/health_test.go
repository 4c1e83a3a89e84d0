package pgstore

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestCheckSchema_AllTablesPresent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"jobs", "triggers", "fired_triggers", "scheduler_state", "paused_groups", "calendars"} {
		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM ` + table).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	}

	require.NoError(t, CheckSchema(context.Background(), db))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckSchema_MissingTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM jobs`).
		WillReturnError(errors.New("relation \"jobs\" does not exist"))

	err = CheckSchema(context.Background(), db)
	require.Error(t, err)
}
