package dbqueue

import (
	"context"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

// These tests pin the executor's SQL-level behavior against a mock driver:
// writes wrap in a transaction, write failures roll that transaction back,
// and reads never open one.

func TestWriteRunsInsideTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	q := NewWithDB(db, 0)
	t.Cleanup(func() { _ = q.Close() })

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE counters SET value = value \\+ 1").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	resp, err := q.Submit(context.Background(), Request{SQL: "UPDATE counters SET value = value + 1"})
	require.NoError(t, err)
	require.True(t, resp.OK)
	require.Equal(t, ModeWrite, resp.Mode)
	require.EqualValues(t, 3, resp.RowsAffected)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteFailureRollsBackTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	q := NewWithDB(db, 0)
	t.Cleanup(func() { _ = q.Close() })

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO counters").WillReturnError(fmt.Errorf("UNIQUE constraint failed"))
	mock.ExpectRollback()

	resp, err := q.Submit(context.Background(), Request{SQL: "INSERT INTO counters (id) VALUES (1)"})
	require.NoError(t, err)
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "UNIQUE constraint")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadSkipsTransactionAndReturnsRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	q := NewWithDB(db, 0)
	t.Cleanup(func() { _ = q.Close() })

	rows := sqlmock.NewRows([]string{"id", "value"}).AddRow(int64(1), int64(41)).AddRow(int64(2), int64(42))
	mock.ExpectQuery("SELECT id, value FROM counters").WillReturnRows(rows)

	resp, err := q.Submit(context.Background(), Request{SQL: "SELECT id, value FROM counters", ReadOnly: true})
	require.NoError(t, err)
	require.True(t, resp.OK)
	require.Equal(t, ModeRead, resp.Mode)
	require.Equal(t, 2, resp.RowCount)
	require.EqualValues(t, 41, resp.Rows[0]["value"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMaxRowsCapsReadResult(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	q := NewWithDB(db, 0)
	t.Cleanup(func() { _ = q.Close() })

	rows := sqlmock.NewRows([]string{"id"})
	for i := 1; i <= 10; i++ {
		rows.AddRow(int64(i))
	}
	mock.ExpectQuery("SELECT id FROM counters").WillReturnRows(rows)

	resp, err := q.Submit(context.Background(), Request{SQL: "SELECT id FROM counters", ReadOnly: true, MaxRows: 4})
	require.NoError(t, err)
	require.Equal(t, 4, resp.RowCount)
}
