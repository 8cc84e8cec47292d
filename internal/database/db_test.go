package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_EmptyDatabaseURL(t *testing.T) {
	db, err := New("")
	assert.Error(t, err)
	assert.Nil(t, db)
	assert.Contains(t, err.Error(), "DATABASE_URL environment variable not set")
}

func TestWithTransaction(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(mock sqlmock.Sqlmock)
		fn        TxFunc
		wantError bool
		checkErr  func(t *testing.T, err error)
	}{
		{
			name: "commit on success",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("UPDATE nurse_availability").
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
			fn: func(tx *sqlx.Tx) error {
				_, err := tx.Exec("UPDATE nurse_availability SET is_assigned = true WHERE id = 1")
				return err
			},
			wantError: false,
		},
		{
			name: "rollback on function error",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectRollback()
			},
			fn: func(tx *sqlx.Tx) error {
				return errors.New("log write failed")
			},
			wantError: true,
			checkErr: func(t *testing.T, err error) {
				assert.Contains(t, err.Error(), "log write failed")
			},
		},
		{
			name: "begin failure",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin().WillReturnError(sql.ErrConnDone)
			},
			fn: func(tx *sqlx.Tx) error {
				return nil
			},
			wantError: true,
			checkErr: func(t *testing.T, err error) {
				assert.Contains(t, err.Error(), "failed to begin transaction")
			},
		},
		{
			name: "commit failure",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectCommit().WillReturnError(sql.ErrTxDone)
			},
			fn: func(tx *sqlx.Tx) error {
				return nil
			},
			wantError: true,
			checkErr: func(t *testing.T, err error) {
				assert.Contains(t, err.Error(), "failed to commit transaction")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockDB, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer mockDB.Close()

			db := sqlx.NewDb(mockDB, "sqlmock")
			tt.setupMock(mock)

			err = WithTransaction(context.Background(), db, tt.fn)

			if tt.wantError {
				assert.Error(t, err)
				if tt.checkErr != nil {
					tt.checkErr(t, err)
				}
			} else {
				assert.NoError(t, err)
			}

			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestWithTransaction_RollbackOnPanic(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	db := sqlx.NewDb(mockDB, "sqlmock")
	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.Panics(t, func() {
		_ = WithTransaction(context.Background(), db, func(tx *sqlx.Tx) error {
			panic("boom")
		})
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}
