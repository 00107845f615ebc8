package store

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockedStore(t *testing.T) (*SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS node_state")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return s, mock
}

func TestSQLiteStoreMigrateFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS node_state")).
		WillReturnError(errors.New("disk I/O error"))

	_, err = NewSQLiteStore(db)
	assert.ErrorContains(t, err, "migrate node_state")
}

func TestSQLiteStoreSaveFailure(t *testing.T) {
	s, mock := newMockedStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO node_state")).
		WillReturnError(errors.New("database is locked"))

	err := s.Save(context.Background(), sampleState(t))
	assert.ErrorContains(t, err, "upsert node_state")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStoreLoadFailure(t *testing.T) {
	s, mock := newMockedStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT payload FROM node_state")).
		WillReturnError(errors.New("database is locked"))

	_, err := s.Load(context.Background())
	assert.ErrorContains(t, err, "query node_state")
	assert.NoError(t, mock.ExpectationsWereMet())
}
