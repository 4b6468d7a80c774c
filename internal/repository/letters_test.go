package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/capsulenote/internal/model"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return db, mock
}

const (
	qInsertAudit = `(?s)^\s*INSERT\s+INTO\s+audit_events\s*\(id,\s*user_id,\s*type,\s*data,\s*created_at\)`
	qLockLetter  = `(?s)^\s*UPDATE\s+letters\s+SET\s+status\s*=\s*'LOCKED',\s*locked_at\s*=\s*\$2.*WHERE\s+id\s*=\s*\$1\s+AND\s+status\s*<>\s*'LOCKED'\s+AND\s+locked_at\s+IS\s+NULL`
)

func TestLetterLock_FirstCallerWins(t *testing.T) {
	db, mock := newMock(t)
	repo := NewLetterRepository(db)
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(qLockLetter).WithArgs("l-1", at).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(qLockLetter).WithArgs("l-1", at).WillReturnResult(sqlmock.NewResult(0, 0))

	first, err := repo.Lock(context.Background(), "l-1", at)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := repo.Lock(context.Background(), "l-1", at)
	require.NoError(t, err)
	assert.False(t, second)
}

func TestLetterGet_NotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewLetterRepository(db)

	mock.ExpectQuery(`(?s)^\s*SELECT\s+id,\s*user_id,\s*title.*FROM\s+letters\s+WHERE\s+id\s*=\s*\$1\s+AND\s+deleted_at\s+IS\s+NULL`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestLetterGet_Found(t *testing.T) {
	db, mock := newMock(t)
	repo := NewLetterRepository(db)
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	locked := created.Add(time.Hour)

	rows := sqlmock.NewRows([]string{"id", "user_id", "title", "ciphertext", "nonce", "key_version", "status", "locked_at", "created_at", "updated_at"}).
		AddRow("l-1", "u-1", "To me", []byte{1, 2}, []byte{3, 4}, 2, "LOCKED", locked, created, locked)
	mock.ExpectQuery(`(?s)^\s*SELECT\s+id,\s*user_id,\s*title.*FROM\s+letters`).WithArgs("l-1").WillReturnRows(rows)

	l, err := repo.Get(context.Background(), "l-1")
	require.NoError(t, err)
	assert.Equal(t, model.LetterLocked, l.Status)
	assert.Equal(t, 2, l.KeyVersion)
	require.NotNil(t, l.LockedAt)
	assert.True(t, l.LockedAt.Equal(locked))
}

func TestLetterCreate_WritesAuditInSameTx(t *testing.T) {
	db, mock := newMock(t)
	repo := NewLetterRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)^\s*INSERT\s+INTO\s+letters`).
		WithArgs(sqlmock.AnyArg(), "u-1", "Hello", []byte("ct"), []byte("nonce"), 1, "DRAFT", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(qInsertAudit).
		WithArgs(sqlmock.AnyArg(), "u-1", model.AuditLetterCreated, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	l := &model.Letter{UserID: "u-1", Title: "Hello", Ciphertext: []byte("ct"), Nonce: []byte("nonce"), KeyVersion: 1}
	audit := model.NewAudit("u-1", model.AuditLetterCreated, map[string]string{"title": "Hello"}, time.Now())
	require.NoError(t, repo.Create(context.Background(), l, audit))
	assert.NotEmpty(t, l.ID)
	assert.Equal(t, model.LetterDraft, l.Status)
}

func TestLetterUpdateContent_ConflictWhenLocked(t *testing.T) {
	db, mock := newMock(t)
	repo := NewLetterRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)^\s*UPDATE\s+letters\s+SET\s+title.*status\s*=\s*'DRAFT'`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.UpdateContent(context.Background(), &model.Letter{ID: "l-1", UserID: "u-1"}, model.AuditEvent{})
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := WithTx(context.Background(), db, func(ctx context.Context, tx DBTX) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestWithTx_RethrowsPanic(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.Panics(t, func() {
		_ = WithTx(context.Background(), db, func(ctx context.Context, tx DBTX) error { panic("kaboom") })
	})
}
