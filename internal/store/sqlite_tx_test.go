package store

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbaille/agrolog/internal/domain"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newStore(db), mock
}

func TestUpdateRollsBackOnChildFailure(t *testing.T) {
	s, mock := newMockStore(t)

	r := newReport(t, "user-1", "Plantei soja")
	r.AttachAnalysis(sampleAnalysis())

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE reports SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT OR REPLACE INTO analyses")).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err := s.Update(context.Background(), r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsert analysis")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateUnknownReportRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	r := newReport(t, "user-1", "Plantei soja")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE reports SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.Update(context.Background(), r)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttachAnalysisRollsBackOnInteractionFailure(t *testing.T) {
	s, mock := newMockStore(t)

	in := domain.NewInteraction(domain.KindAutoAnalysis, "auto", "raw", 2)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE reports SET updated_at")).
		WithArgs(sqlmock.AnyArg(), "r-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT OR REPLACE INTO analyses")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT OR IGNORE INTO report_tags")).
		WithArgs("r-1", "soja").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT OR IGNORE INTO interactions")).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err := s.AttachAnalysis(context.Background(), "r-1", sampleAnalysis(), []string{"Soja"}, in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert interaction")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendInteractionWritesNoReportFields(t *testing.T) {
	s, mock := newMockStore(t)

	in := domain.NewInteraction(domain.KindUserMention, "q", "a", 1)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE reports SET updated_at = ? WHERE id = ?")).
		WithArgs(sqlmock.AnyArg(), "r-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT OR IGNORE INTO interactions")).
		WithArgs(in.ID, "r-1", "q", "a", "UserMention", sqlmock.AnyArg(), 1).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, s.AppendInteraction(context.Background(), "r-1", in))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateCommitsAllStatements(t *testing.T) {
	s, mock := newMockStore(t)

	r := newReport(t, "user-1", "Plantei soja")
	r.AppendInteraction(domain.NewInteraction(domain.KindUserMention, "q", "a", 1))
	r.AddTags("soja")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reports")).
		WithArgs(r.ID, "user-1", "Plantei soja", "Rio Verde, GO", "Draft", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT OR IGNORE INTO interactions")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT OR IGNORE INTO report_tags")).
		WithArgs(r.ID, "soja").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Create(context.Background(), r))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitFailureIsReported(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM analyses")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM interactions")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM report_tags")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM reports")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	err := s.Delete(context.Background(), "r-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit tx")
	assert.NoError(t, mock.ExpectationsWereMet())
}
