package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/facultydesk/proxy-api/internal/models"
)

func newProxyRepoMock(t *testing.T) (*ProxyRequestRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewProxyRequestRepository(sqlx.NewDb(db, "sqlmock")), mock
}

func proxyRows(request models.ProxyRequest) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "requesting_faculty_id", "proxy_faculty_id", "hod_approver_id", "subject_id",
		"date", "lecture_slot", "reason", "leave_type", "status", "decision_note",
		"requested_at", "responded_at", "hod_approved_at",
	}).AddRow(
		request.ID, request.RequestingFacultyID, request.ProxyFacultyID, request.HODApproverID,
		request.SubjectID, request.Date, request.LectureSlot, request.Reason, request.LeaveType,
		request.Status, request.DecisionNote, request.RequestedAt, request.RespondedAt, request.HODApprovedAt,
	)
}

func TestProxyRequestRepositoryCreateDefaults(t *testing.T) {
	repo, mock := newProxyRepoMock(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO proxy_requests")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	request := &models.ProxyRequest{
		RequestingFacultyID: "faculty-1",
		SubjectID:           "subject-1",
		Date:                time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC),
		LectureSlot:         3,
		Reason:              "conference travel",
	}
	require.NoError(t, repo.Create(context.Background(), request))
	require.NotEmpty(t, request.ID)
	require.Equal(t, models.ProxyStatusPending, request.Status)
	require.Equal(t, models.LeaveCasual, request.LeaveType)
	require.False(t, request.RequestedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProxyRequestRepositoryGetByID(t *testing.T) {
	repo, mock := newProxyRepoMock(t)

	stored := models.ProxyRequest{
		ID:                  "req-1",
		RequestingFacultyID: "faculty-1",
		SubjectID:           "subject-1",
		Date:                time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC),
		LectureSlot:         3,
		Reason:              "conference travel",
		LeaveType:           models.LeaveCasual,
		Status:              models.ProxyStatusPending,
		RequestedAt:         time.Now().UTC(),
	}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, requesting_faculty_id")).
		WithArgs("req-1").
		WillReturnRows(proxyRows(stored))

	request, err := repo.GetByID(context.Background(), "req-1")
	require.NoError(t, err)
	require.Equal(t, stored.ID, request.ID)
	require.Equal(t, models.ProxyStatusPending, request.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProxyRequestRepositoryCompareAndSetStatus(t *testing.T) {
	repo, mock := newProxyRepoMock(t)
	now := time.Now().UTC()
	proxyID := "faculty-2"

	mock.ExpectExec(regexp.QuoteMeta("UPDATE proxy_requests SET status = ?, proxy_faculty_id = ?, responded_at = ? WHERE id = ? AND status = ?")).
		WithArgs(models.ProxyStatusAccepted, proxyID, now, "req-1", models.ProxyStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.CompareAndSetStatus(context.Background(), TransitionParams{
		ID:             "req-1",
		Expected:       models.ProxyStatusPending,
		NewStatus:      models.ProxyStatusAccepted,
		ProxyFacultyID: &proxyID,
		RespondedAt:    &now,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProxyRequestRepositoryCompareAndSetStatusLosesRace(t *testing.T) {
	repo, mock := newProxyRepoMock(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE proxy_requests SET status = ? WHERE id = ? AND status = ?")).
		WithArgs(models.ProxyStatusCancelled, "req-1", models.ProxyStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.CompareAndSetStatus(context.Background(), TransitionParams{
		ID:        "req-1",
		Expected:  models.ProxyStatusPending,
		NewStatus: models.ProxyStatusCancelled,
	})
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProxyRequestRepositoryCompareAndSetStatusRejectsUnknownStatus(t *testing.T) {
	repo, _ := newProxyRepoMock(t)

	err := repo.CompareAndSetStatus(context.Background(), TransitionParams{
		ID:        "req-1",
		Expected:  models.ProxyStatusPending,
		NewStatus: "SOMETHING_ELSE",
	})
	require.Error(t, err)
}

func approveParamsFixture() ApproveParams {
	hodID := "hod-1"
	now := time.Now().UTC()
	return ApproveParams{
		Transition: TransitionParams{
			ID:            "req-1",
			Expected:      models.ProxyStatusAccepted,
			NewStatus:     models.ProxyStatusHODApproved,
			HODApproverID: &hodID,
			HODApprovedAt: &now,
		},
		UserID:    "faculty-1",
		Year:      2026,
		LeaveType: models.LeaveCasual,
		Allotment: LeaveDefaults{Casual: 12, Sick: 12, Earned: 30},
	}
}

func TestProxyRequestRepositoryApproveWithLeaveDebit(t *testing.T) {
	repo, mock := newProxyRepoMock(t)
	params := approveParamsFixture()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE proxy_requests SET status = ?")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO leave_balances")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE leave_balances SET used_casual_leaves = used_casual_leaves + 1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.ApproveWithLeaveDebit(context.Background(), params))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProxyRequestRepositoryApproveRollsBackWhenExhausted(t *testing.T) {
	repo, mock := newProxyRepoMock(t)
	params := approveParamsFixture()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE proxy_requests SET status = ?")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO leave_balances")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE leave_balances SET used_casual_leaves = used_casual_leaves + 1")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.ApproveWithLeaveDebit(context.Background(), params)
	require.ErrorIs(t, err, ErrLeaveExhausted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProxyRequestRepositoryApproveRollsBackOnLostCAS(t *testing.T) {
	repo, mock := newProxyRepoMock(t)
	params := approveParamsFixture()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE proxy_requests SET status = ?")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.ApproveWithLeaveDebit(context.Background(), params)
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProxyRequestRepositoryExpireOverdue(t *testing.T) {
	repo, mock := newProxyRepoMock(t)
	before := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE proxy_requests SET status = $1 WHERE status = $2 AND date < $3")).
		WithArgs(models.ProxyStatusCancelled, models.ProxyStatusPending, before).
		WillReturnResult(sqlmock.NewResult(0, 3))

	count, err := repo.ExpireOverdue(context.Background(), before)
	require.NoError(t, err)
	require.Equal(t, int64(3), count)
	require.NoError(t, mock.ExpectationsWereMet())
}
