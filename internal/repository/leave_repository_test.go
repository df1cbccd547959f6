package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/facultydesk/proxy-api/internal/models"
)

func newLeaveRepoMock(t *testing.T) (*LeaveBalanceRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo := NewLeaveBalanceRepository(sqlx.NewDb(db, "sqlmock"), LeaveDefaults{Casual: 12, Sick: 12, Earned: 30})
	return repo, mock
}

func leaveRows(balance models.LeaveBalance) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "year", "casual_leaves", "sick_leaves", "earned_leaves",
		"used_casual_leaves", "used_sick_leaves", "used_earned_leaves", "created_at", "updated_at",
	}).AddRow(
		balance.ID, balance.UserID, balance.Year, balance.CasualLeaves, balance.SickLeaves,
		balance.EarnedLeaves, balance.UsedCasualLeaves, balance.UsedSickLeaves, balance.UsedEarnedLeaves,
		balance.CreatedAt, balance.UpdatedAt,
	)
}

func TestLeaveBalanceRepositoryGetOrCreate(t *testing.T) {
	repo, mock := newLeaveRepoMock(t)
	now := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO leave_balances")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, user_id, year")).
		WithArgs("faculty-1", 2026).
		WillReturnRows(leaveRows(models.LeaveBalance{
			ID: "bal-1", UserID: "faculty-1", Year: 2026,
			CasualLeaves: 12, SickLeaves: 12, EarnedLeaves: 30,
			CreatedAt: now, UpdatedAt: now,
		}))

	balance, err := repo.GetOrCreate(context.Background(), "faculty-1", 2026)
	require.NoError(t, err)
	require.Equal(t, 12, balance.CasualLeaves)
	require.Equal(t, 0, balance.UsedCasualLeaves)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaveBalanceRepositoryGetOrCreateExistingRow(t *testing.T) {
	repo, mock := newLeaveRepoMock(t)
	now := time.Now().UTC()

	// ON CONFLICT DO NOTHING: an existing row means zero rows affected.
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO leave_balances")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, user_id, year")).
		WithArgs("faculty-1", 2026).
		WillReturnRows(leaveRows(models.LeaveBalance{
			ID: "bal-1", UserID: "faculty-1", Year: 2026,
			CasualLeaves: 10, SickLeaves: 12, EarnedLeaves: 30, UsedCasualLeaves: 4,
			CreatedAt: now, UpdatedAt: now,
		}))

	balance, err := repo.GetOrCreate(context.Background(), "faculty-1", 2026)
	require.NoError(t, err)
	require.Equal(t, 10, balance.CasualLeaves)
	require.Equal(t, 4, balance.UsedCasualLeaves)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaveBalanceRepositoryUpdateAllotment(t *testing.T) {
	repo, mock := newLeaveRepoMock(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO leave_balances")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE leave_balances")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateAllotment(context.Background(), "faculty-1", 2026, models.LeaveAllotment{
		CasualLeaves: 15, SickLeaves: 10, EarnedLeaves: 20,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
