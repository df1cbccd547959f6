package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/facultydesk/proxy-api/internal/models"
)

// LeaveDefaults is the yearly allotment applied when a balance row is
// created lazily.
type LeaveDefaults struct {
	Casual int
	Sick   int
	Earned int
}

const leaveColumns = `id, user_id, year, casual_leaves, sick_leaves, earned_leaves,
       used_casual_leaves, used_sick_leaves, used_earned_leaves, created_at, updated_at`

// LeaveBalanceRepository persists per-year leave quotas.
type LeaveBalanceRepository struct {
	db       *sqlx.DB
	defaults LeaveDefaults
}

// NewLeaveBalanceRepository constructs the repository.
func NewLeaveBalanceRepository(db *sqlx.DB, defaults LeaveDefaults) *LeaveBalanceRepository {
	return &LeaveBalanceRepository{db: db, defaults: defaults}
}

// Defaults exposes the configured yearly allotment.
func (r *LeaveBalanceRepository) Defaults() LeaveDefaults {
	return r.defaults
}

// GetOrCreate returns the balance row for (user, year), creating it with the
// default allotment on first need.
func (r *LeaveBalanceRepository) GetOrCreate(ctx context.Context, userID string, year int) (*models.LeaveBalance, error) {
	if err := ensureLeaveBalance(ctx, r.db, userID, year, r.defaults); err != nil {
		return nil, err
	}
	return r.Get(ctx, userID, year)
}

// Get returns the balance row for (user, year).
func (r *LeaveBalanceRepository) Get(ctx context.Context, userID string, year int) (*models.LeaveBalance, error) {
	query := fmt.Sprintf(`SELECT %s FROM leave_balances WHERE user_id = $1 AND year = $2 LIMIT 1`, leaveColumns)
	var balance models.LeaveBalance
	if err := r.db.GetContext(ctx, &balance, query, userID, year); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get leave balance: %w", err)
	}
	return &balance, nil
}

// UpdateAllotment overrides the yearly quota for a user. Used balances are
// left untouched.
func (r *LeaveBalanceRepository) UpdateAllotment(ctx context.Context, userID string, year int, allotment models.LeaveAllotment) error {
	if err := ensureLeaveBalance(ctx, r.db, userID, year, r.defaults); err != nil {
		return err
	}
	const query = `UPDATE leave_balances
		SET casual_leaves = $3, sick_leaves = $4, earned_leaves = $5, updated_at = $6
		WHERE user_id = $1 AND year = $2`
	if _, err := r.db.ExecContext(ctx, query, userID, year,
		allotment.CasualLeaves, allotment.SickLeaves, allotment.EarnedLeaves, time.Now().UTC()); err != nil {
		return fmt.Errorf("update leave allotment: %w", err)
	}
	return nil
}

type leaveExecer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// ensureLeaveBalance lazily inserts the (user, year) row. Safe under
// concurrent callers thanks to the unique (user_id, year) constraint.
func ensureLeaveBalance(ctx context.Context, ex leaveExecer, userID string, year int, defaults LeaveDefaults) error {
	const query = `INSERT INTO leave_balances
		(id, user_id, year, casual_leaves, sick_leaves, earned_leaves, used_casual_leaves, used_sick_leaves, used_earned_leaves, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, 0, 0, $7, $7)
		ON CONFLICT (user_id, year) DO NOTHING`
	now := time.Now().UTC()
	if _, err := ex.ExecContext(ctx, query, uuid.NewString(), userID, year,
		defaults.Casual, defaults.Sick, defaults.Earned, now); err != nil {
		return fmt.Errorf("ensure leave balance: %w", err)
	}
	return nil
}
