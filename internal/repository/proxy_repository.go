package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/facultydesk/proxy-api/internal/models"
)

// ErrLeaveExhausted signals that a leave debit would exceed the allotment.
var ErrLeaveExhausted = errors.New("leave balance exhausted")

const proxyColumns = `id, requesting_faculty_id, proxy_faculty_id, hod_approver_id, subject_id,
       date, lecture_slot, reason, leave_type, status, decision_note, requested_at, responded_at, hod_approved_at`

// ProxyRequestRepository is the request ledger. Rows are only ever created
// and transitioned, never deleted; every status change goes through a
// compare-and-set so concurrent transitions serialize on the stored status.
type ProxyRequestRepository struct {
	db *sqlx.DB
}

// NewProxyRequestRepository constructs the repository.
func NewProxyRequestRepository(db *sqlx.DB) *ProxyRequestRepository {
	return &ProxyRequestRepository{db: db}
}

// Create inserts a new proxy request row in PENDING state.
func (r *ProxyRequestRepository) Create(ctx context.Context, request *models.ProxyRequest) error {
	if request.ID == "" {
		request.ID = uuid.NewString()
	}
	if request.Status == "" {
		request.Status = models.ProxyStatusPending
	}
	if !request.Status.Valid() {
		return fmt.Errorf("create proxy request: invalid status %q", request.Status)
	}
	if request.LeaveType == "" {
		request.LeaveType = models.LeaveCasual
	}
	if request.RequestedAt.IsZero() {
		request.RequestedAt = time.Now().UTC()
	}
	const query = `INSERT INTO proxy_requests
	(id, requesting_faculty_id, proxy_faculty_id, hod_approver_id, subject_id, date, lecture_slot, reason, leave_type, status, decision_note, requested_at, responded_at, hod_approved_at)
	VALUES (:id, :requesting_faculty_id, :proxy_faculty_id, :hod_approver_id, :subject_id, :date, :lecture_slot, :reason, :leave_type, :status, :decision_note, :requested_at, :responded_at, :hod_approved_at)`
	if _, err := r.db.NamedExecContext(ctx, query, request); err != nil {
		return fmt.Errorf("create proxy request: %w", err)
	}
	return nil
}

// GetByID fetches a proxy request by identifier.
func (r *ProxyRequestRepository) GetByID(ctx context.Context, id string) (*models.ProxyRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM proxy_requests WHERE id = $1`, proxyColumns)
	var request models.ProxyRequest
	if err := r.db.GetContext(ctx, &request, query, id); err != nil {
		return nil, err
	}
	return &request, nil
}

// List returns proxy requests matching the filter (latest first).
func (r *ProxyRequestRepository) List(ctx context.Context, filter models.ProxyRequestFilter) ([]models.ProxyRequest, error) {
	builder := strings.Builder{}
	args := make([]interface{}, 0, 8)
	builder.WriteString(fmt.Sprintf(`SELECT pr.%s FROM proxy_requests pr`,
		strings.ReplaceAll(proxyColumns, ", ", ", pr.")))

	conditions := make([]string, 0, 6)
	if filter.DepartmentID != "" {
		builder.WriteString(" JOIN users req ON req.id = pr.requesting_faculty_id")
		args = append(args, filter.DepartmentID)
		conditions = append(conditions, fmt.Sprintf("req.department_id = $%d", len(args)))
	}
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("pr.status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.RequesterID != "" {
		args = append(args, filter.RequesterID)
		conditions = append(conditions, fmt.Sprintf("pr.requesting_faculty_id = $%d", len(args)))
	}
	if filter.ProxyID != "" {
		args = append(args, filter.ProxyID)
		conditions = append(conditions, fmt.Sprintf("pr.proxy_faculty_id = $%d", len(args)))
	}
	if filter.SubjectID != "" {
		args = append(args, filter.SubjectID)
		conditions = append(conditions, fmt.Sprintf("pr.subject_id = $%d", len(args)))
	}
	if filter.DateFrom != nil {
		args = append(args, *filter.DateFrom)
		conditions = append(conditions, fmt.Sprintf("pr.date >= $%d", len(args)))
	}
	if filter.DateTo != nil {
		args = append(args, *filter.DateTo)
		conditions = append(conditions, fmt.Sprintf("pr.date <= $%d", len(args)))
	}
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY pr.requested_at DESC")

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	builder.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset))

	var requests []models.ProxyRequest
	if err := r.db.SelectContext(ctx, &requests, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list proxy requests: %w", err)
	}
	return requests, nil
}

// TransitionParams groups the mutable columns of a status transition.
type TransitionParams struct {
	ID             string
	Expected       models.ProxyStatus
	NewStatus      models.ProxyStatus
	ProxyFacultyID *string
	HODApproverID  *string
	DecisionNote   *string
	RespondedAt    *time.Time
	HODApprovedAt  *time.Time
}

// CompareAndSetStatus commits the transition only when the stored status still
// equals Expected. A losing racer observes sql.ErrNoRows.
func (r *ProxyRequestRepository) CompareAndSetStatus(ctx context.Context, params TransitionParams) error {
	return r.compareAndSet(ctx, r.db, params)
}

type execer interface {
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
}

func (r *ProxyRequestRepository) compareAndSet(ctx context.Context, ex execer, params TransitionParams) error {
	if !params.Expected.Valid() || !params.NewStatus.Valid() {
		return fmt.Errorf("transition %s -> %s: status outside the defined set", params.Expected, params.NewStatus)
	}
	setParts := []string{"status = :new_status"}
	if params.ProxyFacultyID != nil {
		setParts = append(setParts, "proxy_faculty_id = :proxy_faculty_id")
	}
	if params.HODApproverID != nil {
		setParts = append(setParts, "hod_approver_id = :hod_approver_id")
	}
	if params.DecisionNote != nil {
		setParts = append(setParts, "decision_note = :decision_note")
	}
	if params.RespondedAt != nil {
		setParts = append(setParts, "responded_at = :responded_at")
	}
	if params.HODApprovedAt != nil {
		setParts = append(setParts, "hod_approved_at = :hod_approved_at")
	}
	query := fmt.Sprintf("UPDATE proxy_requests SET %s WHERE id = :id AND status = :expected_status",
		strings.Join(setParts, ", "))

	result, err := ex.NamedExecContext(ctx, query, map[string]interface{}{
		"id":               params.ID,
		"expected_status":  params.Expected,
		"new_status":       params.NewStatus,
		"proxy_faculty_id": params.ProxyFacultyID,
		"hod_approver_id":  params.HODApproverID,
		"decision_note":    params.DecisionNote,
		"responded_at":     params.RespondedAt,
		"hod_approved_at":  params.HODApprovedAt,
	})
	if err != nil {
		return fmt.Errorf("transition proxy request status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check transition rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ApproveParams captures an HOD approval plus the leave debit it implies.
type ApproveParams struct {
	Transition TransitionParams
	UserID     string
	Year       int
	LeaveType  models.LeaveType
	Allotment  LeaveDefaults
}

// ApproveWithLeaveDebit applies the HOD_APPROVED transition and the leave
// debit in one transaction. Either both commit or neither does. Returns
// sql.ErrNoRows when the status CAS loses and ErrLeaveExhausted when the
// debit would exceed the allotment.
func (r *ProxyRequestRepository) ApproveWithLeaveDebit(ctx context.Context, params ApproveParams) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin approve tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := r.compareAndSet(ctx, tx, params.Transition); err != nil {
		return err
	}

	if err := ensureLeaveBalance(ctx, tx, params.UserID, params.Year, params.Allotment); err != nil {
		return err
	}

	column, err := usedLeaveColumn(params.LeaveType)
	if err != nil {
		return err
	}
	allottedColumn := strings.TrimPrefix(column, "used_")
	debit := fmt.Sprintf(`UPDATE leave_balances SET %[1]s = %[1]s + 1, updated_at = $3
		WHERE user_id = $1 AND year = $2 AND %[1]s < %[2]s`, column, allottedColumn)
	result, err := tx.ExecContext(ctx, debit, params.UserID, params.Year, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("debit leave balance: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check leave debit rows: %w", err)
	}
	if rows == 0 {
		return ErrLeaveExhausted
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit approve tx: %w", err)
	}
	return nil
}

// ExpireOverdue cancels PENDING requests whose lecture date has passed.
// Returns the number of requests expired.
func (r *ProxyRequestRepository) ExpireOverdue(ctx context.Context, before time.Time) (int64, error) {
	const query = `UPDATE proxy_requests SET status = $1 WHERE status = $2 AND date < $3`
	result, err := r.db.ExecContext(ctx, query, models.ProxyStatusCancelled, models.ProxyStatusPending, before)
	if err != nil {
		return 0, fmt.Errorf("expire overdue proxy requests: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check expired rows: %w", err)
	}
	return rows, nil
}

func usedLeaveColumn(t models.LeaveType) (string, error) {
	switch t {
	case models.LeaveCasual:
		return "used_casual_leaves", nil
	case models.LeaveSick:
		return "used_sick_leaves", nil
	case models.LeaveEarned:
		return "used_earned_leaves", nil
	}
	return "", fmt.Errorf("unknown leave type %q", t)
}
