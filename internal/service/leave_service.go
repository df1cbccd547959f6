package service

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/facultydesk/proxy-api/internal/models"
	appErrors "github.com/facultydesk/proxy-api/pkg/errors"
)

type leaveStore interface {
	GetOrCreate(ctx context.Context, userID string, year int) (*models.LeaveBalance, error)
	UpdateAllotment(ctx context.Context, userID string, year int, allotment models.LeaveAllotment) error
}

// LeaveService exposes yearly leave balances. Balances are debited only by
// the approval path; this service just reads and administers quotas.
type LeaveService struct {
	store     leaveStore
	validator *validator.Validate
	logger    *zap.Logger
}

// NewLeaveService creates a new LeaveService.
func NewLeaveService(store leaveStore, logger *zap.Logger) *LeaveService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LeaveService{store: store, validator: validator.New(), logger: logger}
}

// Balance returns the (user, year) balance, creating the row with the
// default allotment on first read.
func (s *LeaveService) Balance(ctx context.Context, userID string, year int) (*models.LeaveBalance, error) {
	if year <= 0 {
		year = time.Now().UTC().Year()
	}
	balance, err := s.store.GetOrCreate(ctx, userID, year)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load leave balance")
	}
	return balance, nil
}

// MyBalance returns the acting user's balance.
func (s *LeaveService) MyBalance(ctx context.Context, actor *models.JWTClaims, year int) (*models.LeaveBalance, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	return s.Balance(ctx, actor.UserID, year)
}

// UpdateAllotment overrides a user's yearly quota. Admin only; used
// balances are preserved.
func (s *LeaveService) UpdateAllotment(ctx context.Context, userID string, year int, allotment models.LeaveAllotment) (*models.LeaveBalance, error) {
	if err := s.validator.Struct(allotment); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid allotment payload")
	}
	if year <= 0 {
		year = time.Now().UTC().Year()
	}
	if err := s.store.UpdateAllotment(ctx, userID, year, allotment); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update leave allotment")
	}
	return s.Balance(ctx, userID, year)
}
