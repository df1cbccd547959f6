package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/facultydesk/proxy-api/internal/dto"
	"github.com/facultydesk/proxy-api/internal/models"
	appErrors "github.com/facultydesk/proxy-api/pkg/errors"
)

type userAdminStore interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error)
	Create(ctx context.Context, user *models.User) error
	Update(ctx context.Context, user *models.User) error
	Deactivate(ctx context.Context, id string) error
	AssignSubject(ctx context.Context, userID, subjectID string) error
	UnassignSubject(ctx context.Context, userID, subjectID string) error
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type subjectLookup interface {
	GetByID(ctx context.Context, id string) (*models.Subject, error)
}

// UserService covers admin account management and subject assignment.
type UserService struct {
	users       userAdminStore
	departments departmentLookup
	subjects    subjectLookup
	leaves      leaveProvisioner
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewUserService creates a new UserService.
func NewUserService(users userAdminStore, departments departmentLookup, subjects subjectLookup, leaves leaveProvisioner, logger *zap.Logger) *UserService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserService{
		users:       users,
		departments: departments,
		subjects:    subjects,
		leaves:      leaves,
		validator:   validator.New(),
		logger:      logger,
	}
}

// List returns users matching the filter with a total count.
func (s *UserService) List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error) {
	users, total, err := s.users.List(ctx, filter)
	if err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list users")
	}
	return users, total, nil
}

// Get returns a single user record.
func (s *UserService) Get(ctx context.Context, id string) (*models.User, error) {
	user, err := s.users.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	return user, nil
}

// Create provisions an account on behalf of an admin.
func (s *UserService) Create(ctx context.Context, req dto.CreateUserRequest, actor *models.JWTClaims) (*models.User, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid user payload")
	}

	var departmentID *string
	if req.Role == models.RoleFaculty || req.Role == models.RoleHOD {
		if req.DepartmentID == "" {
			return nil, appErrors.Clone(appErrors.ErrValidation, "department is required for faculty and HOD accounts")
		}
		if _, err := s.departments.GetByID(ctx, req.DepartmentID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, appErrors.Clone(appErrors.ErrValidation, "department does not exist")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to verify department")
		}
		departmentID = &req.DepartmentID
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if _, err := s.users.FindByEmail(ctx, email); err == nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, "email is already registered")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check existing email")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	user := &models.User{
		Email:        email,
		PasswordHash: string(hash),
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Role:         req.Role,
		DepartmentID: departmentID,
		Active:       true,
	}
	if req.PhoneNumber != "" {
		user.PhoneNumber = &req.PhoneNumber
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create user")
	}

	if req.Role == models.RoleFaculty && s.leaves != nil {
		if _, err := s.leaves.GetOrCreate(ctx, user.ID, time.Now().UTC().Year()); err != nil {
			s.logger.Warn("failed to provision leave balance", zap.String("user_id", user.ID), zap.Error(err))
		}
	}

	s.audit(ctx, actor, models.AuditActionUserCreate, user.ID)
	return user, nil
}

// Update applies partial profile changes.
func (s *UserService) Update(ctx context.Context, id string, req dto.UpdateUserRequest, actor *models.JWTClaims) (*models.User, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid user payload")
	}

	user, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.FirstName != "" {
		user.FirstName = req.FirstName
	}
	if req.LastName != "" {
		user.LastName = req.LastName
	}
	if req.PhoneNumber != "" {
		user.PhoneNumber = &req.PhoneNumber
	}
	if req.Role != nil {
		user.Role = *req.Role
	}
	if req.DepartmentID != nil {
		if *req.DepartmentID != "" {
			if _, err := s.departments.GetByID(ctx, *req.DepartmentID); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return nil, appErrors.Clone(appErrors.ErrValidation, "department does not exist")
				}
				return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to verify department")
			}
			user.DepartmentID = req.DepartmentID
		} else {
			user.DepartmentID = nil
		}
	}
	if req.Active != nil {
		user.Active = *req.Active
	}
	if user.Role == models.RoleFaculty || user.Role == models.RoleHOD {
		if user.DepartmentID == nil {
			return nil, appErrors.Clone(appErrors.ErrValidation, "faculty and HOD accounts must belong to a department")
		}
	}

	if err := s.users.Update(ctx, user); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update user")
	}
	s.audit(ctx, actor, models.AuditActionUserUpdate, user.ID)
	return user, nil
}

// Deactivate soft deletes an account. Deactivated users fail authentication
// and every lifecycle actor check.
func (s *UserService) Deactivate(ctx context.Context, id string, actor *models.JWTClaims) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if actor != nil && actor.UserID == id {
		return appErrors.Clone(appErrors.ErrValidation, "cannot deactivate your own account")
	}
	if err := s.users.Deactivate(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to deactivate user")
	}
	s.audit(ctx, actor, models.AuditActionUserDeactivate, id)
	return nil
}

// AssignSubject links a faculty member to a subject they can request or
// accept cover for.
func (s *UserService) AssignSubject(ctx context.Context, userID, subjectID string, actor *models.JWTClaims) error {
	user, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	if user.Role != models.RoleFaculty {
		return appErrors.Clone(appErrors.ErrValidation, "subjects can only be assigned to faculty accounts")
	}
	subject, err := s.subjects.GetByID(ctx, subjectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrValidation, "subject does not exist")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to verify subject")
	}
	if user.DepartmentID == nil || subject.DepartmentID != *user.DepartmentID {
		return appErrors.Clone(appErrors.ErrValidation, "subject belongs to a different department")
	}
	if err := s.users.AssignSubject(ctx, userID, subjectID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to assign subject")
	}
	s.audit(ctx, actor, models.AuditActionUserUpdate, userID)
	return nil
}

// UnassignSubject removes a subject link.
func (s *UserService) UnassignSubject(ctx context.Context, userID, subjectID string, actor *models.JWTClaims) error {
	if _, err := s.Get(ctx, userID); err != nil {
		return err
	}
	if err := s.users.UnassignSubject(ctx, userID, subjectID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to unassign subject")
	}
	s.audit(ctx, actor, models.AuditActionUserUpdate, userID)
	return nil
}

func (s *UserService) audit(ctx context.Context, actor *models.JWTClaims, action, resourceID string) {
	log := &models.AuditLog{
		Action:     action,
		Resource:   "user",
		ResourceID: &resourceID,
		IPAddress:  "system",
		UserAgent:  "user-service",
	}
	if actor != nil {
		actorID := actor.UserID
		log.UserID = &actorID
	}
	if err := s.users.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to persist audit log", zap.Error(err))
	}
}
