package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/facultydesk/proxy-api/internal/dto"
	"github.com/facultydesk/proxy-api/internal/models"
	appErrors "github.com/facultydesk/proxy-api/pkg/errors"
)

const departmentCacheKey = "catalog:departments"

type departmentStore interface {
	Create(ctx context.Context, department *models.Department) error
	GetByID(ctx context.Context, id string) (*models.Department, error)
	List(ctx context.Context) ([]models.Department, error)
	Update(ctx context.Context, department *models.Department) error
}

// DepartmentService manages the department catalog.
type DepartmentService struct {
	store     departmentStore
	cache     *CacheService
	validator *validator.Validate
	logger    *zap.Logger
}

// NewDepartmentService creates a new DepartmentService.
func NewDepartmentService(store departmentStore, cache *CacheService, logger *zap.Logger) *DepartmentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DepartmentService{store: store, cache: cache, validator: validator.New(), logger: logger}
}

// List returns all departments, served from cache when warm.
func (s *DepartmentService) List(ctx context.Context) ([]models.Department, error) {
	var cached []models.Department
	if hit, err := s.cache.Get(ctx, departmentCacheKey, &cached); err == nil && hit {
		return cached, nil
	}

	departments, err := s.store.List(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list departments")
	}
	if err := s.cache.Set(ctx, departmentCacheKey, departments, 0); err != nil {
		s.logger.Debug("department cache set failed", zap.Error(err))
	}
	return departments, nil
}

// Get returns a single department.
func (s *DepartmentService) Get(ctx context.Context, id string) (*models.Department, error) {
	department, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load department")
	}
	return department, nil
}

// Create adds a department to the catalog.
func (s *DepartmentService) Create(ctx context.Context, req dto.DepartmentRequest) (*models.Department, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid department payload")
	}
	department := &models.Department{
		Code:        req.Code,
		Name:        req.Name,
		Description: optionalString(req.Description),
	}
	if err := s.store.Create(ctx, department); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create department")
	}
	s.invalidate(ctx)
	return department, nil
}

// Update modifies an existing department.
func (s *DepartmentService) Update(ctx context.Context, id string, req dto.DepartmentRequest) (*models.Department, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid department payload")
	}
	department, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	department.Code = req.Code
	department.Name = req.Name
	department.Description = optionalString(req.Description)
	if err := s.store.Update(ctx, department); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update department")
	}
	s.invalidate(ctx)
	return department, nil
}

func (s *DepartmentService) invalidate(ctx context.Context) {
	if err := s.cache.Invalidate(ctx, departmentCacheKey+"*"); err != nil {
		s.logger.Debug("department cache invalidate failed", zap.Error(err))
	}
}
