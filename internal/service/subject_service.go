package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/facultydesk/proxy-api/internal/dto"
	"github.com/facultydesk/proxy-api/internal/models"
	appErrors "github.com/facultydesk/proxy-api/pkg/errors"
)

const subjectCachePrefix = "catalog:subjects"

type subjectStore interface {
	Create(ctx context.Context, subject *models.Subject) error
	GetByID(ctx context.Context, id string) (*models.Subject, error)
	List(ctx context.Context, departmentID string) ([]models.Subject, error)
	ListByFaculty(ctx context.Context, userID string) ([]models.Subject, error)
	Update(ctx context.Context, subject *models.Subject) error
}

// SubjectService manages the subject catalog.
type SubjectService struct {
	store       subjectStore
	departments departmentLookup
	cache       *CacheService
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewSubjectService creates a new SubjectService.
func NewSubjectService(store subjectStore, departments departmentLookup, cache *CacheService, logger *zap.Logger) *SubjectService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubjectService{
		store:       store,
		departments: departments,
		cache:       cache,
		validator:   validator.New(),
		logger:      logger,
	}
}

// List returns subjects, optionally scoped to a department, served from
// cache when warm.
func (s *SubjectService) List(ctx context.Context, departmentID string) ([]models.Subject, error) {
	key := subjectCacheKey(departmentID)
	var cached []models.Subject
	if hit, err := s.cache.Get(ctx, key, &cached); err == nil && hit {
		return cached, nil
	}

	subjects, err := s.store.List(ctx, departmentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list subjects")
	}
	if err := s.cache.Set(ctx, key, subjects, 0); err != nil {
		s.logger.Debug("subject cache set failed", zap.Error(err))
	}
	return subjects, nil
}

// ListByFaculty returns the subjects a faculty member holds. Not cached:
// assignments change with staffing, not with the catalog.
func (s *SubjectService) ListByFaculty(ctx context.Context, userID string) ([]models.Subject, error) {
	subjects, err := s.store.ListByFaculty(ctx, userID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list faculty subjects")
	}
	return subjects, nil
}

// Get returns a single subject.
func (s *SubjectService) Get(ctx context.Context, id string) (*models.Subject, error) {
	subject, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subject")
	}
	return subject, nil
}

// Create adds a subject to the catalog.
func (s *SubjectService) Create(ctx context.Context, req dto.SubjectRequest) (*models.Subject, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid subject payload")
	}
	if _, err := s.departments.GetByID(ctx, req.DepartmentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrValidation, "department does not exist")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to verify department")
	}
	subject := &models.Subject{
		Code:         req.Code,
		Name:         req.Name,
		DepartmentID: req.DepartmentID,
		Credits:      req.Credits,
		Semester:     req.Semester,
	}
	if err := s.store.Create(ctx, subject); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create subject")
	}
	s.invalidate(ctx)
	return subject, nil
}

// Update modifies an existing subject.
func (s *SubjectService) Update(ctx context.Context, id string, req dto.SubjectRequest) (*models.Subject, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid subject payload")
	}
	subject, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.departments.GetByID(ctx, req.DepartmentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrValidation, "department does not exist")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to verify department")
	}
	subject.Code = req.Code
	subject.Name = req.Name
	subject.DepartmentID = req.DepartmentID
	subject.Credits = req.Credits
	subject.Semester = req.Semester
	if err := s.store.Update(ctx, subject); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update subject")
	}
	s.invalidate(ctx)
	return subject, nil
}

func (s *SubjectService) invalidate(ctx context.Context) {
	if err := s.cache.Invalidate(ctx, subjectCachePrefix+"*"); err != nil {
		s.logger.Debug("subject cache invalidate failed", zap.Error(err))
	}
}

func subjectCacheKey(departmentID string) string {
	if departmentID == "" {
		return subjectCachePrefix + ":all"
	}
	return fmt.Sprintf("%s:dept:%s", subjectCachePrefix, departmentID)
}
