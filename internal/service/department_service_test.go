package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/facultydesk/proxy-api/internal/dto"
	"github.com/facultydesk/proxy-api/internal/models"
	appErrors "github.com/facultydesk/proxy-api/pkg/errors"
)

type departmentStoreStub struct {
	departments map[string]*models.Department
	listCalls   int
}

func newDepartmentStoreStub() *departmentStoreStub {
	return &departmentStoreStub{departments: make(map[string]*models.Department)}
}

func (s *departmentStoreStub) Create(ctx context.Context, department *models.Department) error {
	if department.ID == "" {
		department.ID = fmt.Sprintf("dept-%d", len(s.departments)+1)
	}
	s.departments[department.ID] = department
	return nil
}

func (s *departmentStoreStub) GetByID(ctx context.Context, id string) (*models.Department, error) {
	department, ok := s.departments[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copy := *department
	return &copy, nil
}

func (s *departmentStoreStub) List(ctx context.Context) ([]models.Department, error) {
	s.listCalls++
	result := make([]models.Department, 0, len(s.departments))
	for _, department := range s.departments {
		result = append(result, *department)
	}
	return result, nil
}

func (s *departmentStoreStub) Update(ctx context.Context, department *models.Department) error {
	if _, ok := s.departments[department.ID]; !ok {
		return sql.ErrNoRows
	}
	s.departments[department.ID] = department
	return nil
}

type cacheRepoStub struct {
	entries map[string][]byte
}

func (s *cacheRepoStub) Get(ctx context.Context, key string, dest interface{}) error {
	raw, ok := s.entries[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (s *cacheRepoStub) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.entries[key] = raw
	return nil
}

func (s *cacheRepoStub) DeleteByPattern(ctx context.Context, pattern string) error {
	s.entries = make(map[string][]byte)
	return nil
}

func newDepartmentFixture() (*DepartmentService, *departmentStoreStub, *cacheRepoStub) {
	store := newDepartmentStoreStub()
	cacheRepo := &cacheRepoStub{entries: make(map[string][]byte)}
	cache := NewCacheService(cacheRepo, nil, time.Minute, nil, true)
	return NewDepartmentService(store, cache, nil), store, cacheRepo
}

func TestDepartmentServiceCreate(t *testing.T) {
	svc, store, _ := newDepartmentFixture()

	created, err := svc.Create(context.Background(), dto.DepartmentRequest{
		Code:        "CS",
		Name:        "Computer Science",
		Description: "Core computing department",
	})
	require.NoError(t, err)
	require.NotNil(t, created.Description)
	require.Equal(t, "Core computing department", *created.Description)
	require.Contains(t, store.departments, created.ID)

	// An omitted description stays NULL, not empty string.
	bare, err := svc.Create(context.Background(), dto.DepartmentRequest{Code: "ME", Name: "Mechanical"})
	require.NoError(t, err)
	require.Nil(t, bare.Description)
}

func TestDepartmentServiceCreateValidates(t *testing.T) {
	svc, _, _ := newDepartmentFixture()

	_, err := svc.Create(context.Background(), dto.DepartmentRequest{Code: "C", Name: "X"})
	require.Equal(t, "VALIDATION_ERROR", appErrors.FromError(err).Code)
}

func TestDepartmentServiceUpdate(t *testing.T) {
	svc, _, _ := newDepartmentFixture()

	created, err := svc.Create(context.Background(), dto.DepartmentRequest{
		Code: "CS", Name: "Computer Science", Description: "Old blurb",
	})
	require.NoError(t, err)

	updated, err := svc.Update(context.Background(), created.ID, dto.DepartmentRequest{
		Code: "CSE", Name: "Computer Science & Engineering",
	})
	require.NoError(t, err)
	require.Equal(t, "CSE", updated.Code)
	require.Nil(t, updated.Description)

	_, err = svc.Update(context.Background(), "missing", dto.DepartmentRequest{Code: "EE", Name: "Electrical"})
	require.Equal(t, "NOT_FOUND", appErrors.FromError(err).Code)
}

func TestDepartmentServiceListCachesAndInvalidates(t *testing.T) {
	svc, store, cacheRepo := newDepartmentFixture()

	_, err := svc.Create(context.Background(), dto.DepartmentRequest{Code: "CS", Name: "Computer Science"})
	require.NoError(t, err)

	first, err := svc.List(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Second read is served from cache.
	_, err = svc.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, store.listCalls)

	// A write flushes the catalog cache.
	_, err = svc.Create(context.Background(), dto.DepartmentRequest{Code: "ME", Name: "Mechanical"})
	require.NoError(t, err)
	require.Empty(t, cacheRepo.entries)

	second, err := svc.List(context.Background())
	require.NoError(t, err)
	require.Len(t, second, 2)
	require.Equal(t, 2, store.listCalls)
}
