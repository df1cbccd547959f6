package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/facultydesk/proxy-api/internal/middleware"
	"github.com/facultydesk/proxy-api/internal/models"
	"github.com/facultydesk/proxy-api/internal/repository"
	"github.com/facultydesk/proxy-api/internal/service"
)

type ledgerStub struct {
	requests map[string]*models.ProxyRequest
}

func (s *ledgerStub) Create(ctx context.Context, request *models.ProxyRequest) error {
	if request.ID == "" {
		request.ID = fmt.Sprintf("req-%d", len(s.requests)+1)
	}
	s.requests[request.ID] = request
	return nil
}

func (s *ledgerStub) GetByID(ctx context.Context, id string) (*models.ProxyRequest, error) {
	request, ok := s.requests[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copy := *request
	return &copy, nil
}

func (s *ledgerStub) List(ctx context.Context, filter models.ProxyRequestFilter) ([]models.ProxyRequest, error) {
	result := make([]models.ProxyRequest, 0, len(s.requests))
	for _, request := range s.requests {
		result = append(result, *request)
	}
	return result, nil
}

func (s *ledgerStub) CompareAndSetStatus(ctx context.Context, params repository.TransitionParams) error {
	request, ok := s.requests[params.ID]
	if !ok || request.Status != params.Expected {
		return sql.ErrNoRows
	}
	request.Status = params.NewStatus
	if params.ProxyFacultyID != nil {
		request.ProxyFacultyID = params.ProxyFacultyID
	}
	if params.HODApproverID != nil {
		request.HODApproverID = params.HODApproverID
	}
	if params.DecisionNote != nil {
		request.DecisionNote = params.DecisionNote
	}
	if params.RespondedAt != nil {
		request.RespondedAt = params.RespondedAt
	}
	if params.HODApprovedAt != nil {
		request.HODApprovedAt = params.HODApprovedAt
	}
	return nil
}

func (s *ledgerStub) ApproveWithLeaveDebit(ctx context.Context, params repository.ApproveParams) error {
	return s.CompareAndSetStatus(ctx, params.Transition)
}

func (s *ledgerStub) ExpireOverdue(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

type identityStub struct {
	users map[string]*models.User
}

func (s *identityStub) FindByID(ctx context.Context, id string) (*models.User, error) {
	user, ok := s.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return user, nil
}

func (s *identityStub) HoldsSubject(ctx context.Context, userID, subjectID string) (bool, error) {
	return true, nil
}

func (s *identityStub) DepartmentOf(ctx context.Context, userID string) (*string, error) {
	user, ok := s.users[userID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return user.DepartmentID, nil
}

func (s *identityStub) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	return nil
}

type proxyHandlerFixture struct {
	router *gin.Engine
	ledger *ledgerStub
	claims map[string]*models.JWTClaims
	actor  string
}

func newProxyHandlerFixture(t *testing.T) *proxyHandlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dept := "dept-cs"
	identity := &identityStub{users: map[string]*models.User{
		"requester": {ID: "requester", Role: models.RoleFaculty, DepartmentID: &dept, Active: true, FirstName: "Asha", LastName: "Rao"},
		"peer":      {ID: "peer", Role: models.RoleFaculty, DepartmentID: &dept, Active: true, FirstName: "Ravi", LastName: "Iyer"},
		"hod":       {ID: "hod", Role: models.RoleHOD, DepartmentID: &dept, Active: true, FirstName: "Meera", LastName: "Nair"},
	}}
	ledger := &ledgerStub{requests: make(map[string]*models.ProxyRequest)}
	svc := service.NewProxyService(ledger, identity, nil, repository.LeaveDefaults{Casual: 12, Sick: 12, Earned: 30}, nil)
	h := NewProxyHandler(svc)

	fixture := &proxyHandlerFixture{
		ledger: ledger,
		claims: make(map[string]*models.JWTClaims),
		actor:  "requester",
	}
	for id, user := range identity.users {
		fixture.claims[id] = &models.JWTClaims{UserID: id, Role: user.Role, DepartmentID: user.DepartmentID}
	}

	router := gin.New()
	router.Use(func(c *gin.Context) {
		if claims, ok := fixture.claims[fixture.actor]; ok {
			c.Set(middleware.ContextUserKey, claims)
		}
		c.Next()
	})
	router.POST("/proxy-requests", h.Create)
	router.GET("/proxy-requests", h.List)
	router.GET("/proxy-requests/:id", h.Get)
	router.POST("/proxy-requests/:id/accept", h.Accept)
	router.POST("/proxy-requests/:id/decline", h.Decline)
	router.POST("/proxy-requests/:id/approve", h.Approve)
	router.POST("/proxy-requests/:id/reject", h.Reject)
	router.POST("/proxy-requests/:id/cancel", h.Cancel)
	fixture.router = router
	return fixture
}

func (f *proxyHandlerFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *proxyHandlerFixture) createPending(t *testing.T) string {
	t.Helper()
	f.actor = "requester"
	date := time.Now().UTC().AddDate(0, 0, 7).Format("2006-01-02")
	rec := f.do(http.MethodPost, "/proxy-requests",
		fmt.Sprintf(`{"subject_id":"subj-algo","date":%q,"lecture_slot":3,"reason":"conference travel"}`, date))
	require.Equal(t, http.StatusCreated, rec.Code)

	var envelope struct {
		Data models.ProxyRequest `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Equal(t, models.ProxyStatusPending, envelope.Data.Status)
	return envelope.Data.ID
}

func TestProxyHandlerCreate(t *testing.T) {
	f := newProxyHandlerFixture(t)
	id := f.createPending(t)
	require.NotEmpty(t, id)
}

func TestProxyHandlerCreateRejectsMalformedBody(t *testing.T) {
	f := newProxyHandlerFixture(t)

	rec := f.do(http.MethodPost, "/proxy-requests", `{"subject_id":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/proxy-requests",
		`{"subject_id":"subj-algo","date":"2030-01-05","lecture_slot":12,"reason":"travel"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Equal(t, "INVALID_SLOT", envelope.Error.Code)
}

func TestProxyHandlerAcceptStatusCodes(t *testing.T) {
	f := newProxyHandlerFixture(t)
	id := f.createPending(t)

	f.actor = "peer"
	rec := f.do(http.MethodPost, "/proxy-requests/"+id+"/accept", "")
	require.Equal(t, http.StatusOK, rec.Code)

	// Second accept maps to 409.
	rec = f.do(http.MethodPost, "/proxy-requests/"+id+"/accept", "")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodPost, "/proxy-requests/missing/accept", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProxyHandlerDecline(t *testing.T) {
	f := newProxyHandlerFixture(t)
	id := f.createPending(t)

	f.actor = "peer"
	rec := f.do(http.MethodPost, "/proxy-requests/"+id+"/decline", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, rec.Body.String())
}

func TestProxyHandlerApproveWithAndWithoutBody(t *testing.T) {
	f := newProxyHandlerFixture(t)
	id := f.createPending(t)

	f.actor = "peer"
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/proxy-requests/"+id+"/accept", "").Code)

	// Note body is optional on decisions.
	f.actor = "hod"
	rec := f.do(http.MethodPost, "/proxy-requests/"+id+"/approve", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var envelope struct {
		Data models.ProxyRequest `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Equal(t, models.ProxyStatusHODApproved, envelope.Data.Status)

	// Terminal state now maps to 422.
	rec = f.do(http.MethodPost, "/proxy-requests/"+id+"/approve", `{"note":"again"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestProxyHandlerRejectCarriesNote(t *testing.T) {
	f := newProxyHandlerFixture(t)
	id := f.createPending(t)

	f.actor = "peer"
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/proxy-requests/"+id+"/accept", "").Code)

	f.actor = "hod"
	rec := f.do(http.MethodPost, "/proxy-requests/"+id+"/reject", `{"note":"no cover needed"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var envelope struct {
		Data models.ProxyRequest `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Equal(t, models.ProxyStatusHODRejected, envelope.Data.Status)
	require.NotNil(t, envelope.Data.DecisionNote)
	require.Equal(t, "no cover needed", *envelope.Data.DecisionNote)
}

func TestProxyHandlerCancelForbiddenForOthers(t *testing.T) {
	f := newProxyHandlerFixture(t)
	id := f.createPending(t)

	f.actor = "peer"
	rec := f.do(http.MethodPost, "/proxy-requests/"+id+"/cancel", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	f.actor = "requester"
	rec = f.do(http.MethodPost, "/proxy-requests/"+id+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestProxyHandlerRequiresAuthentication(t *testing.T) {
	f := newProxyHandlerFixture(t)
	f.actor = "nobody"

	rec := f.do(http.MethodGet, "/proxy-requests", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProxyHandlerListParsesFilters(t *testing.T) {
	f := newProxyHandlerFixture(t)
	f.createPending(t)

	rec := f.do(http.MethodGet, "/proxy-requests?status=pending,bogus&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var envelope struct {
		Data []models.ProxyRequest `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Len(t, envelope.Data, 1)
}
