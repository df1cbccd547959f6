package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/facultydesk/proxy-api/internal/dto"
	"github.com/facultydesk/proxy-api/internal/models"
	"github.com/facultydesk/proxy-api/internal/repository"
	appErrors "github.com/facultydesk/proxy-api/pkg/errors"
)

type proxyLedgerStub struct {
	mu       sync.Mutex
	requests map[string]*models.ProxyRequest
	// remaining leave units per user/year/type
	leave map[string]int
}

func newProxyLedgerStub() *proxyLedgerStub {
	return &proxyLedgerStub{
		requests: make(map[string]*models.ProxyRequest),
		leave:    make(map[string]int),
	}
}

func leaveKey(userID string, year int, t models.LeaveType) string {
	return fmt.Sprintf("%s/%d/%s", userID, year, t)
}

func (s *proxyLedgerStub) Create(ctx context.Context, request *models.ProxyRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if request.ID == "" {
		request.ID = fmt.Sprintf("req-%d", len(s.requests)+1)
	}
	copy := *request
	s.requests[request.ID] = &copy
	return nil
}

func (s *proxyLedgerStub) GetByID(ctx context.Context, id string) (*models.ProxyRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	request, ok := s.requests[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copy := *request
	return &copy, nil
}

func (s *proxyLedgerStub) List(ctx context.Context, filter models.ProxyRequestFilter) ([]models.ProxyRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]models.ProxyRequest, 0, len(s.requests))
	for _, request := range s.requests {
		if filter.RequesterID != "" && request.RequestingFacultyID != filter.RequesterID {
			continue
		}
		if filter.ProxyID != "" && (request.ProxyFacultyID == nil || *request.ProxyFacultyID != filter.ProxyID) {
			continue
		}
		if len(filter.Status) > 0 {
			matched := false
			for _, status := range filter.Status {
				if request.Status == status {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		result = append(result, *request)
	}
	return result, nil
}

func (s *proxyLedgerStub) CompareAndSetStatus(ctx context.Context, params repository.TransitionParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.casLocked(params)
}

func (s *proxyLedgerStub) casLocked(params repository.TransitionParams) error {
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

func (s *proxyLedgerStub) ApproveWithLeaveDebit(ctx context.Context, params repository.ApproveParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := leaveKey(params.UserID, params.Year, params.LeaveType)
	if _, ok := s.leave[key]; !ok {
		s.leave[key] = params.Allotment.Casual
	}
	if s.leave[key] <= 0 {
		// Mirrors the transactional contract: the status flip rolls back
		// with the failed debit.
		return repository.ErrLeaveExhausted
	}
	if err := s.casLocked(params.Transition); err != nil {
		return err
	}
	s.leave[key]--
	return nil
}

func (s *proxyLedgerStub) ExpireOverdue(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, request := range s.requests {
		if request.Status == models.ProxyStatusPending && request.Date.Before(before) {
			request.Status = models.ProxyStatusCancelled
			count++
		}
	}
	return count, nil
}

func (s *proxyLedgerStub) remaining(userID string, year int, t models.LeaveType) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.leave[leaveKey(userID, year, t)]
	return value, ok
}

type identityStoreStub struct {
	mu       sync.Mutex
	users    map[string]*models.User
	holdings map[string]map[string]bool
	audits   []*models.AuditLog
}

func newIdentityStoreStub() *identityStoreStub {
	return &identityStoreStub{
		users:    make(map[string]*models.User),
		holdings: make(map[string]map[string]bool),
	}
}

func (s *identityStoreStub) addUser(id string, role models.UserRole, departmentID string, active bool) {
	var dept *string
	if departmentID != "" {
		dept = &departmentID
	}
	s.users[id] = &models.User{
		ID:           id,
		Email:        id + "@faculty.edu",
		FirstName:    "Test",
		LastName:     id,
		Role:         role,
		DepartmentID: dept,
		Active:       active,
	}
}

func (s *identityStoreStub) assign(userID, subjectID string) {
	if s.holdings[userID] == nil {
		s.holdings[userID] = make(map[string]bool)
	}
	s.holdings[userID][subjectID] = true
}

func (s *identityStoreStub) FindByID(ctx context.Context, id string) (*models.User, error) {
	user, ok := s.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copy := *user
	return &copy, nil
}

func (s *identityStoreStub) HoldsSubject(ctx context.Context, userID, subjectID string) (bool, error) {
	return s.holdings[userID][subjectID], nil
}

func (s *identityStoreStub) DepartmentOf(ctx context.Context, userID string) (*string, error) {
	user, ok := s.users[userID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return user.DepartmentID, nil
}

func (s *identityStoreStub) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, log)
	return nil
}

func (s *identityStoreStub) auditActions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	actions := make([]string, len(s.audits))
	for i, log := range s.audits {
		actions[i] = log.Action
	}
	return actions
}

type notifierStub struct {
	mu       sync.Mutex
	messages []string
}

func (n *notifierStub) Notify(ctx context.Context, userID, title, message string, kind models.NotificationType) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, userID+": "+title)
}

func (n *notifierStub) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages)
}

func claimsFor(user *models.User) *models.JWTClaims {
	return &models.JWTClaims{
		UserID:       user.ID,
		Role:         user.Role,
		Email:        user.Email,
		DepartmentID: user.DepartmentID,
	}
}

type proxyFixture struct {
	ledger   *proxyLedgerStub
	identity *identityStoreStub
	notifier *notifierStub
	svc      *ProxyService
	now      time.Time
}

func newProxyFixture(t *testing.T) *proxyFixture {
	t.Helper()
	ledger := newProxyLedgerStub()
	identity := newIdentityStoreStub()
	notifier := &notifierStub{}

	identity.addUser("requester", models.RoleFaculty, "dept-cs", true)
	identity.addUser("peer", models.RoleFaculty, "dept-cs", true)
	identity.addUser("peer2", models.RoleFaculty, "dept-cs", true)
	identity.addUser("hod-cs", models.RoleHOD, "dept-cs", true)
	identity.addUser("hod-math", models.RoleHOD, "dept-math", true)
	identity.addUser("inactive", models.RoleFaculty, "dept-cs", false)
	identity.assign("requester", "subj-algo")
	identity.assign("peer", "subj-algo")
	identity.assign("peer2", "subj-algo")

	fixture := &proxyFixture{
		ledger:   ledger,
		identity: identity,
		notifier: notifier,
		now:      time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	fixture.svc = NewProxyService(ledger, identity, notifier, repository.LeaveDefaults{Casual: 12, Sick: 12, Earned: 30}, nil,
		WithClock(func() time.Time { return fixture.now }))
	return fixture
}

func (f *proxyFixture) claims(id string) *models.JWTClaims {
	return claimsFor(f.identity.users[id])
}

func (f *proxyFixture) createRequest(t *testing.T) *models.ProxyRequest {
	t.Helper()
	request, err := f.svc.Create(context.Background(), dto.CreateProxyRequest{
		SubjectID:   "subj-algo",
		Date:        "2026-03-12",
		LectureSlot: 3,
		Reason:      "conference travel",
	}, f.claims("requester"))
	require.NoError(t, err)
	return request
}

func errCode(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	return appErrors.FromError(err).Code
}

func TestProxyServiceCreate(t *testing.T) {
	f := newProxyFixture(t)

	request := f.createRequest(t)
	require.Equal(t, models.ProxyStatusPending, request.Status)
	require.Equal(t, models.LeaveCasual, request.LeaveType)
	require.Nil(t, request.ProxyFacultyID)
	require.Contains(t, f.identity.auditActions(), models.AuditActionProxyCreate)
}

func TestProxyServiceCreateRejectsBadInput(t *testing.T) {
	f := newProxyFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, dto.CreateProxyRequest{
		SubjectID: "subj-algo", Date: "2026-03-12", LectureSlot: 9, Reason: "travel",
	}, f.claims("requester"))
	require.Equal(t, "INVALID_SLOT", errCode(t, err))

	_, err = f.svc.Create(ctx, dto.CreateProxyRequest{
		SubjectID: "subj-algo", Date: "2026-03-01", LectureSlot: 3, Reason: "travel",
	}, f.claims("requester"))
	require.Equal(t, "VALIDATION_ERROR", errCode(t, err))

	// Subject not held by the requester.
	_, err = f.svc.Create(ctx, dto.CreateProxyRequest{
		SubjectID: "subj-physics", Date: "2026-03-12", LectureSlot: 3, Reason: "travel",
	}, f.claims("requester"))
	require.Equal(t, "VALIDATION_ERROR", errCode(t, err))

	_, err = f.svc.Create(ctx, dto.CreateProxyRequest{
		SubjectID: "subj-algo", Date: "2026-03-12", LectureSlot: 3, Reason: "travel",
	}, f.claims("hod-cs"))
	require.Equal(t, "FORBIDDEN", errCode(t, err))

	_, err = f.svc.Create(ctx, dto.CreateProxyRequest{
		SubjectID: "subj-algo", Date: "2026-03-12", LectureSlot: 3, Reason: "travel",
	}, f.claims("inactive"))
	require.Equal(t, "ACCOUNT_INACTIVE", errCode(t, err))
}

func TestProxyServiceAccept(t *testing.T) {
	f := newProxyFixture(t)
	ctx := context.Background()
	request := f.createRequest(t)

	accepted, err := f.svc.Accept(ctx, request.ID, f.claims("peer"))
	require.NoError(t, err)
	require.Equal(t, models.ProxyStatusAccepted, accepted.Status)
	require.NotNil(t, accepted.ProxyFacultyID)
	require.Equal(t, "peer", *accepted.ProxyFacultyID)
	require.NotNil(t, accepted.RespondedAt)
	require.Equal(t, 1, f.notifier.count())
}

func TestProxyServiceAcceptGuards(t *testing.T) {
	f := newProxyFixture(t)
	ctx := context.Background()
	request := f.createRequest(t)

	_, err := f.svc.Accept(ctx, request.ID, f.claims("requester"))
	require.Equal(t, "FORBIDDEN", errCode(t, err))

	// peer without the subject assignment
	f.identity.addUser("outsider", models.RoleFaculty, "dept-cs", true)
	_, err = f.svc.Accept(ctx, request.ID, f.claims("outsider"))
	require.Equal(t, "FORBIDDEN", errCode(t, err))

	_, err = f.svc.Accept(ctx, "missing", f.claims("peer"))
	require.Equal(t, "NOT_FOUND", errCode(t, err))
}

func TestProxyServiceConcurrentAcceptSingleWinner(t *testing.T) {
	f := newProxyFixture(t)
	ctx := context.Background()
	request := f.createRequest(t)

	actors := []string{"peer", "peer2"}
	results := make([]error, len(actors))
	var wg sync.WaitGroup
	for i, actor := range actors {
		wg.Add(1)
		go func(i int, actor string) {
			defer wg.Done()
			_, results[i] = f.svc.Accept(ctx, request.ID, f.claims(actor))
		}(i, actor)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		require.Equal(t, "CONFLICT", appErrors.FromError(err).Code)
		conflicts++
	}
	require.Equal(t, 1, wins)
	require.Equal(t, 1, conflicts)

	stored, err := f.ledger.GetByID(ctx, request.ID)
	require.NoError(t, err)
	require.Equal(t, models.ProxyStatusAccepted, stored.Status)
	require.NotNil(t, stored.ProxyFacultyID)
}

func TestProxyServiceDeclineKeepsRequestOpen(t *testing.T) {
	f := newProxyFixture(t)
	ctx := context.Background()
	request := f.createRequest(t)

	require.NoError(t, f.svc.Decline(ctx, request.ID, f.claims("peer")))

	stored, err := f.ledger.GetByID(ctx, request.ID)
	require.NoError(t, err)
	require.Equal(t, models.ProxyStatusPending, stored.Status)
	require.Contains(t, f.identity.auditActions(), models.AuditActionProxyDecline)

	// A later accept by someone else still succeeds.
	_, err = f.svc.Accept(ctx, request.ID, f.claims("peer2"))
	require.NoError(t, err)
}

func TestProxyServiceApproveDebitsLeave(t *testing.T) {
	f := newProxyFixture(t)
	ctx := context.Background()
	request := f.createRequest(t)
	_, err := f.svc.Accept(ctx, request.ID, f.claims("peer"))
	require.NoError(t, err)

	approved, err := f.svc.Approve(ctx, request.ID, dto.DecisionRequest{Note: "approved"}, f.claims("hod-cs"))
	require.NoError(t, err)
	require.Equal(t, models.ProxyStatusHODApproved, approved.Status)
	require.NotNil(t, approved.HODApproverID)
	require.Equal(t, "hod-cs", *approved.HODApproverID)
	require.NotNil(t, approved.HODApprovedAt)

	remaining, ok := f.ledger.remaining("requester", 2026, models.LeaveCasual)
	require.True(t, ok)
	require.Equal(t, 11, remaining)
}

func TestProxyServiceApproveGuards(t *testing.T) {
	f := newProxyFixture(t)
	ctx := context.Background()
	request := f.createRequest(t)

	// Approve before any accept.
	_, err := f.svc.Approve(ctx, request.ID, dto.DecisionRequest{}, f.claims("hod-cs"))
	require.Equal(t, "INVALID_STATE", errCode(t, err))

	_, err = f.svc.Accept(ctx, request.ID, f.claims("peer"))
	require.NoError(t, err)

	// HOD from another department.
	_, err = f.svc.Approve(ctx, request.ID, dto.DecisionRequest{}, f.claims("hod-math"))
	require.Equal(t, "FORBIDDEN", errCode(t, err))

	// Faculty cannot approve.
	_, err = f.svc.Approve(ctx, request.ID, dto.DecisionRequest{}, f.claims("peer"))
	require.Equal(t, "FORBIDDEN", errCode(t, err))
}

func TestProxyServiceApproveLeaveExhausted(t *testing.T) {
	f := newProxyFixture(t)
	ctx := context.Background()
	request := f.createRequest(t)
	_, err := f.svc.Accept(ctx, request.ID, f.claims("peer"))
	require.NoError(t, err)

	f.ledger.leave[leaveKey("requester", 2026, models.LeaveCasual)] = 0

	_, err = f.svc.Approve(ctx, request.ID, dto.DecisionRequest{}, f.claims("hod-cs"))
	require.Equal(t, "LEAVE_EXHAUSTED", errCode(t, err))

	// The failed debit must not leave the request approved.
	stored, err := f.ledger.GetByID(ctx, request.ID)
	require.NoError(t, err)
	require.Equal(t, models.ProxyStatusAccepted, stored.Status)
}

func TestProxyServiceRejectLeavesBalanceUntouched(t *testing.T) {
	f := newProxyFixture(t)
	ctx := context.Background()
	request := f.createRequest(t)
	_, err := f.svc.Accept(ctx, request.ID, f.claims("peer"))
	require.NoError(t, err)

	rejected, err := f.svc.Reject(ctx, request.ID, dto.DecisionRequest{Note: "no cover needed"}, f.claims("hod-cs"))
	require.NoError(t, err)
	require.Equal(t, models.ProxyStatusHODRejected, rejected.Status)
	require.NotNil(t, rejected.DecisionNote)

	_, ok := f.ledger.remaining("requester", 2026, models.LeaveCasual)
	require.False(t, ok)

	// Terminal: nothing moves it again.
	_, err = f.svc.Accept(ctx, request.ID, f.claims("peer2"))
	require.Equal(t, "INVALID_STATE", errCode(t, err))
	_, err = f.svc.Cancel(ctx, request.ID, f.claims("requester"))
	require.Equal(t, "INVALID_STATE", errCode(t, err))
}

func TestProxyServiceCancel(t *testing.T) {
	f := newProxyFixture(t)
	ctx := context.Background()
	request := f.createRequest(t)

	_, err := f.svc.Cancel(ctx, request.ID, f.claims("peer"))
	require.Equal(t, "FORBIDDEN", errCode(t, err))

	cancelled, err := f.svc.Cancel(ctx, request.ID, f.claims("requester"))
	require.NoError(t, err)
	require.Equal(t, models.ProxyStatusCancelled, cancelled.Status)

	// Cancel of a cancelled request reports the state, it does not loop.
	_, err = f.svc.Cancel(ctx, request.ID, f.claims("requester"))
	require.Equal(t, "INVALID_STATE", errCode(t, err))
}

func TestProxyServiceCancelRequiresActiveRequester(t *testing.T) {
	f := newProxyFixture(t)
	ctx := context.Background()
	request := f.createRequest(t)

	f.identity.users["requester"].Active = false

	_, err := f.svc.Cancel(ctx, request.ID, f.claims("requester"))
	require.Equal(t, "ACCOUNT_INACTIVE", errCode(t, err))

	stored, err := f.ledger.GetByID(ctx, request.ID)
	require.NoError(t, err)
	require.Equal(t, models.ProxyStatusPending, stored.Status)
}

func TestProxyServiceCancelAfterAcceptNotifiesProxy(t *testing.T) {
	f := newProxyFixture(t)
	ctx := context.Background()
	request := f.createRequest(t)
	_, err := f.svc.Accept(ctx, request.ID, f.claims("peer"))
	require.NoError(t, err)
	before := f.notifier.count()

	cancelled, err := f.svc.Cancel(ctx, request.ID, f.claims("requester"))
	require.NoError(t, err)
	require.Equal(t, models.ProxyStatusCancelled, cancelled.Status)
	require.Equal(t, before+1, f.notifier.count())
}

func TestProxyServiceLazyExpiry(t *testing.T) {
	f := newProxyFixture(t)
	ctx := context.Background()
	request := f.createRequest(t)

	// Move past the lecture date.
	f.now = time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC)

	_, err := f.svc.Accept(ctx, request.ID, f.claims("peer"))
	require.Equal(t, "INVALID_STATE", errCode(t, err))

	stored, err := f.ledger.GetByID(ctx, request.ID)
	require.NoError(t, err)
	require.Equal(t, models.ProxyStatusCancelled, stored.Status)
	require.Contains(t, f.identity.auditActions(), models.AuditActionProxyExpire)
}

func TestProxyServiceExpireOverdueSweep(t *testing.T) {
	f := newProxyFixture(t)
	ctx := context.Background()
	f.createRequest(t)
	f.createRequest(t)

	f.now = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	count, err := f.svc.ExpireOverdue(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
}

func TestProxyServiceListScopes(t *testing.T) {
	f := newProxyFixture(t)
	ctx := context.Background()
	request := f.createRequest(t)
	_, err := f.svc.Accept(ctx, request.ID, f.claims("peer"))
	require.NoError(t, err)

	mine, err := f.svc.List(ctx, dto.ProxyQuery{}, f.claims("requester"))
	require.NoError(t, err)
	require.Len(t, mine, 1)

	assigned, err := f.svc.List(ctx, dto.ProxyQuery{Scope: "assigned"}, f.claims("peer"))
	require.NoError(t, err)
	require.Len(t, assigned, 1)

	open, err := f.svc.List(ctx, dto.ProxyQuery{Scope: "open"}, f.claims("peer2"))
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestProxyServiceFullLifecycle(t *testing.T) {
	f := newProxyFixture(t)
	ctx := context.Background()

	request := f.createRequest(t)
	require.Equal(t, models.ProxyStatusPending, request.Status)

	accepted, err := f.svc.Accept(ctx, request.ID, f.claims("peer"))
	require.NoError(t, err)
	require.Equal(t, models.ProxyStatusAccepted, accepted.Status)

	approved, err := f.svc.Approve(ctx, request.ID, dto.DecisionRequest{Note: "covered"}, f.claims("hod-cs"))
	require.NoError(t, err)
	require.Equal(t, models.ProxyStatusHODApproved, approved.Status)

	// Every later transition attempt observes the terminal state.
	_, err = f.svc.Accept(ctx, request.ID, f.claims("peer2"))
	require.Equal(t, "INVALID_STATE", errCode(t, err))
	_, err = f.svc.Approve(ctx, request.ID, dto.DecisionRequest{}, f.claims("hod-cs"))
	require.Equal(t, "INVALID_STATE", errCode(t, err))

	actions := f.identity.auditActions()
	require.Contains(t, actions, models.AuditActionProxyCreate)
	require.Contains(t, actions, models.AuditActionProxyAccept)
	require.Contains(t, actions, models.AuditActionProxyApprove)
}
