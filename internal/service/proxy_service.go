package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/facultydesk/proxy-api/internal/dto"
	"github.com/facultydesk/proxy-api/internal/models"
	"github.com/facultydesk/proxy-api/internal/repository"
	appErrors "github.com/facultydesk/proxy-api/pkg/errors"
)

type proxyLedger interface {
	Create(ctx context.Context, request *models.ProxyRequest) error
	GetByID(ctx context.Context, id string) (*models.ProxyRequest, error)
	List(ctx context.Context, filter models.ProxyRequestFilter) ([]models.ProxyRequest, error)
	CompareAndSetStatus(ctx context.Context, params repository.TransitionParams) error
	ApproveWithLeaveDebit(ctx context.Context, params repository.ApproveParams) error
	ExpireOverdue(ctx context.Context, before time.Time) (int64, error)
}

type identityStore interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	HoldsSubject(ctx context.Context, userID, subjectID string) (bool, error)
	DepartmentOf(ctx context.Context, userID string) (*string, error)
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// Notifier receives (recipient, event) pairs. Fire-and-forget: failures never
// affect the transition that emitted them.
type Notifier interface {
	Notify(ctx context.Context, userID, title, message string, kind models.NotificationType)
}

// ProxyService is the lifecycle engine for proxy requests. It owns the
// transition table, the authorization rules per transition, and the side
// effects each transition triggers. All state lives in the ledger; correctness
// under concurrent callers comes from the ledger's compare-and-set contract.
type ProxyService struct {
	ledger    proxyLedger
	identity  identityStore
	notifier  Notifier
	allotment repository.LeaveDefaults
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// ProxyServiceOption configures the service.
type ProxyServiceOption func(*ProxyService)

// WithMetrics attaches transition instrumentation.
func WithMetrics(metrics *MetricsService) ProxyServiceOption {
	return func(s *ProxyService) {
		s.metrics = metrics
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ProxyServiceOption {
	return func(s *ProxyService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewProxyService constructs the lifecycle engine.
func NewProxyService(ledger proxyLedger, identity identityStore, notifier Notifier, allotment repository.LeaveDefaults, logger *zap.Logger, opts ...ProxyServiceOption) *ProxyService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &ProxyService{
		ledger:    ledger,
		identity:  identity,
		notifier:  notifier,
		allotment: allotment,
		validator: validator.New(),
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Create submits a new proxy request in PENDING state.
func (s *ProxyService) Create(ctx context.Context, req dto.CreateProxyRequest, actor *models.JWTClaims) (*models.ProxyRequest, error) {
	requester, err := s.requireActiveActor(ctx, actor, models.RoleFaculty)
	if err != nil {
		return nil, err
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid proxy request payload")
	}
	if req.LectureSlot < models.MinLectureSlot || req.LectureSlot > models.MaxLectureSlot {
		return nil, appErrors.ErrInvalidSlot
	}
	date, err := time.ParseInLocation("2006-01-02", req.Date, time.UTC)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "date must be formatted as YYYY-MM-DD")
	}
	if date.Before(s.today()) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "lecture date has already passed")
	}
	leaveType := req.LeaveType
	if leaveType == "" {
		leaveType = models.LeaveCasual
	}
	if !leaveType.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "leave type must be CASUAL, SICK, or EARNED")
	}
	holds, err := s.identity.HoldsSubject(ctx, requester.ID, req.SubjectID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check subject holding")
	}
	if !holds {
		return nil, appErrors.Clone(appErrors.ErrValidation, "subject is not assigned to the requester")
	}

	request := &models.ProxyRequest{
		RequestingFacultyID: requester.ID,
		SubjectID:           req.SubjectID,
		Date:                date,
		LectureSlot:         req.LectureSlot,
		Reason:              req.Reason,
		LeaveType:           leaveType,
		Status:              models.ProxyStatusPending,
		RequestedAt:         s.now().UTC(),
	}
	if err := s.ledger.Create(ctx, request); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create proxy request")
	}
	s.emitAudit(ctx, requester.ID, models.AuditActionProxyCreate, request.ID, request)
	return request, nil
}

// Get returns a proxy request enforcing scope constraints.
func (s *ProxyService) Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.ProxyRequest, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	request, err := s.loadRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	switch actor.Role {
	case models.RoleAdmin:
		return request, nil
	case models.RoleHOD:
		requesterDept, err := s.identity.DepartmentOf(ctx, request.RequestingFacultyID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve requester department")
		}
		if actor.DepartmentID == nil || requesterDept == nil || *actor.DepartmentID != *requesterDept {
			return nil, appErrors.ErrForbidden
		}
		return request, nil
	case models.RoleFaculty:
		if request.RequestingFacultyID == actor.UserID {
			return request, nil
		}
		if request.ProxyFacultyID != nil && *request.ProxyFacultyID == actor.UserID {
			return request, nil
		}
		if request.Status == models.ProxyStatusPending {
			return request, nil
		}
		return nil, appErrors.ErrForbidden
	}
	return nil, appErrors.ErrForbidden
}

// List returns proxy requests visible to the actor.
func (s *ProxyService) List(ctx context.Context, query dto.ProxyQuery, actor *models.JWTClaims) ([]models.ProxyRequest, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	filter := models.ProxyRequestFilter{
		Status: query.Status,
		Limit:  query.Limit,
		Offset: query.Offset,
	}
	if query.DateFrom != "" {
		if from, err := time.ParseInLocation("2006-01-02", query.DateFrom, time.UTC); err == nil {
			filter.DateFrom = &from
		}
	}
	if query.DateTo != "" {
		if to, err := time.ParseInLocation("2006-01-02", query.DateTo, time.UTC); err == nil {
			filter.DateTo = &to
		}
	}
	switch actor.Role {
	case models.RoleAdmin:
		// full access, no extra filters
	case models.RoleHOD:
		if actor.DepartmentID == nil {
			return nil, appErrors.ErrForbidden
		}
		filter.DepartmentID = *actor.DepartmentID
	case models.RoleFaculty:
		switch query.Scope {
		case "assigned":
			filter.ProxyID = actor.UserID
		case "open":
			filter.Status = []models.ProxyStatus{models.ProxyStatusPending}
		default:
			filter.RequesterID = actor.UserID
		}
	default:
		return nil, appErrors.ErrForbidden
	}
	requests, err := s.ledger.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list proxy requests")
	}
	return requests, nil
}

// Accept assigns the actor as the covering proxy. First valid accept wins;
// every later attempt observes Conflict or InvalidState.
func (s *ProxyService) Accept(ctx context.Context, id string, actor *models.JWTClaims) (*models.ProxyRequest, error) {
	faculty, err := s.requireActiveActor(ctx, actor, models.RoleFaculty)
	if err != nil {
		return nil, err
	}
	request, err := s.loadRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if expired, err := s.maybeExpire(ctx, request); err != nil {
		return nil, err
	} else if expired {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "request date has passed; request was cancelled")
	}
	switch request.Status {
	case models.ProxyStatusPending:
	case models.ProxyStatusAccepted:
		return nil, appErrors.Clone(appErrors.ErrConflict, "request already accepted by another faculty member")
	default:
		return nil, appErrors.Clone(appErrors.ErrInvalidState, fmt.Sprintf("cannot accept a request in status %s", request.Status))
	}
	if request.RequestingFacultyID == faculty.ID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "requester cannot accept their own request")
	}
	holds, err := s.identity.HoldsSubject(ctx, faculty.ID, request.SubjectID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check subject holding")
	}
	if !holds {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "subject is not assigned to the accepting faculty member")
	}

	now := s.now().UTC()
	err = s.ledger.CompareAndSetStatus(ctx, repository.TransitionParams{
		ID:             request.ID,
		Expected:       models.ProxyStatusPending,
		NewStatus:      models.ProxyStatusAccepted,
		ProxyFacultyID: &faculty.ID,
		RespondedAt:    &now,
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "request already accepted by another faculty member")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to accept proxy request")
	}
	request.Status = models.ProxyStatusAccepted
	request.ProxyFacultyID = &faculty.ID
	request.RespondedAt = &now

	s.emitAudit(ctx, faculty.ID, models.AuditActionProxyAccept, request.ID, request)
	s.notify(ctx, request.RequestingFacultyID, "Proxy Request Accepted",
		fmt.Sprintf("%s accepted your proxy request for %s, slot %d.", faculty.FullName(), request.Date.Format("2006-01-02"), request.LectureSlot),
		models.NotificationSuccess)
	return request, nil
}

// Decline records that the actor will not cover the request. The request
// stays PENDING; the decline is kept for the audit trail.
func (s *ProxyService) Decline(ctx context.Context, id string, actor *models.JWTClaims) error {
	faculty, err := s.requireActiveActor(ctx, actor, models.RoleFaculty)
	if err != nil {
		return err
	}
	request, err := s.loadRequest(ctx, id)
	if err != nil {
		return err
	}
	if request.Status != models.ProxyStatusPending {
		return appErrors.Clone(appErrors.ErrInvalidState, fmt.Sprintf("cannot decline a request in status %s", request.Status))
	}
	if request.RequestingFacultyID == faculty.ID {
		return appErrors.Clone(appErrors.ErrForbidden, "requester cannot decline their own request")
	}

	s.emitAudit(ctx, faculty.ID, models.AuditActionProxyDecline, request.ID, request)
	s.notify(ctx, request.RequestingFacultyID, "Proxy Request Declined",
		fmt.Sprintf("%s declined your proxy request for %s, slot %d.", faculty.FullName(), request.Date.Format("2006-01-02"), request.LectureSlot),
		models.NotificationInfo)
	return nil
}

// Approve applies the HOD decision, debiting one leave unit from the
// requester's balance in the same commit as the status flip.
func (s *ProxyService) Approve(ctx context.Context, id string, req dto.DecisionRequest, actor *models.JWTClaims) (*models.ProxyRequest, error) {
	hod, request, err := s.requireHODDecision(ctx, id, req, actor)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	params := repository.ApproveParams{
		Transition: repository.TransitionParams{
			ID:            request.ID,
			Expected:      models.ProxyStatusAccepted,
			NewStatus:     models.ProxyStatusHODApproved,
			HODApproverID: &hod.ID,
			HODApprovedAt: &now,
			DecisionNote:  optionalString(req.Note),
		},
		UserID:    request.RequestingFacultyID,
		Year:      request.Date.Year(),
		LeaveType: request.LeaveType,
		Allotment: s.allotment,
	}
	if err := s.ledger.ApproveWithLeaveDebit(ctx, params); err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil, appErrors.Clone(appErrors.ErrConflict, "request state changed; refresh and retry")
		case errors.Is(err, repository.ErrLeaveExhausted):
			return nil, appErrors.Clone(appErrors.ErrLeaveExhausted,
				fmt.Sprintf("no %s leave remaining for %d", request.LeaveType, request.Date.Year()))
		default:
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to approve proxy request")
		}
	}
	request.Status = models.ProxyStatusHODApproved
	request.HODApproverID = &hod.ID
	request.HODApprovedAt = &now
	request.DecisionNote = optionalString(req.Note)

	s.emitAudit(ctx, hod.ID, models.AuditActionProxyApprove, request.ID, request)
	message := fmt.Sprintf("Proxy request for %s, slot %d was approved.", request.Date.Format("2006-01-02"), request.LectureSlot)
	s.notify(ctx, request.RequestingFacultyID, "Proxy Request Approved", message, models.NotificationSuccess)
	if request.ProxyFacultyID != nil {
		s.notify(ctx, *request.ProxyFacultyID, "Proxy Request Approved", message, models.NotificationSuccess)
	}
	return request, nil
}

// Reject applies the HOD rejection. Leave balances are untouched.
func (s *ProxyService) Reject(ctx context.Context, id string, req dto.DecisionRequest, actor *models.JWTClaims) (*models.ProxyRequest, error) {
	hod, request, err := s.requireHODDecision(ctx, id, req, actor)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	err = s.ledger.CompareAndSetStatus(ctx, repository.TransitionParams{
		ID:            request.ID,
		Expected:      models.ProxyStatusAccepted,
		NewStatus:     models.ProxyStatusHODRejected,
		HODApproverID: &hod.ID,
		HODApprovedAt: &now,
		DecisionNote:  optionalString(req.Note),
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "request state changed; refresh and retry")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reject proxy request")
	}
	request.Status = models.ProxyStatusHODRejected
	request.HODApproverID = &hod.ID
	request.HODApprovedAt = &now
	request.DecisionNote = optionalString(req.Note)

	s.emitAudit(ctx, hod.ID, models.AuditActionProxyReject, request.ID, request)
	message := fmt.Sprintf("Proxy request for %s, slot %d was rejected.", request.Date.Format("2006-01-02"), request.LectureSlot)
	s.notify(ctx, request.RequestingFacultyID, "Proxy Request Rejected", message, models.NotificationWarning)
	if request.ProxyFacultyID != nil {
		s.notify(ctx, *request.ProxyFacultyID, "Proxy Request Rejected", message, models.NotificationWarning)
	}
	return request, nil
}

// Cancel withdraws a request. Only the original requester may cancel, and
// only before an HOD decision.
func (s *ProxyService) Cancel(ctx context.Context, id string, actor *models.JWTClaims) (*models.ProxyRequest, error) {
	faculty, err := s.requireActiveActor(ctx, actor, models.RoleFaculty)
	if err != nil {
		return nil, err
	}
	request, err := s.loadRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if request.RequestingFacultyID != faculty.ID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only the requester may cancel")
	}
	if request.Status != models.ProxyStatusPending && request.Status != models.ProxyStatusAccepted {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, fmt.Sprintf("cannot cancel a request in status %s", request.Status))
	}

	err = s.ledger.CompareAndSetStatus(ctx, repository.TransitionParams{
		ID:        request.ID,
		Expected:  request.Status,
		NewStatus: models.ProxyStatusCancelled,
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "request state changed; refresh and retry")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to cancel proxy request")
	}
	previousProxy := request.ProxyFacultyID
	request.Status = models.ProxyStatusCancelled

	s.emitAudit(ctx, faculty.ID, models.AuditActionProxyCancel, request.ID, request)
	if previousProxy != nil {
		s.notify(ctx, *previousProxy, "Proxy Request Cancelled",
			fmt.Sprintf("The proxy request for %s, slot %d was cancelled by the requester.", request.Date.Format("2006-01-02"), request.LectureSlot),
			models.NotificationInfo)
	}
	return request, nil
}

// ExpireOverdue cancels all PENDING requests whose date has passed. Invoked
// by the background sweeper.
func (s *ProxyService) ExpireOverdue(ctx context.Context) (int64, error) {
	count, err := s.ledger.ExpireOverdue(ctx, s.today())
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to expire overdue requests")
	}
	if count > 0 {
		s.logger.Info("expired overdue proxy requests", zap.Int64("count", count))
	}
	return count, nil
}

// requireHODDecision loads the actor and request and applies the shared
// approve/reject authorization rules.
func (s *ProxyService) requireHODDecision(ctx context.Context, id string, req dto.DecisionRequest, actor *models.JWTClaims) (*models.User, *models.ProxyRequest, error) {
	hod, err := s.requireActiveActor(ctx, actor, models.RoleHOD)
	if err != nil {
		return nil, nil, err
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid decision payload")
	}
	request, err := s.loadRequest(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if expired, err := s.maybeExpire(ctx, request); err != nil {
		return nil, nil, err
	} else if expired {
		return nil, nil, appErrors.Clone(appErrors.ErrInvalidState, "request date has passed; request was cancelled")
	}
	if request.Status != models.ProxyStatusAccepted {
		return nil, nil, appErrors.Clone(appErrors.ErrInvalidState, fmt.Sprintf("request must be PROXY_ACCEPTED, currently %s", request.Status))
	}
	requesterDept, err := s.identity.DepartmentOf(ctx, request.RequestingFacultyID)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve requester department")
	}
	if hod.DepartmentID == nil || requesterDept == nil || *hod.DepartmentID != *requesterDept {
		return nil, nil, appErrors.Clone(appErrors.ErrForbidden, "request belongs to a different department")
	}
	return hod, request, nil
}

// requireActiveActor loads the acting user and checks role and active flag.
func (s *ProxyService) requireActiveActor(ctx context.Context, actor *models.JWTClaims, role models.UserRole) (*models.User, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	user, err := s.identity.FindByID(ctx, actor.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrUnauthorized
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load actor")
	}
	if !user.Active {
		return nil, appErrors.ErrInactiveAccount
	}
	if user.Role != role {
		return nil, appErrors.ErrForbidden
	}
	return user, nil
}

func (s *ProxyService) loadRequest(ctx context.Context, id string) (*models.ProxyRequest, error) {
	request, err := s.ledger.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load proxy request")
	}
	return request, nil
}

// maybeExpire lazily cancels a PENDING request whose date has passed. The CAS
// keeps it safe against a concurrent accept; losing that race leaves the
// caller to re-evaluate against the stored state.
func (s *ProxyService) maybeExpire(ctx context.Context, request *models.ProxyRequest) (bool, error) {
	if request.Status != models.ProxyStatusPending || !request.Date.Before(s.today()) {
		return false, nil
	}
	err := s.ledger.CompareAndSetStatus(ctx, repository.TransitionParams{
		ID:        request.ID,
		Expected:  models.ProxyStatusPending,
		NewStatus: models.ProxyStatusCancelled,
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, appErrors.Clone(appErrors.ErrConflict, "request state changed; refresh and retry")
		}
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to expire proxy request")
	}
	request.Status = models.ProxyStatusCancelled
	s.emitAudit(ctx, request.RequestingFacultyID, models.AuditActionProxyExpire, request.ID, request)
	return true, nil
}

func (s *ProxyService) emitAudit(ctx context.Context, userID, action, requestID string, request *models.ProxyRequest) {
	s.metrics.RecordProxyTransition(action)
	payload, _ := json.Marshal(map[string]interface{}{
		"status":       request.Status,
		"date":         request.Date.Format("2006-01-02"),
		"lecture_slot": request.LectureSlot,
	})
	log := &models.AuditLog{
		UserID:     &userID,
		Action:     action,
		Resource:   "proxy_request",
		ResourceID: &requestID,
		NewValues:  payload,
		IPAddress:  "system",
		UserAgent:  "proxy-service",
	}
	if err := s.identity.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to persist audit log", zap.Error(err))
	}
}

func (s *ProxyService) notify(ctx context.Context, userID, title, message string, kind models.NotificationType) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, userID, title, message, kind)
}

func (s *ProxyService) today() time.Time {
	now := s.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
