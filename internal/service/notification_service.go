package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/facultydesk/proxy-api/internal/models"
	"github.com/facultydesk/proxy-api/pkg/config"
	"github.com/facultydesk/proxy-api/pkg/email"
	appErrors "github.com/facultydesk/proxy-api/pkg/errors"
	"github.com/facultydesk/proxy-api/pkg/jobs"
)

type notificationStore interface {
	Create(ctx context.Context, notification *models.Notification) error
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.Notification, error)
	CountUnread(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, id, userID string) error
	MarkAllRead(ctx context.Context, userID string) error
}

type recipientLookup interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

// emailJob is the payload carried through the dispatch queue. The recipient
// address is resolved at enqueue time so workers never touch the database.
type emailJob struct {
	Message email.Message
}

// NotificationService persists in-app notifications and dispatches email
// copies through a background worker queue.
type NotificationService struct {
	store  notificationStore
	users  recipientLookup
	sender email.Sender
	queue  *jobs.Queue
	logger *zap.Logger
}

// NewNotificationService constructs the service and its dispatch queue.
func NewNotificationService(store notificationStore, users recipientLookup, sender email.Sender, cfg config.NotificationsConfig, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &NotificationService{
		store:  store,
		users:  users,
		sender: sender,
		logger: logger,
	}
	svc.queue = jobs.NewQueue("notifications", svc.deliver, jobs.QueueConfig{
		Workers:    cfg.WorkerConcurrency,
		MaxRetries: cfg.WorkerRetries,
		Logger:     logger,
	})
	return svc
}

// Start launches the dispatch workers.
func (s *NotificationService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the dispatch workers.
func (s *NotificationService) Stop() {
	s.queue.Stop()
}

// Notify records an in-app notification and queues the email copy. Errors are
// logged, never returned: a failed notification must not fail the transition
// that produced it.
func (s *NotificationService) Notify(ctx context.Context, userID, title, message string, kind models.NotificationType) {
	notification := &models.Notification{
		UserID:  userID,
		Title:   title,
		Message: message,
		Type:    kind,
	}
	if err := s.store.Create(ctx, notification); err != nil {
		s.logger.Warn("failed to persist notification",
			zap.String("user_id", userID),
			zap.String("title", title),
			zap.Error(err))
	}

	if s.sender == nil {
		return
	}
	recipient, err := s.users.FindByID(ctx, userID)
	if err != nil {
		s.logger.Warn("failed to resolve notification recipient",
			zap.String("user_id", userID),
			zap.Error(err))
		return
	}
	job := jobs.Job{
		ID:   uuid.NewString(),
		Type: "email",
		Payload: emailJob{Message: email.Message{
			ToName:    recipient.FullName(),
			ToAddress: recipient.Email,
			Subject:   title,
			Body:      message,
		}},
	}
	if err := s.queue.Enqueue(job); err != nil {
		s.logger.Warn("failed to enqueue notification email",
			zap.String("user_id", userID),
			zap.Error(err))
	}
}

// List returns the actor's notifications.
func (s *NotificationService) List(ctx context.Context, actor *models.JWTClaims, limit, offset int) ([]models.Notification, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	notifications, err := s.store.ListByUser(ctx, actor.UserID, limit, offset)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list notifications")
	}
	return notifications, nil
}

// UnreadCount returns the actor's unread notification count.
func (s *NotificationService) UnreadCount(ctx context.Context, actor *models.JWTClaims) (int, error) {
	if actor == nil {
		return 0, appErrors.ErrUnauthorized
	}
	count, err := s.store.CountUnread(ctx, actor.UserID)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count unread notifications")
	}
	return count, nil
}

// MarkRead flags one of the actor's notifications as read.
func (s *NotificationService) MarkRead(ctx context.Context, id string, actor *models.JWTClaims) error {
	if actor == nil {
		return appErrors.ErrUnauthorized
	}
	if err := s.store.MarkRead(ctx, id, actor.UserID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.ErrNotFound
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark notification read")
	}
	return nil
}

// MarkAllRead flags all of the actor's notifications as read.
func (s *NotificationService) MarkAllRead(ctx context.Context, actor *models.JWTClaims) error {
	if actor == nil {
		return appErrors.ErrUnauthorized
	}
	if err := s.store.MarkAllRead(ctx, actor.UserID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark notifications read")
	}
	return nil
}

func (s *NotificationService) deliver(ctx context.Context, job jobs.Job) error {
	payload, ok := job.Payload.(emailJob)
	if !ok {
		s.logger.Warn("unexpected notification job payload", zap.String("job_id", job.ID))
		return nil
	}
	return s.sender.Send(ctx, payload.Message)
}
