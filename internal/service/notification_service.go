package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/repository"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

const (
	defaultNotificationLimit = 50
	maxNotificationLimit     = 200
)

// NotificationService exposes a user's notifications.
type NotificationService struct {
	notifications repository.NotificationRepository
	logger        *zap.Logger
}

// NewNotificationService creates the service.
func NewNotificationService(notifications repository.NotificationRepository, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{
		notifications: notifications,
		logger:        logger.Named("notification_service"),
	}
}

// List returns the actor's notifications, newest first.
func (n *NotificationService) List(ctx context.Context, actor domain.Actor, unreadOnly bool, limit int) ([]domain.Notification, error) {
	if actor.Role == domain.RoleSystem {
		return nil, apperrors.NewForbidden("system actor has no notifications")
	}
	switch {
	case limit <= 0:
		limit = defaultNotificationLimit
	case limit > maxNotificationLimit:
		limit = maxNotificationLimit
	}
	items, err := n.notifications.ListByUser(ctx, actor.UserID, unreadOnly, limit)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	return items, nil
}

// MarkRead flags one of the actor's notifications as read. Notifications of
// other users are reported as missing.
func (n *NotificationService) MarkRead(ctx context.Context, actor domain.Actor, id int64) error {
	if err := n.notifications.MarkRead(ctx, actor.UserID, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperrors.NewNotFound("notification", map[string]any{"notificationId": id})
		}
		return apperrors.MapError(err)
	}
	n.logger.Debug("notification read", zap.Int64("notification_id", id), zap.Int64("user_id", actor.UserID))
	return nil
}
