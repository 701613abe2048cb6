package dto

import (
	"time"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
)

// NotificationResponse is the wire shape of a notification.
type NotificationResponse struct {
	ID        int64                   `json:"id"`
	UserID    int64                   `json:"user_id"`
	TicketID  int64                   `json:"ticket_id"`
	Kind      domain.NotificationKind `json:"kind"`
	Message   string                  `json:"message"`
	Read      bool                    `json:"read"`
	CreatedAt time.Time               `json:"created_at"`
}

// NewNotificationResponse converts a notification.
func NewNotificationResponse(n domain.Notification) NotificationResponse {
	return NotificationResponse{
		ID:        n.ID,
		UserID:    n.UserID,
		TicketID:  n.TicketID,
		Kind:      n.Kind,
		Message:   n.Message,
		Read:      n.Read,
		CreatedAt: n.CreatedAt,
	}
}

// NotificationListQuery captures list filters.
type NotificationListQuery struct {
	UnreadOnly bool `query:"unread"`
	Limit      int  `query:"limit" validate:"omitempty,min=1,max=200"`
}
