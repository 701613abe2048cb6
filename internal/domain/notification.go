package domain

import "time"

// NotificationKind enumerates why a user was notified.
type NotificationKind string

const (
	NotificationSLAViolation    NotificationKind = "sla_violation"
	NotificationApprovalRequest NotificationKind = "approval_request"
	NotificationApprovalResult  NotificationKind = "approval_result"
	NotificationNewMessage      NotificationKind = "new_message"
	NotificationAssigned        NotificationKind = "assigned"
)

// Notification is surfaced to a user about activity on a ticket.
type Notification struct {
	ID        int64
	UserID    int64
	TicketID  int64
	Kind      NotificationKind
	Message   string
	Read      bool
	CreatedAt time.Time
}
