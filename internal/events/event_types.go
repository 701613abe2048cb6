package events

import (
	"time"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventTicketCreated         EventType = "ticket_created"
	EventTicketStatusChanged   EventType = "ticket_status_changed"
	EventTicketAssigned        EventType = "ticket_assigned"
	EventTicketCategoryChanged EventType = "ticket_category_changed"
	EventHistoryAppended       EventType = "history_appended"
	EventNotificationCreated   EventType = "notification_created"
)

// Event represents a committed domain change emitted by services.
type Event struct {
	ID        string       `json:"id"`
	Type      EventType    `json:"type"`
	TicketID  int64        `json:"ticket_id"`
	UserID    *int64       `json:"user_id,omitempty"`
	Actor     domain.Actor `json:"actor"`
	Timestamp time.Time    `json:"timestamp"`
	Payload   interface{}  `json:"payload"`
}

// TicketChangedPayload carries the ticket as committed.
type TicketChangedPayload struct {
	Ticket     domain.Ticket       `json:"ticket"`
	FromStatus domain.TicketStatus `json:"from_status"`
	ToStatus   domain.TicketStatus `json:"to_status"`
	Action     string              `json:"action,omitempty"`
}

// HistoryAppendedPayload carries a newly appended entry.
type HistoryAppendedPayload struct {
	Entry domain.HistoryEntry `json:"entry"`
}

// NotificationCreatedPayload carries a newly stored notification.
type NotificationCreatedPayload struct {
	Notification domain.Notification `json:"notification"`
}
