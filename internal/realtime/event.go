// Package realtime fans committed changes out to push-stream subscribers.
package realtime

import (
	"time"
)

// EventType is the kind of a pushed event.
type EventType string

const (
	EventMessage      EventType = "message"
	EventTicketUpdate EventType = "ticket_update"
	EventNotification EventType = "notification"
	EventHeartbeat    EventType = "heartbeat"
	EventConnection   EventType = "connection"
)

// Event is the wire envelope of a pushed event. It is never persisted.
type Event struct {
	Type      EventType `json:"type"`
	TicketID  *int64    `json:"ticketId,omitempty"`
	UserID    *int64    `json:"userId,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// TicketScoped reports whether e is routed by ticket.
func (e Event) TicketScoped() bool {
	return e.Type == EventMessage || e.Type == EventTicketUpdate
}

// Scope selects what a connection subscribes to. A zero TicketID means the
// user's notification stream.
type Scope struct {
	UserID   int64
	TicketID int64
}

// Notifications reports whether the scope is the user's notification stream.
func (s Scope) Notifications() bool {
	return s.TicketID == 0
}
