package realtime

import (
	"context"

	"github.com/jonboulle/clockwork"

	"github.com/spec-kit/ticket-lifecycle/internal/api/dto"
	"github.com/spec-kit/ticket-lifecycle/internal/events"
)

// Bridge turns committed domain events into pushed realtime events.
type Bridge struct {
	registry Registry
	clock    clockwork.Clock
}

// NewBridge builds a bridge publishing into registry.
func NewBridge(registry Registry, clock clockwork.Clock) *Bridge {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Bridge{registry: registry, clock: clock}
}

// Attach subscribes the bridge to dispatcher.
func (b *Bridge) Attach(dispatcher events.Dispatcher) {
	dispatcher.Subscribe(events.EventHistoryAppended, b.onHistoryAppended)
	dispatcher.Subscribe(events.EventTicketStatusChanged, b.onTicketChanged)
	dispatcher.Subscribe(events.EventTicketCategoryChanged, b.onTicketChanged)
	dispatcher.Subscribe(events.EventNotificationCreated, b.onNotificationCreated)
}

func (b *Bridge) onHistoryAppended(_ context.Context, e events.Event) error {
	payload, ok := e.Payload.(events.HistoryAppendedPayload)
	if !ok {
		return nil
	}
	ticketID := e.TicketID
	b.registry.Publish(Event{
		Type:      EventMessage,
		TicketID:  &ticketID,
		Data:      dto.NewHistoryEntryResponse(payload.Entry),
		Timestamp: e.Timestamp,
	})
	return nil
}

func (b *Bridge) onTicketChanged(_ context.Context, e events.Event) error {
	payload, ok := e.Payload.(events.TicketChangedPayload)
	if !ok {
		return nil
	}
	ticketID := e.TicketID
	b.registry.Publish(Event{
		Type:      EventTicketUpdate,
		TicketID:  &ticketID,
		Data:      dto.NewTicketResponse(&payload.Ticket, b.clock.Now()),
		Timestamp: e.Timestamp,
	})
	return nil
}

func (b *Bridge) onNotificationCreated(_ context.Context, e events.Event) error {
	payload, ok := e.Payload.(events.NotificationCreatedPayload)
	if !ok {
		return nil
	}
	userID := payload.Notification.UserID
	ticketID := payload.Notification.TicketID
	b.registry.Publish(Event{
		Type:      EventNotification,
		TicketID:  &ticketID,
		UserID:    &userID,
		Data:      dto.NewNotificationResponse(payload.Notification),
		Timestamp: e.Timestamp,
	})
	return nil
}
