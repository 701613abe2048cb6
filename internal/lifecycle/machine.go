package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/events"
	"github.com/spec-kit/ticket-lifecycle/internal/history"
	"github.com/spec-kit/ticket-lifecycle/internal/ids"
	"github.com/spec-kit/ticket-lifecycle/internal/observability"
	"github.com/spec-kit/ticket-lifecycle/internal/repository"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

// Policy holds the configurable parts of the lifecycle.
type Policy struct {
	// ReopenWindow bounds how long after closing a ticket may be reopened.
	// Zero disables the bound.
	ReopenWindow time.Duration
	// ReopenResetsResolution recomputes the resolution deadline on reopen.
	ReopenResetsResolution bool
}

// Dependencies bundles collaborators for the Machine.
type Dependencies struct {
	Tickets    repository.TicketRepository
	Categories repository.CategoryRepository
	Tx         repository.TxRunner
	History    *history.Log
	Dispatcher events.Dispatcher
	Clock      clockwork.Clock
	IDs        ids.Generator
	Logger     *zap.Logger
	Metrics    *observability.Metrics
	Policy     Policy
}

// Command describes one requested transition.
type Command struct {
	TicketID   int64
	Action     Action
	Actor      domain.Actor
	Reason     string
	AssigneeID int64
	// Notify returns notifications to store with the transition. It sees the
	// ticket as it will be written.
	Notify func(ticket *domain.Ticket) []domain.Notification
}

// Result is the committed outcome of a transition.
type Result struct {
	Ticket        *domain.Ticket
	From          domain.TicketStatus
	Entry         domain.HistoryEntry
	Notifications []domain.Notification
}

// Machine validates transitions against the table and commits them with a
// compare-and-set on the prior status.
type Machine struct {
	tickets    repository.TicketRepository
	categories repository.CategoryRepository
	tx         repository.TxRunner
	history    *history.Log
	dispatcher events.Dispatcher
	clock      clockwork.Clock
	ids        ids.Generator
	logger     *zap.Logger
	metrics    *observability.Metrics
	policy     Policy
}

// NewMachine constructs a Machine.
func NewMachine(deps Dependencies) *Machine {
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		tickets:    deps.Tickets,
		categories: deps.Categories,
		tx:         deps.Tx,
		history:    deps.History,
		dispatcher: deps.Dispatcher,
		clock:      clock,
		ids:        deps.IDs,
		logger:     logger,
		metrics:    deps.Metrics,
		policy:     deps.Policy,
	}
}

// Apply loads the ticket and applies cmd to it.
func (m *Machine) Apply(ctx context.Context, cmd Command) (*Result, error) {
	ticket, err := m.tickets.GetByID(ctx, cmd.TicketID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NewNotFound("ticket", map[string]any{"ticketId": cmd.TicketID})
		}
		return nil, apperrors.MapError(err)
	}
	return m.ApplyTo(ctx, ticket, cmd)
}

// ApplyTo applies cmd to a snapshot read earlier. The write only commits if
// the stored ticket is still at snapshot.Status and snapshot.Version;
// otherwise a CONFLICT error is returned and nothing is written.
func (m *Machine) ApplyTo(ctx context.Context, snapshot *domain.Ticket, cmd Command) (*Result, error) {
	rule, err := Lookup(snapshot.Status, cmd.Action, Relate(cmd.Actor, snapshot))
	if err != nil {
		return nil, err
	}

	now := m.clock.Now().UTC()
	next := snapshot.Clone()
	next.Status = rule.Target(snapshot)
	next.UpdatedAt = now
	if err := m.mutate(ctx, next, snapshot, cmd, now); err != nil {
		return nil, err
	}

	entry := m.entryFor(snapshot, next, cmd)
	if entry.AttendantAuthored() && next.FirstRespondedAt == nil {
		next.FirstRespondedAt = &now
	}

	notifications := m.notificationsFor(next, snapshot, cmd, now)

	err = m.tx.WithTx(ctx, func(stores repository.Stores) error {
		if err := stores.Tickets().CompareAndSwap(ctx, next, snapshot.Status); err != nil {
			return err
		}
		entry.CreatedAt = now
		if err := m.history.Append(ctx, stores.History(), &entry); err != nil {
			return err
		}
		for i := range notifications {
			if err := stores.Notifications().Create(ctx, &notifications[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, m.translate(err, snapshot, cmd)
	}

	m.metrics.RecordTransition(string(snapshot.Status), string(next.Status))
	m.logger.Info("ticket transitioned",
		zap.Int64("ticket_id", next.ID),
		zap.String("action", string(cmd.Action)),
		zap.String("from", string(snapshot.Status)),
		zap.String("to", string(next.Status)),
		zap.String("actor_role", string(cmd.Actor.Role)))

	result := &Result{Ticket: next, From: snapshot.Status, Entry: entry, Notifications: notifications}
	m.publish(ctx, result, cmd)
	return result, nil
}

func (m *Machine) translate(err error, snapshot *domain.Ticket, cmd Command) error {
	switch {
	case errors.Is(err, repository.ErrStaleState):
		m.metrics.RecordConflict()
		return apperrors.NewConflict("ticket was changed concurrently; reload and retry", map[string]any{
			"ticketId": snapshot.ID,
			"expected": snapshot.Status,
			"version":  snapshot.Version,
			"action":   cmd.Action,
		})
	case errors.Is(err, repository.ErrNotFound):
		return apperrors.NewNotFound("ticket", map[string]any{"ticketId": snapshot.ID})
	default:
		return apperrors.MapError(err)
	}
}

func (m *Machine) mutate(ctx context.Context, next, prev *domain.Ticket, cmd Command, now time.Time) error {
	switch cmd.Action {
	case ActionClaim:
		id := cmd.Actor.UserID
		next.AttendantID = &id
	case ActionAssign:
		if cmd.AssigneeID <= 0 {
			return apperrors.NewValidationError("assigneeId is required", nil)
		}
		id := cmd.AssigneeID
		next.AttendantID = &id
	case ActionApprove, ActionClose:
		next.ClosedAt = &now
	case ActionReopen:
		if prev.ClosedAt != nil && m.policy.ReopenWindow > 0 && now.Sub(*prev.ClosedAt) > m.policy.ReopenWindow {
			return apperrors.NewInvalidTransition("reopen window has elapsed", map[string]any{
				"closedAt":     prev.ClosedAt,
				"reopenWindow": m.policy.ReopenWindow.String(),
			})
		}
		next.ClosedAt = nil
		next.ReopenedAt = &now
		if m.policy.ReopenResetsResolution {
			category, err := m.categories.GetByID(ctx, prev.CategoryID)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					return apperrors.NewNotFound("category", map[string]any{"categoryId": prev.CategoryID})
				}
				return apperrors.MapError(err)
			}
			next.SLAResolutionAt = now.Add(category.ResolutionWindow())
			next.ResolutionBreachedAt = nil
		}
	case ActionMarkOverdueFirstResponse:
		next.FirstResponseBreachedAt = &now
	case ActionMarkOverdueResolution:
		next.ResolutionBreachedAt = &now
	}
	return nil
}

func (m *Machine) entryFor(prev, next *domain.Ticket, cmd Command) domain.HistoryEntry {
	kind := domain.HistoryKindStatusChange
	switch cmd.Action {
	case ActionFinalize, ActionApprove, ActionReject:
		kind = domain.HistoryKindApprovalAction
	case ActionAssign:
		if prev.Status == next.Status {
			kind = domain.HistoryKindAssignment
		}
	}
	text := describe(cmd, next)
	if cmd.Reason != "" {
		text += ": " + cmd.Reason
	}
	return domain.HistoryEntry{
		TicketID:   next.ID,
		AuthorID:   cmd.Actor.AuthorID(),
		AuthorRole: cmd.Actor.Role,
		Kind:       kind,
		Text:       text,
		FromStatus: prev.Status,
		ToStatus:   next.Status,
	}
}

func describe(cmd Command, next *domain.Ticket) string {
	switch cmd.Action {
	case ActionClaim:
		return "claimed"
	case ActionAssign:
		return fmt.Sprintf("assigned to user %d", cmd.AssigneeID)
	case ActionWaitUser:
		return "waiting on requester"
	case ActionWaitThirdParty:
		return "waiting on third party"
	case ActionResume:
		return "resumed"
	case ActionFinalize:
		return "submitted for approval"
	case ActionApprove:
		return "approved"
	case ActionReject:
		return "rejected"
	case ActionReopen:
		return "reopened"
	case ActionClose:
		return "closed"
	case ActionMarkOverdueFirstResponse:
		return "first response deadline missed"
	case ActionMarkOverdueResolution:
		return "resolution deadline missed"
	}
	return string(next.Status)
}

func (m *Machine) notificationsFor(next, prev *domain.Ticket, cmd Command, now time.Time) []domain.Notification {
	var out []domain.Notification
	if cmd.Action == ActionAssign && cmd.AssigneeID != cmd.Actor.UserID {
		prevID := int64(0)
		if prev.AttendantID != nil {
			prevID = *prev.AttendantID
		}
		if prevID != cmd.AssigneeID {
			out = append(out, domain.Notification{
				UserID:  cmd.AssigneeID,
				Kind:    domain.NotificationAssigned,
				Message: fmt.Sprintf("Ticket #%d was assigned to you", next.ID),
			})
		}
	}
	if cmd.Notify != nil {
		out = append(out, cmd.Notify(next)...)
	}
	for i := range out {
		if m.ids != nil {
			out[i].ID = m.ids.NewID()
		}
		out[i].TicketID = next.ID
		out[i].CreatedAt = now
	}
	return out
}

func (m *Machine) publish(ctx context.Context, result *Result, cmd Command) {
	if m.dispatcher == nil {
		return
	}
	ticket := result.Ticket
	base := events.Event{TicketID: ticket.ID, Actor: cmd.Actor, Timestamp: ticket.UpdatedAt}

	statusEvent := base
	statusEvent.ID = uuid.NewString()
	statusEvent.Type = events.EventTicketStatusChanged
	statusEvent.Payload = events.TicketChangedPayload{
		Ticket:     *ticket.Clone(),
		FromStatus: result.From,
		ToStatus:   ticket.Status,
		Action:     string(cmd.Action),
	}
	_ = m.dispatcher.Publish(ctx, statusEvent)

	if cmd.Action == ActionAssign || cmd.Action == ActionClaim {
		assigned := statusEvent
		assigned.ID = uuid.NewString()
		assigned.Type = events.EventTicketAssigned
		assigned.UserID = ticket.AttendantID
		_ = m.dispatcher.Publish(ctx, assigned)
	}

	entryEvent := base
	entryEvent.ID = uuid.NewString()
	entryEvent.Type = events.EventHistoryAppended
	entryEvent.Payload = events.HistoryAppendedPayload{Entry: result.Entry}
	_ = m.dispatcher.Publish(ctx, entryEvent)

	PublishNotifications(ctx, m.dispatcher, cmd.Actor, result.Notifications)
}

// PublishNotifications emits one notification_created event per stored notification.
func PublishNotifications(ctx context.Context, dispatcher events.Dispatcher, actor domain.Actor, notifications []domain.Notification) {
	if dispatcher == nil {
		return
	}
	for _, n := range notifications {
		userID := n.UserID
		_ = dispatcher.Publish(ctx, events.Event{
			ID:        uuid.NewString(),
			Type:      events.EventNotificationCreated,
			TicketID:  n.TicketID,
			UserID:    &userID,
			Actor:     actor,
			Timestamp: n.CreatedAt,
			Payload:   events.NotificationCreatedPayload{Notification: n},
		})
	}
}
