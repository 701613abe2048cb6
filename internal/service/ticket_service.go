package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-lifecycle/internal/approval"
	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/events"
	"github.com/spec-kit/ticket-lifecycle/internal/history"
	"github.com/spec-kit/ticket-lifecycle/internal/ids"
	"github.com/spec-kit/ticket-lifecycle/internal/lifecycle"
	"github.com/spec-kit/ticket-lifecycle/internal/repository"
	"github.com/spec-kit/ticket-lifecycle/internal/sla"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

const messagePreviewLength = 80

// TicketService coordinates ticket workflows.
type TicketService struct {
	tickets    repository.TicketRepository
	categories repository.CategoryRepository
	tx         repository.TxRunner
	history    *history.Log
	machine    *lifecycle.Machine
	approvals  *approval.Coordinator
	dispatcher events.Dispatcher
	clock      clockwork.Clock
	ids        ids.Generator
	logger     *zap.Logger
}

// TicketDependencies bundles collaborators for the ticket service.
type TicketDependencies struct {
	Tickets    repository.TicketRepository
	Categories repository.CategoryRepository
	Tx         repository.TxRunner
	History    *history.Log
	Machine    *lifecycle.Machine
	Approvals  *approval.Coordinator
	Dispatcher events.Dispatcher
	Clock      clockwork.Clock
	IDs        ids.Generator
	Logger     *zap.Logger
}

// TicketCreateInput describes ticket creation payload.
type TicketCreateInput struct {
	CategoryID  int64
	Title       string
	Description string
	Priority    domain.TicketPriority
}

// TransitionInput drives a lifecycle action by name.
type TransitionInput struct {
	Action     string
	Reason     string
	AssigneeID int64
}

// MessageResult is the committed outcome of AddMessage.
type MessageResult struct {
	Ticket        *domain.Ticket
	Entry         domain.HistoryEntry
	Notifications []domain.Notification
}

// NewTicketService constructs the service.
func NewTicketService(deps TicketDependencies) *TicketService {
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TicketService{
		tickets:    deps.Tickets,
		categories: deps.Categories,
		tx:         deps.Tx,
		history:    deps.History,
		machine:    deps.Machine,
		approvals:  deps.Approvals,
		dispatcher: deps.Dispatcher,
		clock:      clock,
		ids:        deps.IDs,
		logger:     logger.Named("ticket_service"),
	}
}

// CreateTicket opens a ticket for actor with deadlines computed from the
// category SLA.
func (s *TicketService) CreateTicket(ctx context.Context, actor domain.Actor, input TicketCreateInput) (*domain.Ticket, error) {
	if actor.Role == domain.RoleSystem {
		return nil, apperrors.NewForbidden("tickets are opened by users")
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, apperrors.NewValidationError("title is required", nil)
	}
	priority := input.Priority
	if priority == "" {
		priority = domain.TicketPriorityMedium
	}
	if !priority.Valid() {
		return nil, apperrors.NewValidationError("unknown priority", map[string]any{"priority": priority})
	}

	category, err := s.category(ctx, input.CategoryID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	ticket := &domain.Ticket{
		ID:          s.ids.NewID(),
		RequesterID: actor.UserID,
		CategoryID:  category.ID,
		Title:       title,
		Description: strings.TrimSpace(input.Description),
		Status:      domain.TicketStatusOpen,
		Priority:    priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	sla.Compute(category, now).ApplyTo(ticket)

	// The opener acts as requester here even when they hold a staff role,
	// so the entry never counts as a first response.
	entry := domain.HistoryEntry{
		TicketID:   ticket.ID,
		AuthorID:   actor.AuthorID(),
		AuthorRole: domain.RoleRequester,
		Kind:       domain.HistoryKindStatusChange,
		Text:       "ticket opened",
		ToStatus:   domain.TicketStatusOpen,
		CreatedAt:  now,
	}

	err = s.tx.WithTx(ctx, func(stores repository.Stores) error {
		if err := stores.Tickets().Create(ctx, ticket); err != nil {
			return err
		}
		return s.history.Append(ctx, stores.History(), &entry)
	})
	if err != nil {
		return nil, apperrors.MapError(err)
	}

	s.logger.Info("ticket created",
		zap.Int64("ticket_id", ticket.ID),
		zap.Int64("requester_id", ticket.RequesterID),
		zap.Int64("category_id", ticket.CategoryID),
		zap.Time("sla_first_response_at", ticket.SLAFirstResponseAt),
		zap.Time("sla_resolution_at", ticket.SLAResolutionAt))

	s.publishEvent(ctx, events.Event{
		Type:      events.EventTicketCreated,
		TicketID:  ticket.ID,
		Actor:     actor,
		Timestamp: now,
		Payload: events.TicketChangedPayload{
			Ticket:   *ticket.Clone(),
			ToStatus: ticket.Status,
			Action:   "create",
		},
	})
	s.publishHistory(ctx, actor, entry)
	return ticket, nil
}

// GetTicket returns a ticket the actor may see.
func (s *TicketService) GetTicket(ctx context.Context, actor domain.Actor, ticketID int64) (*domain.Ticket, error) {
	ticket, err := s.load(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if !canView(actor, ticket) {
		return nil, apperrors.NewForbidden("ticket belongs to another requester")
	}
	return ticket, nil
}

// ListMine returns the tickets the actor opened, newest first.
func (s *TicketService) ListMine(ctx context.Context, actor domain.Actor, limit int) ([]domain.Ticket, error) {
	tickets, err := s.tickets.ListByRequester(ctx, actor.UserID, limit)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	return tickets, nil
}

// GetHistory lists entries with a sequence above afterSeq, in sequence order.
func (s *TicketService) GetHistory(ctx context.Context, actor domain.Actor, ticketID, afterSeq int64) ([]domain.HistoryEntry, error) {
	if _, err := s.GetTicket(ctx, actor, ticketID); err != nil {
		return nil, err
	}
	entries, err := s.history.List(ctx, ticketID, afterSeq)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	return entries, nil
}

// AddMessage appends a message and notifies the other party. A staff
// message records the first response if none exists yet.
func (s *TicketService) AddMessage(ctx context.Context, actor domain.Actor, ticketID int64, body string) (*MessageResult, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, apperrors.NewValidationError("message body is required", nil)
	}

	now := s.clock.Now().UTC()
	result := &MessageResult{}
	var touched bool

	err := s.tx.WithTx(ctx, func(stores repository.Stores) error {
		ticket, err := stores.Tickets().GetByID(ctx, ticketID)
		if err != nil {
			return err
		}
		if !canView(actor, ticket) {
			return apperrors.NewForbidden("ticket belongs to another requester")
		}
		if ticket.Status == domain.TicketStatusClosed {
			return apperrors.NewInvalidTransition("ticket is closed; reopen it first", map[string]any{"status": ticket.Status})
		}

		entry := domain.HistoryEntry{
			TicketID:   ticket.ID,
			AuthorID:   actor.AuthorID(),
			AuthorRole: actor.Role,
			Kind:       domain.HistoryKindMessage,
			Text:       body,
			CreatedAt:  now,
		}

		if entry.AttendantAuthored() && ticket.FirstRespondedAt == nil {
			next := ticket.Clone()
			next.FirstRespondedAt = &now
			next.UpdatedAt = now
			if err := stores.Tickets().CompareAndSwap(ctx, next, ticket.Status); err != nil {
				return err
			}
			ticket = next
			touched = true
		}

		if err := s.history.Append(ctx, stores.History(), &entry); err != nil {
			return err
		}

		notifications := s.messageNotifications(actor, ticket, body, now)
		for i := range notifications {
			if err := stores.Notifications().Create(ctx, &notifications[i]); err != nil {
				return err
			}
		}

		result.Ticket = ticket
		result.Entry = entry
		result.Notifications = notifications
		return nil
	})
	if err != nil {
		return nil, s.translate(err, ticketID)
	}

	if touched {
		s.publishEvent(ctx, events.Event{
			Type:      events.EventTicketStatusChanged,
			TicketID:  ticketID,
			Actor:     actor,
			Timestamp: now,
			Payload: events.TicketChangedPayload{
				Ticket:     *result.Ticket.Clone(),
				FromStatus: result.Ticket.Status,
				ToStatus:   result.Ticket.Status,
				Action:     "first_response",
			},
		})
	}
	s.publishHistory(ctx, actor, result.Entry)
	lifecycle.PublishNotifications(ctx, s.dispatcher, actor, result.Notifications)
	return result, nil
}

// ChangeCategory moves a ticket to another category. Deadlines are
// recomputed from now only while no first response has been recorded.
func (s *TicketService) ChangeCategory(ctx context.Context, actor domain.Actor, ticketID, categoryID int64) (*domain.Ticket, error) {
	if !actor.IsStaff() {
		return nil, apperrors.NewForbidden("only attendants or admins can change the category")
	}
	category, err := s.category(ctx, categoryID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	var (
		next       *domain.Ticket
		from       domain.TicketStatus
		entry      domain.HistoryEntry
		recomputed bool
	)
	err = s.tx.WithTx(ctx, func(stores repository.Stores) error {
		ticket, err := stores.Tickets().GetByID(ctx, ticketID)
		if err != nil {
			return err
		}
		if ticket.Status == domain.TicketStatusClosed {
			return apperrors.NewInvalidTransition("ticket is closed", map[string]any{"status": ticket.Status})
		}
		if ticket.CategoryID == category.ID {
			return apperrors.NewValidationError("ticket is already in this category", map[string]any{"categoryId": category.ID})
		}

		next = ticket.Clone()
		next.CategoryID = category.ID
		next.UpdatedAt = now
		if sla.Recomputable(ticket) {
			sla.Compute(category, now).ApplyTo(next)
			recomputed = true
		}
		if err := stores.Tickets().CompareAndSwap(ctx, next, ticket.Status); err != nil {
			return err
		}

		from = ticket.Status
		entry = domain.HistoryEntry{
			TicketID:   ticket.ID,
			AuthorID:   actor.AuthorID(),
			AuthorRole: actor.Role,
			Kind:       domain.HistoryKindAssignment,
			Text:       fmt.Sprintf("category changed from %d to %d", ticket.CategoryID, category.ID),
			FromStatus: ticket.Status,
			ToStatus:   ticket.Status,
			CreatedAt:  now,
		}
		return s.history.Append(ctx, stores.History(), &entry)
	})
	if err != nil {
		return nil, s.translate(err, ticketID)
	}

	s.logger.Info("ticket category changed",
		zap.Int64("ticket_id", ticketID),
		zap.Int64("category_id", category.ID),
		zap.Bool("deadlines_recomputed", recomputed))

	s.publishEvent(ctx, events.Event{
		Type:      events.EventTicketCategoryChanged,
		TicketID:  ticketID,
		Actor:     actor,
		Timestamp: now,
		Payload: events.TicketChangedPayload{
			Ticket:     *next.Clone(),
			FromStatus: from,
			ToStatus:   next.Status,
			Action:     "change_category",
		},
	})
	s.publishHistory(ctx, actor, entry)
	return next, nil
}

// Transition applies a named lifecycle action. Approval actions go through
// the approval coordinator so the counterpart is notified.
func (s *TicketService) Transition(ctx context.Context, actor domain.Actor, ticketID int64, input TransitionInput) (*lifecycle.Result, error) {
	action, ok := lifecycle.ParseAction(input.Action)
	if !ok {
		return nil, apperrors.NewValidationError("unknown action", map[string]any{"action": input.Action})
	}

	switch action {
	case lifecycle.ActionFinalize:
		return s.approvals.Finalize(ctx, ticketID, actor)
	case lifecycle.ActionApprove:
		return s.approvals.Approve(ctx, ticketID, actor)
	case lifecycle.ActionReject:
		return s.approvals.Reject(ctx, ticketID, actor, input.Reason)
	}

	return s.machine.Apply(ctx, lifecycle.Command{
		TicketID:   ticketID,
		Action:     action,
		Actor:      actor,
		Reason:     strings.TrimSpace(input.Reason),
		AssigneeID: input.AssigneeID,
	})
}

// Claim assigns the ticket to the acting attendant.
func (s *TicketService) Claim(ctx context.Context, actor domain.Actor, ticketID int64) (*lifecycle.Result, error) {
	return s.Transition(ctx, actor, ticketID, TransitionInput{Action: string(lifecycle.ActionClaim)})
}

// Assign hands the ticket to assigneeID.
func (s *TicketService) Assign(ctx context.Context, actor domain.Actor, ticketID, assigneeID int64) (*lifecycle.Result, error) {
	return s.Transition(ctx, actor, ticketID, TransitionInput{Action: string(lifecycle.ActionAssign), AssigneeID: assigneeID})
}

// Finalize requests the requester's approval.
func (s *TicketService) Finalize(ctx context.Context, actor domain.Actor, ticketID int64) (*lifecycle.Result, error) {
	return s.Transition(ctx, actor, ticketID, TransitionInput{Action: string(lifecycle.ActionFinalize)})
}

// Approve closes a ticket awaiting approval.
func (s *TicketService) Approve(ctx context.Context, actor domain.Actor, ticketID int64) (*lifecycle.Result, error) {
	return s.Transition(ctx, actor, ticketID, TransitionInput{Action: string(lifecycle.ActionApprove)})
}

// Reject returns a ticket awaiting approval to the attendant.
func (s *TicketService) Reject(ctx context.Context, actor domain.Actor, ticketID int64, reason string) (*lifecycle.Result, error) {
	return s.Transition(ctx, actor, ticketID, TransitionInput{Action: string(lifecycle.ActionReject), Reason: reason})
}

// Reopen moves a closed ticket back into the workflow.
func (s *TicketService) Reopen(ctx context.Context, actor domain.Actor, ticketID int64, reason string) (*lifecycle.Result, error) {
	return s.Transition(ctx, actor, ticketID, TransitionInput{Action: string(lifecycle.ActionReopen), Reason: reason})
}

// AllowedActions lists the actions actor may take on the ticket right now.
func (s *TicketService) AllowedActions(ctx context.Context, actor domain.Actor, ticketID int64) ([]lifecycle.Action, error) {
	ticket, err := s.GetTicket(ctx, actor, ticketID)
	if err != nil {
		return nil, err
	}
	return lifecycle.Allowed(ticket.Status, lifecycle.Relate(actor, ticket)), nil
}

func (s *TicketService) load(ctx context.Context, ticketID int64) (*domain.Ticket, error) {
	ticket, err := s.tickets.GetByID(ctx, ticketID)
	if err != nil {
		return nil, s.translate(err, ticketID)
	}
	return ticket, nil
}

func (s *TicketService) category(ctx context.Context, categoryID int64) (*domain.Category, error) {
	if categoryID <= 0 {
		return nil, apperrors.NewValidationError("category is required", nil)
	}
	category, err := s.categories.GetByID(ctx, categoryID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NewValidationError("unknown category", map[string]any{"categoryId": categoryID})
		}
		return nil, apperrors.MapError(err)
	}
	return category, nil
}

func (s *TicketService) translate(err error, ticketID int64) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return apperrors.NewNotFound("ticket", map[string]any{"ticketId": ticketID})
	case errors.Is(err, repository.ErrStaleState):
		return apperrors.NewConflict("ticket was changed concurrently; reload and retry", map[string]any{"ticketId": ticketID})
	default:
		return apperrors.MapError(err)
	}
}

// messageNotifications targets the party that did not write the message.
func (s *TicketService) messageNotifications(actor domain.Actor, ticket *domain.Ticket, body string, now time.Time) []domain.Notification {
	var recipient int64
	switch {
	case actor.UserID == ticket.RequesterID:
		if ticket.AttendantID == nil {
			return nil
		}
		recipient = *ticket.AttendantID
	case actor.IsStaff():
		recipient = ticket.RequesterID
	default:
		return nil
	}
	if recipient == actor.UserID {
		return nil
	}
	return []domain.Notification{{
		ID:        s.ids.NewID(),
		UserID:    recipient,
		TicketID:  ticket.ID,
		Kind:      domain.NotificationNewMessage,
		Message:   fmt.Sprintf("New message on ticket #%d: %s", ticket.ID, preview(body, messagePreviewLength)),
		CreatedAt: now,
	}}
}

func (s *TicketService) publishHistory(ctx context.Context, actor domain.Actor, entry domain.HistoryEntry) {
	s.publishEvent(ctx, events.Event{
		Type:      events.EventHistoryAppended,
		TicketID:  entry.TicketID,
		Actor:     actor,
		Timestamp: entry.CreatedAt,
		Payload:   events.HistoryAppendedPayload{Entry: entry},
	})
}

func (s *TicketService) publishEvent(ctx context.Context, event events.Event) {
	if s.dispatcher == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.clock.Now().UTC()
	}
	_ = s.dispatcher.Publish(ctx, event)
}

func canView(actor domain.Actor, ticket *domain.Ticket) bool {
	return actor.IsStaff() || actor.UserID == ticket.RequesterID
}

func preview(body string, max int) string {
	runes := []rune(body)
	if len(runes) <= max {
		return body
	}
	return string(runes[:max]) + "..."
}
