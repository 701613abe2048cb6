package dto

import (
	"time"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
)

// CreateTicketRequest payload.
type CreateTicketRequest struct {
	CategoryID  int64                 `json:"category_id" validate:"required,gt=0"`
	Title       string                `json:"title" validate:"required,max=200"`
	Description string                `json:"description" validate:"max=10000"`
	Priority    domain.TicketPriority `json:"priority" validate:"omitempty,oneof=low medium high urgent"`
}

// CreateMessageRequest payload.
type CreateMessageRequest struct {
	Body string `json:"body" validate:"required,max=10000"`
}

// UpdateStatusRequest drives a generic lifecycle action.
type UpdateStatusRequest struct {
	Action     string `json:"action" validate:"required"`
	Reason     string `json:"reason" validate:"max=2000"`
	AssigneeID int64  `json:"assignee_id" validate:"omitempty,gt=0"`
}

// AssignRequest payload.
type AssignRequest struct {
	AssigneeID int64 `json:"assignee_id" validate:"required,gt=0"`
}

// ChangeCategoryRequest payload.
type ChangeCategoryRequest struct {
	CategoryID int64 `json:"category_id" validate:"required,gt=0"`
}

// RejectRequest carries an optional reason.
type RejectRequest struct {
	Reason string `json:"reason" validate:"max=2000"`
}

// ReopenRequest carries an optional reason.
type ReopenRequest struct {
	Reason string `json:"reason" validate:"max=2000"`
}

// TicketResponse is the wire shape of a ticket.
type TicketResponse struct {
	ID                      int64                 `json:"id"`
	RequesterID             int64                 `json:"requester_id"`
	AttendantID             *int64                `json:"attendant_id"`
	CategoryID              int64                 `json:"category_id"`
	Title                   string                `json:"title"`
	Description             string                `json:"description,omitempty"`
	Status                  domain.TicketStatus   `json:"status"`
	Priority                domain.TicketPriority `json:"priority"`
	Overdue                 bool                  `json:"overdue"`
	SLAFirstResponseAt      time.Time             `json:"sla_first_response_at"`
	SLAResolutionAt         time.Time             `json:"sla_resolution_at"`
	FirstRespondedAt        *time.Time            `json:"first_responded_at"`
	FirstResponseBreachedAt *time.Time            `json:"first_response_breached_at,omitempty"`
	ResolutionBreachedAt    *time.Time            `json:"resolution_breached_at,omitempty"`
	CreatedAt               time.Time             `json:"created_at"`
	UpdatedAt               time.Time             `json:"updated_at"`
	ClosedAt                *time.Time            `json:"closed_at"`
	ReopenedAt              *time.Time            `json:"reopened_at"`
	Version                 int64                 `json:"version"`
}

// NewTicketResponse converts a ticket; now feeds the derived overdue flag.
func NewTicketResponse(t *domain.Ticket, now time.Time) TicketResponse {
	return TicketResponse{
		ID:                      t.ID,
		RequesterID:             t.RequesterID,
		AttendantID:             t.AttendantID,
		CategoryID:              t.CategoryID,
		Title:                   t.Title,
		Description:             t.Description,
		Status:                  t.Status,
		Priority:                t.Priority,
		Overdue:                 t.IsOverdueAt(now),
		SLAFirstResponseAt:      t.SLAFirstResponseAt,
		SLAResolutionAt:         t.SLAResolutionAt,
		FirstRespondedAt:        t.FirstRespondedAt,
		FirstResponseBreachedAt: t.FirstResponseBreachedAt,
		ResolutionBreachedAt:    t.ResolutionBreachedAt,
		CreatedAt:               t.CreatedAt,
		UpdatedAt:               t.UpdatedAt,
		ClosedAt:                t.ClosedAt,
		ReopenedAt:              t.ReopenedAt,
		Version:                 t.Version,
	}
}

// HistoryEntryResponse is the wire shape of a history entry.
type HistoryEntryResponse struct {
	Seq        int64               `json:"seq"`
	TicketID   int64               `json:"ticket_id"`
	AuthorID   *int64              `json:"author_id"`
	AuthorRole domain.Role         `json:"author_role"`
	Kind       domain.HistoryKind  `json:"kind"`
	Text       string              `json:"text"`
	FromStatus domain.TicketStatus `json:"from_status,omitempty"`
	ToStatus   domain.TicketStatus `json:"to_status,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
}

// NewHistoryEntryResponse converts an entry.
func NewHistoryEntryResponse(e domain.HistoryEntry) HistoryEntryResponse {
	return HistoryEntryResponse{
		Seq:        e.Seq,
		TicketID:   e.TicketID,
		AuthorID:   e.AuthorID,
		AuthorRole: e.AuthorRole,
		Kind:       e.Kind,
		Text:       e.Text,
		FromStatus: e.FromStatus,
		ToStatus:   e.ToStatus,
		CreatedAt:  e.CreatedAt,
	}
}

// NewHistoryResponse converts a list of entries.
func NewHistoryResponse(entries []domain.HistoryEntry) []HistoryEntryResponse {
	out := make([]HistoryEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, NewHistoryEntryResponse(e))
	}
	return out
}

// TransitionResponse is returned by lifecycle actions.
type TransitionResponse struct {
	Ticket TicketResponse       `json:"ticket"`
	Entry  HistoryEntryResponse `json:"entry"`
}
