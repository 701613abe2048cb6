package domain

import "time"

// TicketStatus enumerates lifecycle states for tickets.
type TicketStatus string

const (
	TicketStatusOpen                 TicketStatus = "open"
	TicketStatusInProgress           TicketStatus = "in_progress"
	TicketStatusPendingUser          TicketStatus = "pending_user"
	TicketStatusPendingThirdParty    TicketStatus = "pending_third_party"
	TicketStatusPendingApproval      TicketStatus = "pending_approval"
	TicketStatusOverdueFirstResponse TicketStatus = "overdue_first_response"
	TicketStatusOverdueResolution    TicketStatus = "overdue_resolution"
	TicketStatusResolved             TicketStatus = "resolved"
	TicketStatusClosed               TicketStatus = "closed"
)

// AllTicketStatuses lists every known status.
var AllTicketStatuses = []TicketStatus{
	TicketStatusOpen,
	TicketStatusInProgress,
	TicketStatusPendingUser,
	TicketStatusPendingThirdParty,
	TicketStatusPendingApproval,
	TicketStatusOverdueFirstResponse,
	TicketStatusOverdueResolution,
	TicketStatusResolved,
	TicketStatusClosed,
}

// SLATrackedStatuses are the statuses the SLA sweep evaluates.
var SLATrackedStatuses = []TicketStatus{
	TicketStatusOpen,
	TicketStatusInProgress,
	TicketStatusPendingUser,
	TicketStatusPendingThirdParty,
}

// Valid reports whether s is a known status.
func (s TicketStatus) Valid() bool {
	for _, candidate := range AllTicketStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// SLATracked reports whether the sweep evaluates tickets in this status.
func (s TicketStatus) SLATracked() bool {
	for _, candidate := range SLATrackedStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// TicketPriority enumerates SLA urgency.
type TicketPriority string

const (
	TicketPriorityLow    TicketPriority = "low"
	TicketPriorityMedium TicketPriority = "medium"
	TicketPriorityHigh   TicketPriority = "high"
	TicketPriorityUrgent TicketPriority = "urgent"
)

// Valid reports whether p is a known priority.
func (p TicketPriority) Valid() bool {
	switch p {
	case TicketPriorityLow, TicketPriorityMedium, TicketPriorityHigh, TicketPriorityUrgent:
		return true
	}
	return false
}

// Ticket is the aggregate for support requests.
type Ticket struct {
	ID          int64
	RequesterID int64
	AttendantID *int64
	CategoryID  int64
	Title       string
	Description string
	Status      TicketStatus
	Priority    TicketPriority

	SLAFirstResponseAt time.Time
	SLAResolutionAt    time.Time

	FirstRespondedAt        *time.Time
	FirstResponseBreachedAt *time.Time
	ResolutionBreachedAt    *time.Time

	CreatedAt  time.Time
	UpdatedAt  time.Time
	ClosedAt   *time.Time
	ReopenedAt *time.Time

	// Version increments on every stored write and guards conditional updates.
	Version int64
}

// Clone returns a deep copy so callers can stage mutations.
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	out := *t
	out.AttendantID = cloneInt64(t.AttendantID)
	out.FirstRespondedAt = cloneTime(t.FirstRespondedAt)
	out.FirstResponseBreachedAt = cloneTime(t.FirstResponseBreachedAt)
	out.ResolutionBreachedAt = cloneTime(t.ResolutionBreachedAt)
	out.ClosedAt = cloneTime(t.ClosedAt)
	out.ReopenedAt = cloneTime(t.ReopenedAt)
	return &out
}

// IsAssigned reports whether an attendant owns the ticket.
func (t *Ticket) IsAssigned() bool {
	return t.AttendantID != nil
}

// IsOverdueAt evaluates the deadlines against now without relying on the
// stored status, which may lag behind by up to one sweep interval.
func (t *Ticket) IsOverdueAt(now time.Time) bool {
	if t.Status == TicketStatusClosed || t.Status == TicketStatusResolved {
		return false
	}
	if now.After(t.SLAResolutionAt) {
		return true
	}
	return t.FirstRespondedAt == nil && now.After(t.SLAFirstResponseAt)
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
