package domain

import "time"

// HistoryKind captures what a history entry records.
type HistoryKind string

const (
	HistoryKindMessage        HistoryKind = "message"
	HistoryKindStatusChange   HistoryKind = "status_change"
	HistoryKindAssignment     HistoryKind = "assignment"
	HistoryKindApprovalAction HistoryKind = "approval_action"
)

// HistoryEntry is an immutable audit trail entry. Seq is assigned by the
// store and is the only valid ordering key within a ticket.
type HistoryEntry struct {
	Seq        int64
	TicketID   int64
	AuthorID   *int64
	AuthorRole Role
	Kind       HistoryKind
	Text       string
	FromStatus TicketStatus
	ToStatus   TicketStatus
	CreatedAt  time.Time
}

// AttendantAuthored reports whether the entry counts as an attendant response.
func (h *HistoryEntry) AttendantAuthored() bool {
	if h.AuthorRole != RoleAttendant && h.AuthorRole != RoleAdmin {
		return false
	}
	return h.Kind == HistoryKindMessage || h.Kind == HistoryKindStatusChange
}
