// Package history implements the append-only, per-ticket audit trail.
package history

import (
	"context"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/repository"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

// Log appends and lists history entries. Appends always go through the
// repository of the transaction that carries the triggering mutation.
type Log struct {
	history repository.HistoryRepository
	clock   clockwork.Clock
}

// NewLog builds a Log reading from history.
func NewLog(history repository.HistoryRepository, clock clockwork.Clock) *Log {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Log{history: history, clock: clock}
}

// Append stamps and persists entry through tx. The store assigns Seq.
func (l *Log) Append(ctx context.Context, tx repository.HistoryRepository, entry *domain.HistoryEntry) error {
	if entry.TicketID == 0 {
		return apperrors.NewValidationError("history entry requires a ticket", nil)
	}
	switch entry.Kind {
	case domain.HistoryKindMessage, domain.HistoryKindStatusChange, domain.HistoryKindAssignment, domain.HistoryKindApprovalAction:
	default:
		return apperrors.NewValidationError("unknown history kind", map[string]any{"kind": entry.Kind})
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.clock.Now()
	}
	return tx.Append(ctx, entry)
}

// List returns entries with Seq greater than afterSeq, ordered by Seq.
func (l *Log) List(ctx context.Context, ticketID, afterSeq int64) ([]domain.HistoryEntry, error) {
	entries, err := l.history.ListByTicket(ctx, ticketID, afterSeq)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}

// HasAttendantResponseBefore reports whether an attendant-authored message
// or status change exists at or before deadline.
func (l *Log) HasAttendantResponseBefore(ctx context.Context, ticketID int64, deadline time.Time) (bool, error) {
	return l.history.HasAttendantResponseBefore(ctx, ticketID, deadline)
}
