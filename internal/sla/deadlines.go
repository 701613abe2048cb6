// Package sla computes service-level deadlines and runs the periodic sweep
// that moves tickets into the overdue states.
package sla

import (
	"time"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
)

// Deadlines are the absolute SLA instants of a ticket.
type Deadlines struct {
	FirstResponseAt time.Time
	ResolutionAt    time.Time
}

// Compute derives deadlines for category measured from from.
func Compute(category *domain.Category, from time.Time) Deadlines {
	return Deadlines{
		FirstResponseAt: from.Add(category.FirstResponseWindow()),
		ResolutionAt:    from.Add(category.ResolutionWindow()),
	}
}

// ApplyTo writes d onto ticket.
func (d Deadlines) ApplyTo(ticket *domain.Ticket) {
	ticket.SLAFirstResponseAt = d.FirstResponseAt
	ticket.SLAResolutionAt = d.ResolutionAt
}

// Recomputable reports whether a category change may still move the
// deadlines. Once a first response is recorded they are frozen.
func Recomputable(ticket *domain.Ticket) bool {
	return ticket.FirstRespondedAt == nil && ticket.ClosedAt == nil
}
