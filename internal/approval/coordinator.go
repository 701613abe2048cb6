// Package approval drives the finalize / approve / reject handshake
// between the attendant and the requester.
package approval

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/lifecycle"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

// Coordinator layers approval notifications over the lifecycle machine.
// There is no separate approval record: pending_approval is the request.
type Coordinator struct {
	machine *lifecycle.Machine
	logger  *zap.Logger
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(machine *lifecycle.Machine, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{machine: machine, logger: logger.Named("approval")}
}

// Finalize asks the requester to confirm the ticket is solved.
func (c *Coordinator) Finalize(ctx context.Context, ticketID int64, actor domain.Actor) (*lifecycle.Result, error) {
	return c.apply(ctx, lifecycle.Command{
		TicketID: ticketID,
		Action:   lifecycle.ActionFinalize,
		Actor:    actor,
		Notify: func(t *domain.Ticket) []domain.Notification {
			return []domain.Notification{{
				UserID:  t.RequesterID,
				Kind:    domain.NotificationApprovalRequest,
				Message: fmt.Sprintf("Ticket #%d is ready for your approval", t.ID),
			}}
		},
	})
}

// Approve closes the ticket on behalf of its requester.
func (c *Coordinator) Approve(ctx context.Context, ticketID int64, actor domain.Actor) (*lifecycle.Result, error) {
	return c.apply(ctx, lifecycle.Command{
		TicketID: ticketID,
		Action:   lifecycle.ActionApprove,
		Actor:    actor,
		Notify:   notifyAttendant("Ticket #%d was approved and closed"),
	})
}

// Reject sends the ticket back to in_progress with an optional reason.
func (c *Coordinator) Reject(ctx context.Context, ticketID int64, actor domain.Actor, reason string) (*lifecycle.Result, error) {
	return c.apply(ctx, lifecycle.Command{
		TicketID: ticketID,
		Action:   lifecycle.ActionReject,
		Actor:    actor,
		Reason:   reason,
		Notify:   notifyAttendant("Ticket #%d was rejected by the requester"),
	})
}

func (c *Coordinator) apply(ctx context.Context, cmd lifecycle.Command) (*lifecycle.Result, error) {
	res, err := c.machine.Apply(ctx, cmd)
	if err != nil {
		if AlreadyHandled(err) {
			c.logger.Info("approval action lost a concurrent race",
				zap.Int64("ticket_id", cmd.TicketID),
				zap.String("action", string(cmd.Action)))
		}
		return nil, err
	}
	return res, nil
}

// AlreadyHandled reports whether err means a concurrent request already
// moved the ticket. Callers should reload instead of surfacing a failure.
func AlreadyHandled(err error) bool {
	return apperrors.IsConflict(err)
}

func notifyAttendant(format string) func(*domain.Ticket) []domain.Notification {
	return func(t *domain.Ticket) []domain.Notification {
		if t.AttendantID == nil {
			return nil
		}
		return []domain.Notification{{
			UserID:  *t.AttendantID,
			Kind:    domain.NotificationApprovalResult,
			Message: fmt.Sprintf(format, t.ID),
		}}
	}
}
