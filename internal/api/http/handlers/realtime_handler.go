package handlers

import (
	"bufio"
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jonboulle/clockwork"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/realtime"
)

// TicketReader checks that the caller may watch a ticket.
type TicketReader interface {
	GetTicket(ctx context.Context, actor domain.Actor, ticketID int64) (*domain.Ticket, error)
}

// PresenceStore records client heartbeats outside the process.
type PresenceStore interface {
	MarkPresent(ctx context.Context, userID int64, ttl time.Duration) error
}

// RealtimeHandler serves push streams and client heartbeats.
type RealtimeHandler struct {
	hub         *realtime.Hub
	tickets     TicketReader
	presence    PresenceStore
	presenceTTL time.Duration
	clock       clockwork.Clock
	logger      *zap.Logger
	// streams outlive the request handler; they stop with this context.
	ctx context.Context
}

// RealtimeOptions configures the realtime handler. Presence is optional.
type RealtimeOptions struct {
	Hub         *realtime.Hub
	Tickets     TicketReader
	Presence    PresenceStore
	PresenceTTL time.Duration
	Clock       clockwork.Clock
	Logger      *zap.Logger
}

// NewRealtimeHandler constructs handler. Streams are closed when ctx ends.
func NewRealtimeHandler(ctx context.Context, opts RealtimeOptions) *RealtimeHandler {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealtimeHandler{
		hub:         opts.Hub,
		tickets:     opts.Tickets,
		presence:    opts.Presence,
		presenceTTL: opts.PresenceTTL,
		clock:       clock,
		logger:      logger.Named("realtime_http"),
		ctx:         ctx,
	}
}

// TicketStream GET /realtime/ticket/:id.
func (h *RealtimeHandler) TicketStream(c *fiber.Ctx) error {
	actor, err := requireActor(c)
	if err != nil {
		return err
	}
	ticketID, err := paramID(c, "id")
	if err != nil {
		return err
	}
	if _, err := h.tickets.GetTicket(c.UserContext(), actor, ticketID); err != nil {
		return err
	}
	return h.stream(c, realtime.Scope{UserID: actor.UserID, TicketID: ticketID})
}

// NotificationStream GET /realtime/notifications.
func (h *RealtimeHandler) NotificationStream(c *fiber.Ctx) error {
	actor, err := requireActor(c)
	if err != nil {
		return err
	}
	return h.stream(c, realtime.Scope{UserID: actor.UserID})
}

// Heartbeat POST /realtime/heartbeat.
func (h *RealtimeHandler) Heartbeat(c *fiber.Ctx) error {
	actor, err := requireActor(c)
	if err != nil {
		return err
	}
	touched := h.hub.Touch(actor.UserID)
	if h.presence != nil {
		if err := h.presence.MarkPresent(c.UserContext(), actor.UserID, h.presenceTTL); err != nil {
			h.logger.Warn("presence update failed", zap.Int64("user_id", actor.UserID), zap.Error(err))
		}
	}
	return c.JSON(fiber.Map{"data": fiber.Map{
		"connections": touched,
		"server_time": h.clock.Now().UTC(),
	}})
}

func (h *RealtimeHandler) stream(c *fiber.Ctx, scope realtime.Scope) error {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	conn := h.hub.Register(scope)
	h.logger.Debug("stream opened",
		zap.String("connection_id", conn.ID),
		zap.Int64("user_id", scope.UserID),
		zap.Int64("ticket_id", scope.TicketID))

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		err := h.hub.Serve(h.ctx, conn, w)
		switch {
		case errors.Is(err, realtime.ErrEvicted):
			h.logger.Debug("stream evicted", zap.String("connection_id", conn.ID))
		case err != nil && h.ctx.Err() == nil:
			h.logger.Debug("stream closed", zap.String("connection_id", conn.ID), zap.Error(err))
		}
	}))
	return nil
}
