package handlers

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/jonboulle/clockwork"

	"github.com/spec-kit/ticket-lifecycle/internal/api/dto"
	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/lifecycle"
	"github.com/spec-kit/ticket-lifecycle/internal/service"
)

// TicketsHandler serves the ticket mutation and read surface.
type TicketsHandler struct {
	service  *service.TicketService
	validate *validator.Validate
	clock    clockwork.Clock
}

// NewTicketsHandler constructs handler.
func NewTicketsHandler(ticketService *service.TicketService, validate *validator.Validate, clock clockwork.Clock) *TicketsHandler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TicketsHandler{service: ticketService, validate: validate, clock: clock}
}

// CreateTicket POST /tickets.
func (h *TicketsHandler) CreateTicket(c *fiber.Ctx) error {
	actor, err := requireActor(c)
	if err != nil {
		return err
	}
	var req dto.CreateTicketRequest
	if err := bindBody(c, h.validate, &req); err != nil {
		return err
	}
	ticket, err := h.service.CreateTicket(c.UserContext(), actor, service.TicketCreateInput{
		CategoryID:  req.CategoryID,
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": h.ticket(ticket)})
}

// ListTickets GET /tickets.
func (h *TicketsHandler) ListTickets(c *fiber.Ctx) error {
	actor, err := requireActor(c)
	if err != nil {
		return err
	}
	tickets, err := h.service.ListMine(c.UserContext(), actor, c.QueryInt("limit", 50))
	if err != nil {
		return err
	}
	items := make([]dto.TicketResponse, 0, len(tickets))
	for i := range tickets {
		items = append(items, h.ticket(&tickets[i]))
	}
	return c.JSON(fiber.Map{"data": items})
}

// GetTicket GET /tickets/:id.
func (h *TicketsHandler) GetTicket(c *fiber.Ctx) error {
	actor, ticketID, err := h.target(c)
	if err != nil {
		return err
	}
	ticket, err := h.service.GetTicket(c.UserContext(), actor, ticketID)
	if err != nil {
		return err
	}
	allowed := lifecycle.Allowed(ticket.Status, lifecycle.Relate(actor, ticket))
	return c.JSON(fiber.Map{"data": h.ticket(ticket), "allowed_actions": allowed})
}

// GetHistory GET /tickets/:id/history?after_seq=N.
func (h *TicketsHandler) GetHistory(c *fiber.Ctx) error {
	actor, ticketID, err := h.target(c)
	if err != nil {
		return err
	}
	afterSeq, err := queryInt64(c, "after_seq")
	if err != nil {
		return err
	}
	entries, err := h.service.GetHistory(c.UserContext(), actor, ticketID, afterSeq)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewHistoryResponse(entries)})
}

// AddMessage POST /tickets/:id/messages.
func (h *TicketsHandler) AddMessage(c *fiber.Ctx) error {
	actor, ticketID, err := h.target(c)
	if err != nil {
		return err
	}
	var req dto.CreateMessageRequest
	if err := bindBody(c, h.validate, &req); err != nil {
		return err
	}
	res, err := h.service.AddMessage(c.UserContext(), actor, ticketID, req.Body)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": dto.TransitionResponse{
		Ticket: h.ticket(res.Ticket),
		Entry:  dto.NewHistoryEntryResponse(res.Entry),
	}})
}

// UpdateStatus POST /tickets/:id/status with an action name.
func (h *TicketsHandler) UpdateStatus(c *fiber.Ctx) error {
	actor, ticketID, err := h.target(c)
	if err != nil {
		return err
	}
	var req dto.UpdateStatusRequest
	if err := bindBody(c, h.validate, &req); err != nil {
		return err
	}
	res, err := h.service.Transition(c.UserContext(), actor, ticketID, service.TransitionInput{
		Action:     req.Action,
		Reason:     req.Reason,
		AssigneeID: req.AssigneeID,
	})
	return h.transition(c, res, err)
}

// Claim POST /tickets/:id/claim.
func (h *TicketsHandler) Claim(c *fiber.Ctx) error {
	actor, ticketID, err := h.target(c)
	if err != nil {
		return err
	}
	res, err := h.service.Claim(c.UserContext(), actor, ticketID)
	return h.transition(c, res, err)
}

// Assign POST /tickets/:id/assign.
func (h *TicketsHandler) Assign(c *fiber.Ctx) error {
	actor, ticketID, err := h.target(c)
	if err != nil {
		return err
	}
	var req dto.AssignRequest
	if err := bindBody(c, h.validate, &req); err != nil {
		return err
	}
	res, err := h.service.Assign(c.UserContext(), actor, ticketID, req.AssigneeID)
	return h.transition(c, res, err)
}

// ChangeCategory PATCH /tickets/:id/category.
func (h *TicketsHandler) ChangeCategory(c *fiber.Ctx) error {
	actor, ticketID, err := h.target(c)
	if err != nil {
		return err
	}
	var req dto.ChangeCategoryRequest
	if err := bindBody(c, h.validate, &req); err != nil {
		return err
	}
	ticket, err := h.service.ChangeCategory(c.UserContext(), actor, ticketID, req.CategoryID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": h.ticket(ticket)})
}

// Finalize POST /tickets/:id/finalize.
func (h *TicketsHandler) Finalize(c *fiber.Ctx) error {
	actor, ticketID, err := h.target(c)
	if err != nil {
		return err
	}
	res, err := h.service.Finalize(c.UserContext(), actor, ticketID)
	return h.transition(c, res, err)
}

// Approve POST /tickets/:id/approve.
func (h *TicketsHandler) Approve(c *fiber.Ctx) error {
	actor, ticketID, err := h.target(c)
	if err != nil {
		return err
	}
	res, err := h.service.Approve(c.UserContext(), actor, ticketID)
	return h.transition(c, res, err)
}

// Reject POST /tickets/:id/reject.
func (h *TicketsHandler) Reject(c *fiber.Ctx) error {
	actor, ticketID, err := h.target(c)
	if err != nil {
		return err
	}
	var req dto.RejectRequest
	if err := bindBody(c, h.validate, &req); err != nil {
		return err
	}
	res, err := h.service.Reject(c.UserContext(), actor, ticketID, req.Reason)
	return h.transition(c, res, err)
}

// Reopen POST /tickets/:id/reopen.
func (h *TicketsHandler) Reopen(c *fiber.Ctx) error {
	actor, ticketID, err := h.target(c)
	if err != nil {
		return err
	}
	var req dto.ReopenRequest
	if err := bindBody(c, h.validate, &req); err != nil {
		return err
	}
	res, err := h.service.Reopen(c.UserContext(), actor, ticketID, req.Reason)
	return h.transition(c, res, err)
}

func (h *TicketsHandler) target(c *fiber.Ctx) (domain.Actor, int64, error) {
	actor, err := requireActor(c)
	if err != nil {
		return domain.Actor{}, 0, err
	}
	ticketID, err := paramID(c, "id")
	if err != nil {
		return domain.Actor{}, 0, err
	}
	return actor, ticketID, nil
}

func (h *TicketsHandler) transition(c *fiber.Ctx, res *lifecycle.Result, err error) error {
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.TransitionResponse{
		Ticket: h.ticket(res.Ticket),
		Entry:  dto.NewHistoryEntryResponse(res.Entry),
	}})
}

func (h *TicketsHandler) ticket(t *domain.Ticket) dto.TicketResponse {
	return dto.NewTicketResponse(t, h.clock.Now())
}
