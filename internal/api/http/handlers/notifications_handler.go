package handlers

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticket-lifecycle/internal/api/dto"
	"github.com/spec-kit/ticket-lifecycle/internal/service"
)

// NotificationsHandler exposes the caller's notifications.
type NotificationsHandler struct {
	service  *service.NotificationService
	validate *validator.Validate
}

// NewNotificationsHandler constructs handler.
func NewNotificationsHandler(notificationService *service.NotificationService, validate *validator.Validate) *NotificationsHandler {
	return &NotificationsHandler{service: notificationService, validate: validate}
}

// List GET /notifications?unread=true&limit=N.
func (h *NotificationsHandler) List(c *fiber.Ctx) error {
	actor, err := requireActor(c)
	if err != nil {
		return err
	}
	var query dto.NotificationListQuery
	if err := bindQuery(c, h.validate, &query); err != nil {
		return err
	}
	items, err := h.service.List(c.UserContext(), actor, query.UnreadOnly, query.Limit)
	if err != nil {
		return err
	}
	out := make([]dto.NotificationResponse, 0, len(items))
	for _, n := range items {
		out = append(out, dto.NewNotificationResponse(n))
	}
	return c.JSON(fiber.Map{"data": out})
}

// MarkRead POST /notifications/:id/read.
func (h *NotificationsHandler) MarkRead(c *fiber.Ctx) error {
	actor, err := requireActor(c)
	if err != nil {
		return err
	}
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	if err := h.service.MarkRead(c.UserContext(), actor, id); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}
