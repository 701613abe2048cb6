package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticket-lifecycle/internal/api/http/handlers"
	"github.com/spec-kit/ticket-lifecycle/internal/auth"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Tickets        *handlers.TicketsHandler
	Notifications  *handlers.NotificationsHandler
	Realtime       *handlers.RealtimeHandler
	AuthMiddleware *auth.AuthMiddleware
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)

	tickets := app.Group("/tickets", cfg.AuthMiddleware.Handle)
	tickets.Post("/", cfg.Tickets.CreateTicket)
	tickets.Get("/", cfg.Tickets.ListTickets)
	tickets.Get("/:id", cfg.Tickets.GetTicket)
	tickets.Get("/:id/history", cfg.Tickets.GetHistory)
	tickets.Post("/:id/messages", cfg.Tickets.AddMessage)
	tickets.Post("/:id/status", cfg.Tickets.UpdateStatus)
	tickets.Post("/:id/claim", auth.RequireStaff(), cfg.Tickets.Claim)
	tickets.Post("/:id/assign", auth.RequireStaff(), cfg.Tickets.Assign)
	tickets.Patch("/:id/category", auth.RequireStaff(), cfg.Tickets.ChangeCategory)
	tickets.Post("/:id/finalize", auth.RequireStaff(), cfg.Tickets.Finalize)
	tickets.Post("/:id/approve", cfg.Tickets.Approve)
	tickets.Post("/:id/reject", cfg.Tickets.Reject)
	tickets.Post("/:id/reopen", cfg.Tickets.Reopen)

	notifications := app.Group("/notifications", cfg.AuthMiddleware.Handle)
	notifications.Get("/", cfg.Notifications.List)
	notifications.Post("/:id/read", cfg.Notifications.MarkRead)

	realtime := app.Group("/realtime")
	realtime.Get("/ticket/:id", cfg.AuthMiddleware.HandleStream, cfg.Realtime.TicketStream)
	realtime.Get("/notifications", cfg.AuthMiddleware.HandleStream, cfg.Realtime.NotificationStream)
	realtime.Post("/heartbeat", cfg.AuthMiddleware.Handle, cfg.Realtime.Heartbeat)
}
