// Package worker forwards committed notifications to external delivery
// channels (email, webhooks) through a message broker.
package worker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/events"
)

// OutboundNotification is the broker message body.
type OutboundNotification struct {
	EventID      string                  `json:"event_id"`
	Notification int64                   `json:"notification_id"`
	UserID       int64                   `json:"user_id"`
	TicketID     int64                   `json:"ticket_id"`
	Kind         domain.NotificationKind `json:"kind"`
	Message      string                  `json:"message"`
	CreatedAt    time.Time               `json:"created_at"`
}

// RoutingKey is the topic a notification is published under.
func (o OutboundNotification) RoutingKey() string {
	return "notification." + string(o.Kind)
}

// NotificationConfig tunes the outbox worker.
type NotificationConfig struct {
	Buffer         int
	PublishTimeout time.Duration
	MaxTries       uint
	RetryInterval  time.Duration
}

func (c NotificationConfig) withDefaults() NotificationConfig {
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.MaxTries == 0 {
		c.MaxTries = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 200 * time.Millisecond
	}
	return c
}

// NotificationWorker drains notification_created events to a Publisher
// off the request path. Events that do not fit the buffer are dropped and
// logged; the notification itself is already stored.
type NotificationWorker struct {
	publisher Publisher
	logger    *zap.Logger
	cfg       NotificationConfig
	queue     chan OutboundNotification
}

// NewNotificationWorker creates the worker.
func NewNotificationWorker(publisher Publisher, logger *zap.Logger, cfg NotificationConfig) *NotificationWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &NotificationWorker{
		publisher: publisher,
		logger:    logger.Named("notification_worker"),
		cfg:       cfg,
		queue:     make(chan OutboundNotification, cfg.Buffer),
	}
}

// Attach subscribes the worker to the dispatcher.
func (w *NotificationWorker) Attach(dispatcher events.Dispatcher) {
	if dispatcher == nil {
		return
	}
	dispatcher.Subscribe(events.EventNotificationCreated, w.handleNotificationCreated)
}

func (w *NotificationWorker) handleNotificationCreated(_ context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.NotificationCreatedPayload)
	if !ok {
		return nil
	}
	n := payload.Notification
	msg := OutboundNotification{
		EventID:      event.ID,
		Notification: n.ID,
		UserID:       n.UserID,
		TicketID:     n.TicketID,
		Kind:         n.Kind,
		Message:      n.Message,
		CreatedAt:    n.CreatedAt,
	}
	select {
	case w.queue <- msg:
	default:
		w.logger.Warn("outbox full; notification not forwarded",
			zap.Int64("notification_id", n.ID),
			zap.Int64("user_id", n.UserID))
	}
	return nil
}

// Run publishes queued notifications until ctx is cancelled.
func (w *NotificationWorker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if pending := len(w.queue); pending > 0 {
				w.logger.Warn("notification worker stopping with pending messages", zap.Int("pending", pending))
			}
			return
		case msg := <-w.queue:
			w.publish(ctx, msg)
		}
	}
}

func (w *NotificationWorker) publish(ctx context.Context, msg OutboundNotification) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.cfg.RetryInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		publishCtx, cancel := context.WithTimeout(ctx, w.cfg.PublishTimeout)
		defer cancel()
		return struct{}{}, w.publisher.Publish(publishCtx, msg.RoutingKey(), msg)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(w.cfg.MaxTries))
	if err != nil {
		w.logger.Error("publish notification failed",
			zap.Int64("notification_id", msg.Notification),
			zap.String("routing_key", msg.RoutingKey()),
			zap.Error(err))
		return
	}
	w.logger.Debug("notification forwarded",
		zap.Int64("notification_id", msg.Notification),
		zap.String("routing_key", msg.RoutingKey()))
}
