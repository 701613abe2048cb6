package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-lifecycle/internal/observability"
)

// ErrEvicted is returned to a stream whose connection was dropped by the hub.
var ErrEvicted = errors.New("realtime: connection evicted")

// Registry is the fan-out surface used by publishers and stream handlers.
type Registry interface {
	Register(scope Scope) *Conn
	Unregister(conn *Conn)
	Publish(event Event) int
}

// Conn is one open subscription.
type Conn struct {
	ID    string
	Scope Scope

	send     chan Event
	done     chan struct{}
	once     sync.Once
	lastSeen atomic.Int64
}

// Events delivers queued events.
func (c *Conn) Events() <-chan Event { return c.send }

// Done is closed when the connection leaves the registry.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Touch records liveness at now.
func (c *Conn) Touch(now time.Time) { c.lastSeen.Store(now.UnixNano()) }

// LastSeen returns the last recorded liveness instant.
func (c *Conn) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

func (c *Conn) close() { c.once.Do(func() { close(c.done) }) }

// offer queues e without blocking and reports whether it fit.
func (c *Conn) offer(e Event) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- e:
		return true
	default:
		return false
	}
}

// HubConfig tunes the hub.
type HubConfig struct {
	HeartbeatInterval time.Duration
	StaleTimeout      time.Duration
	Buffer            int
}

// Hub is a process-local registry of open subscriptions indexed by ticket
// and by user. All index access happens under mu.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*Conn
	byTicket map[int64]map[string]*Conn
	byUser   map[int64]map[string]*Conn

	cfg     HubConfig
	clock   clockwork.Clock
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewHub constructs an empty hub.
func NewHub(cfg HubConfig, clock clockwork.Clock, logger *zap.Logger, metrics *observability.Metrics) *Hub {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = 3 * cfg.HeartbeatInterval
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 32
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		conns:    make(map[string]*Conn),
		byTicket: make(map[int64]map[string]*Conn),
		byUser:   make(map[int64]map[string]*Conn),
		cfg:      cfg,
		clock:    clock,
		logger:   logger.Named("realtime_hub"),
		metrics:  metrics,
	}
}

// Register opens a subscription for scope.
func (h *Hub) Register(scope Scope) *Conn {
	conn := &Conn{
		ID:    uuid.NewString(),
		Scope: scope,
		send:  make(chan Event, h.cfg.Buffer),
		done:  make(chan struct{}),
	}
	conn.Touch(h.clock.Now())

	h.mu.Lock()
	h.conns[conn.ID] = conn
	index(h.byUser, scope.UserID, conn)
	if !scope.Notifications() {
		index(h.byTicket, scope.TicketID, conn)
	}
	h.mu.Unlock()

	h.metrics.RecordRealtimeConnection(1)
	h.logger.Debug("subscription opened",
		zap.String("conn_id", conn.ID),
		zap.Int64("user_id", scope.UserID),
		zap.Int64("ticket_id", scope.TicketID))
	return conn
}

// Unregister removes conn. It is safe to call more than once.
func (h *Hub) Unregister(conn *Conn) {
	h.mu.Lock()
	_, present := h.conns[conn.ID]
	if present {
		delete(h.conns, conn.ID)
		unindex(h.byUser, conn.Scope.UserID, conn)
		if !conn.Scope.Notifications() {
			unindex(h.byTicket, conn.Scope.TicketID, conn)
		}
	}
	h.mu.Unlock()

	conn.close()
	if present {
		h.metrics.RecordRealtimeConnection(-1)
		h.logger.Debug("subscription closed", zap.String("conn_id", conn.ID))
	}
}

// Publish routes event to its subscribers and returns how many accepted it.
// Ticket-scoped events reach every connection on that ticket; notification
// events reach the user's notification streams. A subscriber whose queue is
// full is evicted; the client recovers by refetching.
func (h *Hub) Publish(event Event) int {
	if event.Timestamp.IsZero() {
		event.Timestamp = h.clock.Now().UTC()
	}
	targets := h.targets(event)

	delivered := 0
	for _, conn := range targets {
		if conn.offer(event) {
			delivered++
			continue
		}
		h.evict(conn, "slow consumer")
	}
	return delivered
}

func (h *Hub) targets(event Event) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*Conn
	switch {
	case event.TicketScoped() && event.TicketID != nil:
		for _, c := range h.byTicket[*event.TicketID] {
			out = append(out, c)
		}
	case event.Type == EventNotification && event.UserID != nil:
		for _, c := range h.byUser[*event.UserID] {
			if c.Scope.Notifications() {
				out = append(out, c)
			}
		}
	}
	return out
}

// Touch marks every connection of userID as alive.
func (h *Hub) Touch(userID int64) int {
	now := h.clock.Now()
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.byUser[userID] {
		c.Touch(now)
	}
	return len(h.byUser[userID])
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Run emits heartbeat frames and evicts stale connections until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	ticker := h.clock.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.Chan():
			h.beat()
		}
	}
}

func (h *Hub) beat() {
	now := h.clock.Now()

	h.mu.RLock()
	all := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		all = append(all, c)
	}
	h.mu.RUnlock()

	for _, c := range all {
		if now.Sub(c.LastSeen()) > h.cfg.StaleTimeout {
			h.evict(c, "stale")
			continue
		}
		beat := Event{Type: EventHeartbeat, Data: map[string]any{"connectionId": c.ID}, Timestamp: now.UTC()}
		if !c.Scope.Notifications() {
			ticketID := c.Scope.TicketID
			beat.TicketID = &ticketID
		}
		if !c.offer(beat) {
			h.evict(c, "slow consumer")
		}
	}
}

func (h *Hub) evict(conn *Conn, reason string) {
	h.metrics.RecordRealtimeEviction()
	h.logger.Info("evicting subscription",
		zap.String("conn_id", conn.ID),
		zap.Int64("user_id", conn.Scope.UserID),
		zap.String("reason", reason))
	h.Unregister(conn)
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	all := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.Unregister(c)
	}
}

func index(m map[int64]map[string]*Conn, key int64, conn *Conn) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]*Conn)
		m[key] = set
	}
	set[conn.ID] = conn
}

func unindex(m map[int64]map[string]*Conn, key int64, conn *Conn) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, conn.ID)
	if len(set) == 0 {
		delete(m, key)
	}
}
