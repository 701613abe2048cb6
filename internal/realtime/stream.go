package realtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// WriteFrame writes e as one server-sent-events frame.
func WriteFrame(w io.Writer, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal realtime event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, payload); err != nil {
		return err
	}
	return nil
}

// Serve pumps conn's events into w until ctx ends, the hub evicts the
// connection, or a write fails. The connection is always unregistered on
// return. The first frame is a connection event carrying the connection id.
func (h *Hub) Serve(ctx context.Context, conn *Conn, w *bufio.Writer) error {
	defer h.Unregister(conn)

	hello := Event{
		Type:      EventConnection,
		Data:      map[string]any{"connectionId": conn.ID, "heartbeatIntervalMs": h.cfg.HeartbeatInterval.Milliseconds()},
		Timestamp: h.clock.Now().UTC(),
	}
	userID := conn.Scope.UserID
	hello.UserID = &userID
	if !conn.Scope.Notifications() {
		ticketID := conn.Scope.TicketID
		hello.TicketID = &ticketID
	}
	if err := h.flush(w, conn, hello); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-conn.Done():
			return ErrEvicted
		case event := <-conn.Events():
			if err := h.flush(w, conn, event); err != nil {
				return err
			}
		}
	}
}

func (h *Hub) flush(w *bufio.Writer, conn *Conn, e Event) error {
	if err := WriteFrame(w, e); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	conn.Touch(h.clock.Now())
	return nil
}
