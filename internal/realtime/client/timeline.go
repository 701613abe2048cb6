package client

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/spec-kit/ticket-lifecycle/internal/api/dto"
	"github.com/spec-kit/ticket-lifecycle/internal/history"
	"github.com/spec-kit/ticket-lifecycle/internal/realtime"
)

// Timeline is the client's local view of one ticket and the user's
// notifications. Every update merges by identity, so replays and
// out-of-order deliveries converge.
type Timeline struct {
	mu            sync.Mutex
	ticket        *dto.TicketResponse
	entries       []dto.HistoryEntryResponse
	notifications []dto.NotificationResponse
}

// NewTimeline returns an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{}
}

// Seed merges entries fetched over the request API, e.g. after a reconnect.
func (t *Timeline) Seed(entries []dto.HistoryEntryResponse) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = history.Merge(t.entries, entries, entrySeq)
}

// Apply folds a pushed event into the timeline.
func (t *Timeline) Apply(event realtime.Event) error {
	switch event.Type {
	case realtime.EventMessage:
		entry, err := decode[dto.HistoryEntryResponse](event.Data)
		if err != nil {
			return err
		}
		t.mu.Lock()
		t.entries = history.Merge(t.entries, []dto.HistoryEntryResponse{entry}, entrySeq)
		t.mu.Unlock()
	case realtime.EventTicketUpdate:
		ticket, err := decode[dto.TicketResponse](event.Data)
		if err != nil {
			return err
		}
		t.mu.Lock()
		if t.ticket == nil || !ticket.UpdatedAt.Before(t.ticket.UpdatedAt) {
			t.ticket = &ticket
		}
		t.mu.Unlock()
	case realtime.EventNotification:
		n, err := decode[dto.NotificationResponse](event.Data)
		if err != nil {
			return err
		}
		t.mu.Lock()
		t.notifications = history.Merge(t.notifications, []dto.NotificationResponse{n}, notificationID)
		t.mu.Unlock()
	}
	return nil
}

// Entries returns a copy of the merged history in sequence order.
func (t *Timeline) Entries() []dto.HistoryEntryResponse {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]dto.HistoryEntryResponse(nil), t.entries...)
}

// LastSeq is the highest merged sequence, usable as a refetch cursor.
func (t *Timeline) LastSeq() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) == 0 {
		return 0
	}
	return t.entries[len(t.entries)-1].Seq
}

// Ticket returns the latest ticket snapshot, if any.
func (t *Timeline) Ticket() *dto.TicketResponse {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ticket == nil {
		return nil
	}
	cp := *t.ticket
	return &cp
}

// Notifications returns a copy of the merged notifications ordered by id.
func (t *Timeline) Notifications() []dto.NotificationResponse {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]dto.NotificationResponse(nil), t.notifications...)
}

func entrySeq(e dto.HistoryEntryResponse) int64       { return e.Seq }
func notificationID(n dto.NotificationResponse) int64 { return n.ID }

func decode[T any](data any) (T, error) {
	var out T
	switch v := data.(type) {
	case T:
		return v, nil
	case json.RawMessage:
		err := json.Unmarshal(v, &out)
		return out, wrapDecode(err)
	case []byte:
		err := json.Unmarshal(v, &out)
		return out, wrapDecode(err)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return out, wrapDecode(err)
		}
		return out, wrapDecode(json.Unmarshal(raw, &out))
	}
}

func wrapDecode(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("decode realtime payload: %w", err)
}
