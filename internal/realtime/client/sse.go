package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spec-kit/ticket-lifecycle/internal/realtime"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

// Envelope is a received event whose data is left undecoded.
type Envelope struct {
	Type      realtime.EventType `json:"type"`
	TicketID  *int64             `json:"ticketId,omitempty"`
	UserID    *int64             `json:"userId,omitempty"`
	Data      json.RawMessage    `json:"data"`
	Timestamp time.Time          `json:"timestamp"`
}

// SSETransport opens server-sent-event streams against the API. The bearer
// token travels as a query parameter because the stream is a plain GET.
type SSETransport struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// Open implements Transport.
func (t *SSETransport) Open(ctx context.Context, scope realtime.Scope) (Stream, error) {
	path := "/realtime/notifications"
	if !scope.Notifications() {
		path = "/realtime/ticket/" + strconv.FormatInt(scope.TicketID, 10)
	}
	u, err := url.Parse(strings.TrimRight(t.BaseURL, "/") + path)
	if err != nil {
		return nil, apperrors.NewValidationError("invalid realtime base url", map[string]any{"baseUrl": t.BaseURL})
	}
	q := u.Query()
	q.Set("token", t.Token)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, apperrors.NewTransportError(err)
	}
	req.Header.Set("Accept", "text/event-stream")

	client := t.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, apperrors.NewTransportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, apperrors.NewTransportError(fmt.Errorf("realtime stream: unexpected status %d", resp.StatusCode))
	}
	return &sseStream{body: resp.Body, reader: bufio.NewReader(resp.Body)}, nil
}

type sseStream struct {
	body interface{ Close() error }

	reader *bufio.Reader
	once   sync.Once
}

// Next reads one frame. Frames carry the event name on an "event:" line and
// the JSON envelope on one or more "data:" lines.
func (s *sseStream) Next() (realtime.Event, error) {
	var data strings.Builder
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return realtime.Event{}, apperrors.NewTransportError(err)
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			return decodeEnvelope([]byte(data.String()))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

func (s *sseStream) Close() error {
	var err error
	s.once.Do(func() { err = s.body.Close() })
	return err
}

func decodeEnvelope(raw []byte) (realtime.Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return realtime.Event{}, apperrors.NewTransportError(fmt.Errorf("decode realtime frame: %w", err))
	}
	event := realtime.Event{
		Type:      env.Type,
		TicketID:  env.TicketID,
		UserID:    env.UserID,
		Data:      env.Data,
		Timestamp: env.Timestamp,
	}
	return event, nil
}

// HTTPHeartbeater posts to the heartbeat endpoint.
type HTTPHeartbeater struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// Beat implements Heartbeater.
func (h *HTTPHeartbeater) Beat(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(h.BaseURL, "/")+"/realtime/heartbeat", nil)
	if err != nil {
		return apperrors.NewTransportError(err)
	}
	req.Header.Set("Authorization", "Bearer "+h.Token)

	client := h.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return apperrors.NewTransportError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apperrors.NewTransportError(fmt.Errorf("heartbeat: unexpected status %d", resp.StatusCode))
	}
	return nil
}
