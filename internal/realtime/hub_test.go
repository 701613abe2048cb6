package realtime_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/spec-kit/ticket-lifecycle/internal/observability"
	"github.com/spec-kit/ticket-lifecycle/internal/realtime"
)

func ticketEvent(t realtime.EventType, ticketID int64) realtime.Event {
	return realtime.Event{Type: t, TicketID: &ticketID, Data: map[string]any{"n": 1}}
}

func notificationEvent(userID int64) realtime.Event {
	return realtime.Event{Type: realtime.EventNotification, UserID: &userID, Data: map[string]any{}}
}

// readFrame reads one SSE frame and decodes its envelope.
func readFrame(r *bufio.Reader) (string, realtime.Event) {
	var name string
	var env realtime.Event
	for {
		line, err := r.ReadString('\n')
		Expect(err).NotTo(HaveOccurred())
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			return name, env
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			Expect(json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env)).To(Succeed())
		}
	}
}

var _ = Describe("Hub", func() {
	var (
		clock   *clockwork.FakeClock
		metrics *observability.Metrics
		hub     *realtime.Hub
	)

	BeforeEach(func() {
		clock = clockwork.NewFakeClockAt(time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC))
		metrics = observability.NewMetrics()
		hub = realtime.NewHub(realtime.HubConfig{
			HeartbeatInterval: 15 * time.Second,
			StaleTimeout:      45 * time.Second,
			Buffer:            2,
		}, clock, nil, metrics)
	})

	Describe("Publish", func() {
		It("fans ticket events out to every subscriber of that ticket only", func() {
			a := hub.Register(realtime.Scope{UserID: 1, TicketID: 10})
			b := hub.Register(realtime.Scope{UserID: 2, TicketID: 10})
			other := hub.Register(realtime.Scope{UserID: 3, TicketID: 11})
			inbox := hub.Register(realtime.Scope{UserID: 1})

			Expect(hub.Publish(ticketEvent(realtime.EventMessage, 10))).To(Equal(2))
			Eventually(a.Events()).Should(Receive())
			Eventually(b.Events()).Should(Receive())
			Consistently(other.Events()).ShouldNot(Receive())
			Consistently(inbox.Events()).ShouldNot(Receive())
		})

		It("sends notifications to the user's notification streams", func() {
			onTicket := hub.Register(realtime.Scope{UserID: 1, TicketID: 10})
			inbox := hub.Register(realtime.Scope{UserID: 1})
			stranger := hub.Register(realtime.Scope{UserID: 2})

			Expect(hub.Publish(notificationEvent(1))).To(Equal(1))
			var got realtime.Event
			Eventually(inbox.Events()).Should(Receive(&got))
			Expect(got.Type).To(Equal(realtime.EventNotification))
			Expect(got.Timestamp).To(Equal(clock.Now().UTC()))
			Consistently(onTicket.Events()).ShouldNot(Receive())
			Consistently(stranger.Events()).ShouldNot(Receive())
		})

		It("evicts a subscriber whose queue is full", func() {
			slow := hub.Register(realtime.Scope{UserID: 1, TicketID: 10})
			for i := 0; i < 2; i++ {
				Expect(hub.Publish(ticketEvent(realtime.EventTicketUpdate, 10))).To(Equal(1))
			}
			Expect(hub.Publish(ticketEvent(realtime.EventTicketUpdate, 10))).To(Equal(0))

			Eventually(slow.Done()).Should(BeClosed())
			Expect(hub.Count()).To(BeZero())
			Expect(metrics.Snapshot().RealtimeEvictions).To(Equal(int64(1)))
		})

		It("returns zero when nobody listens", func() {
			Expect(hub.Publish(ticketEvent(realtime.EventMessage, 99))).To(BeZero())
		})
	})

	Describe("Unregister", func() {
		It("is idempotent and keeps the connection gauge consistent", func() {
			c := hub.Register(realtime.Scope{UserID: 1, TicketID: 10})
			hub.Unregister(c)
			hub.Unregister(c)
			Expect(hub.Count()).To(BeZero())
			Expect(metrics.Snapshot().RealtimeConns).To(BeZero())
			Expect(hub.Publish(ticketEvent(realtime.EventMessage, 10))).To(BeZero())
		})

		It("survives concurrent register, publish and unregister", func() {
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(2)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					c := hub.Register(realtime.Scope{UserID: int64(i), TicketID: 10})
					hub.Unregister(c)
				}(i)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					hub.Publish(ticketEvent(realtime.EventMessage, 10))
				}()
			}
			wg.Wait()
			Expect(hub.Count()).To(BeZero())
		})
	})

	Describe("Run", func() {
		var (
			ctx    context.Context
			cancel context.CancelFunc
			done   chan struct{}
		)

		BeforeEach(func() {
			ctx, cancel = context.WithCancel(context.Background())
			done = make(chan struct{})
			go func() {
				defer close(done)
				hub.Run(ctx)
			}()
			Expect(clock.BlockUntilContext(ctx, 1)).To(Succeed())
		})

		AfterEach(func() {
			cancel()
			Eventually(done).Should(BeClosed())
		})

		It("sends heartbeat frames on every interval", func() {
			c := hub.Register(realtime.Scope{UserID: 1, TicketID: 10})
			clock.Advance(15 * time.Second)

			var got realtime.Event
			Eventually(c.Events()).Should(Receive(&got))
			Expect(got.Type).To(Equal(realtime.EventHeartbeat))
			Expect(*got.TicketID).To(Equal(int64(10)))
		})

		It("evicts connections that stopped heartbeating", func() {
			stale := hub.Register(realtime.Scope{UserID: 1, TicketID: 10})
			alive := hub.Register(realtime.Scope{UserID: 2})

			for i := 0; i < 4; i++ {
				clock.Advance(15 * time.Second)
				Expect(hub.Touch(2)).To(Equal(1))
				Eventually(alive.Events()).Should(Receive())
			}

			Eventually(stale.Done()).Should(BeClosed())
			Expect(hub.Count()).To(Equal(1))
		})

		It("closes every connection on shutdown", func() {
			c := hub.Register(realtime.Scope{UserID: 1})
			cancel()
			Eventually(c.Done()).Should(BeClosed())
		})
	})

	Describe("Serve", func() {
		It("writes the connection frame first, then queued events, and unregisters on eviction", func() {
			conn := hub.Register(realtime.Scope{UserID: 1, TicketID: 10})
			pr, pw := io.Pipe()
			served := make(chan error, 1)
			go func() {
				served <- hub.Serve(context.Background(), conn, bufio.NewWriter(pw))
				_ = pw.Close()
			}()
			reader := bufio.NewReader(pr)

			name, env := readFrame(reader)
			Expect(name).To(Equal("connection"))
			Expect(env.Type).To(Equal(realtime.EventConnection))
			Expect(*env.TicketID).To(Equal(int64(10)))
			Expect(env.Data).To(HaveKeyWithValue("connectionId", conn.ID))

			Expect(hub.Publish(ticketEvent(realtime.EventMessage, 10))).To(Equal(1))
			name, env = readFrame(reader)
			Expect(name).To(Equal("message"))
			Expect(*env.TicketID).To(Equal(int64(10)))

			hub.Unregister(conn)
			Eventually(served).Should(Receive(MatchError(realtime.ErrEvicted)))
			Expect(hub.Count()).To(BeZero())
		})

		It("stops when the peer goes away", func() {
			conn := hub.Register(realtime.Scope{UserID: 1})
			pr, pw := io.Pipe()
			_ = pr.Close()

			err := hub.Serve(context.Background(), conn, bufio.NewWriter(pw))
			Expect(err).To(HaveOccurred())
			Expect(hub.Count()).To(BeZero())
		})
	})
})
