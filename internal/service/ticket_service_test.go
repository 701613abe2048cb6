package service_test

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/spec-kit/ticket-lifecycle/internal/approval"
	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/events"
	"github.com/spec-kit/ticket-lifecycle/internal/history"
	"github.com/spec-kit/ticket-lifecycle/internal/lifecycle"
	"github.com/spec-kit/ticket-lifecycle/internal/repository/memstore"
	"github.com/spec-kit/ticket-lifecycle/internal/service"
	"github.com/spec-kit/ticket-lifecycle/internal/sla"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

type sequenceIDs struct{ next atomic.Int64 }

func (s *sequenceIDs) NewID() int64 { return s.next.Add(1) }

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) handle(_ context.Context, e events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) types() []events.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]events.EventType, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

const (
	hardware = int64(10)
	network  = int64(11)
)

var (
	requester = domain.Actor{UserID: 1, Role: domain.RoleRequester}
	attendant = domain.Actor{UserID: 2, Role: domain.RoleAttendant}
	stranger  = domain.Actor{UserID: 3, Role: domain.RoleRequester}
	admin     = domain.Actor{UserID: 4, Role: domain.RoleAdmin}
)

var _ = Describe("TicketService", func() {
	var (
		ctx      context.Context
		t0       time.Time
		clock    *clockwork.FakeClock
		store    *memstore.Store
		recorded *eventLog
		log      *history.Log
		machine  *lifecycle.Machine
		svc      *service.TicketService
	)

	BeforeEach(func() {
		ctx = context.Background()
		t0 = time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)
		clock = clockwork.NewFakeClockAt(t0)
		store = memstore.New()
		store.SeedCategory(domain.Category{ID: hardware, Name: "Hardware", SLAFirstResponseHours: 4, SLAResolutionHours: 24})
		store.SeedCategory(domain.Category{ID: network, Name: "Network", SLAFirstResponseHours: 1, SLAResolutionHours: 8})

		dispatcher := events.NewInMemoryDispatcher(nil)
		recorded = &eventLog{}
		for _, t := range []events.EventType{
			events.EventTicketCreated,
			events.EventTicketStatusChanged,
			events.EventTicketCategoryChanged,
			events.EventHistoryAppended,
			events.EventNotificationCreated,
		} {
			dispatcher.Subscribe(t, recorded.handle)
		}

		ids := &sequenceIDs{}
		log = history.NewLog(store.History(), clock)
		machine = lifecycle.NewMachine(lifecycle.Dependencies{
			Tickets:    store.Tickets(),
			Categories: store.Categories(),
			Tx:         store,
			History:    log,
			Dispatcher: dispatcher,
			Clock:      clock,
			IDs:        ids,
		})
		svc = service.NewTicketService(service.TicketDependencies{
			Tickets:    store.Tickets(),
			Categories: store.Categories(),
			Tx:         store,
			History:    log,
			Machine:    machine,
			Approvals:  approval.NewCoordinator(machine, nil),
			Dispatcher: dispatcher,
			Clock:      clock,
			IDs:        ids,
		})
	})

	create := func() *domain.Ticket {
		ticket, err := svc.CreateTicket(ctx, requester, service.TicketCreateInput{
			CategoryID: hardware,
			Title:      "Printer jammed",
		})
		Expect(err).NotTo(HaveOccurred())
		return ticket
	}

	Describe("CreateTicket", func() {
		It("opens the ticket with deadlines measured from creation", func() {
			ticket := create()
			Expect(ticket.Status).To(Equal(domain.TicketStatusOpen))
			Expect(ticket.Priority).To(Equal(domain.TicketPriorityMedium))
			Expect(ticket.SLAFirstResponseAt).To(Equal(t0.Add(4 * time.Hour)))
			Expect(ticket.SLAResolutionAt).To(Equal(t0.Add(24 * time.Hour)))

			entries, err := svc.GetHistory(ctx, requester, ticket.ID, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Text).To(Equal("ticket opened"))
			Expect(recorded.types()).To(ContainElements(events.EventTicketCreated, events.EventHistoryAppended))
		})

		It("does not count a staff-opened ticket as a first response", func() {
			ticket, err := svc.CreateTicket(ctx, attendant, service.TicketCreateInput{CategoryID: hardware, Title: "Internal"})
			Expect(err).NotTo(HaveOccurred())
			responded, err := store.History().HasAttendantResponseBefore(ctx, ticket.ID, t0.Add(time.Hour))
			Expect(err).NotTo(HaveOccurred())
			Expect(responded).To(BeFalse())
		})

		It("rejects an unknown category, a blank title and an unknown priority", func() {
			_, err := svc.CreateTicket(ctx, requester, service.TicketCreateInput{CategoryID: 99, Title: "x"})
			Expect(apperrors.IsCode(err, apperrors.CodeValidation)).To(BeTrue())

			_, err = svc.CreateTicket(ctx, requester, service.TicketCreateInput{CategoryID: hardware, Title: "  "})
			Expect(apperrors.IsCode(err, apperrors.CodeValidation)).To(BeTrue())

			_, err = svc.CreateTicket(ctx, requester, service.TicketCreateInput{CategoryID: hardware, Title: "x", Priority: "whenever"})
			Expect(apperrors.IsCode(err, apperrors.CodeValidation)).To(BeTrue())
		})
	})

	Describe("GetTicket", func() {
		It("hides a ticket from other requesters but not from staff", func() {
			ticket := create()
			_, err := svc.GetTicket(ctx, stranger, ticket.ID)
			Expect(apperrors.IsForbidden(err)).To(BeTrue())

			got, err := svc.GetTicket(ctx, attendant, ticket.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ID).To(Equal(ticket.ID))
		})

		It("reports an unknown ticket as not found", func() {
			_, err := svc.GetTicket(ctx, admin, 12345)
			Expect(apperrors.IsNotFound(err)).To(BeTrue())
		})

		It("lists the requester's own tickets newest first", func() {
			first := create()
			clock.Advance(time.Minute)
			second := create()

			mine, err := svc.ListMine(ctx, requester, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(mine).To(HaveLen(2))
			Expect(mine[0].ID).To(Equal(second.ID))
			Expect(mine[1].ID).To(Equal(first.ID))

			theirs, err := svc.ListMine(ctx, stranger, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(theirs).To(BeEmpty())
		})
	})

	Describe("AddMessage", func() {
		It("records the first staff response and notifies the requester", func() {
			ticket := create()
			clock.Advance(time.Hour)

			res, err := svc.AddMessage(ctx, attendant, ticket.ID, "On my way")
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Entry.Kind).To(Equal(domain.HistoryKindMessage))
			Expect(res.Ticket.FirstRespondedAt).NotTo(BeNil())
			Expect(*res.Ticket.FirstRespondedAt).To(Equal(t0.Add(time.Hour)))

			notes, err := store.Notifications().ListByUser(ctx, requester.UserID, true, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(notes).To(HaveLen(1))
			Expect(notes[0].Kind).To(Equal(domain.NotificationNewMessage))
			Expect(recorded.types()).To(ContainElement(events.EventNotificationCreated))
		})

		It("keeps the first response time on later staff messages", func() {
			ticket := create()
			clock.Advance(time.Hour)
			_, err := svc.AddMessage(ctx, attendant, ticket.ID, "first")
			Expect(err).NotTo(HaveOccurred())
			clock.Advance(time.Hour)
			res, err := svc.AddMessage(ctx, attendant, ticket.ID, "second")
			Expect(err).NotTo(HaveOccurred())
			Expect(*res.Ticket.FirstRespondedAt).To(Equal(t0.Add(time.Hour)))
		})

		It("notifies the assigned attendant of a requester message", func() {
			ticket := create()
			_, err := svc.Claim(ctx, attendant, ticket.ID)
			Expect(err).NotTo(HaveOccurred())

			_, err = svc.AddMessage(ctx, requester, ticket.ID, "any news?")
			Expect(err).NotTo(HaveOccurred())
			notes, _ := store.Notifications().ListByUser(ctx, attendant.UserID, true, 10)
			Expect(notes).To(HaveLen(1))
		})

		It("does not notify anyone for a requester message on an unassigned ticket", func() {
			ticket := create()
			res, err := svc.AddMessage(ctx, requester, ticket.ID, "hello?")
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Notifications).To(BeEmpty())
			Expect(res.Ticket.FirstRespondedAt).To(BeNil())
		})

		It("orders messages by sequence even when timestamps collide", func() {
			ticket := create()
			for _, body := range []string{"a", "b", "c"} {
				_, err := svc.AddMessage(ctx, requester, ticket.ID, body)
				Expect(err).NotTo(HaveOccurred())
			}
			entries, err := svc.GetHistory(ctx, requester, ticket.ID, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(4))
			Expect(entries[1].Text).To(Equal("a"))
			Expect(entries[3].Text).To(Equal("c"))

			tail, err := svc.GetHistory(ctx, requester, ticket.ID, entries[2].Seq)
			Expect(err).NotTo(HaveOccurred())
			Expect(tail).To(HaveLen(1))
			Expect(tail[0].Text).To(Equal("c"))
		})

		It("rejects empty bodies, strangers and closed tickets", func() {
			ticket := create()
			_, err := svc.AddMessage(ctx, requester, ticket.ID, " ")
			Expect(apperrors.IsCode(err, apperrors.CodeValidation)).To(BeTrue())

			_, err = svc.AddMessage(ctx, stranger, ticket.ID, "hi")
			Expect(apperrors.IsForbidden(err)).To(BeTrue())

			_, err = svc.Claim(ctx, attendant, ticket.ID)
			Expect(err).NotTo(HaveOccurred())
			_, err = svc.Finalize(ctx, attendant, ticket.ID)
			Expect(err).NotTo(HaveOccurred())
			_, err = svc.Approve(ctx, requester, ticket.ID)
			Expect(err).NotTo(HaveOccurred())

			_, err = svc.AddMessage(ctx, requester, ticket.ID, "thanks")
			Expect(apperrors.IsInvalidTransition(err)).To(BeTrue())
		})
	})

	Describe("ChangeCategory", func() {
		It("recomputes both deadlines from the change before any response", func() {
			ticket := create()
			clock.Advance(30 * time.Minute)

			updated, err := svc.ChangeCategory(ctx, attendant, ticket.ID, network)
			Expect(err).NotTo(HaveOccurred())
			changedAt := t0.Add(30 * time.Minute)
			Expect(updated.CategoryID).To(Equal(network))
			Expect(updated.SLAFirstResponseAt).To(Equal(changedAt.Add(time.Hour)))
			Expect(updated.SLAResolutionAt).To(Equal(changedAt.Add(8 * time.Hour)))

			entries, _ := svc.GetHistory(ctx, attendant, ticket.ID, 0)
			Expect(entries[len(entries)-1].Kind).To(Equal(domain.HistoryKindAssignment))
			Expect(recorded.types()).To(ContainElement(events.EventTicketCategoryChanged))
		})

		It("freezes the deadlines once a first response exists", func() {
			ticket := create()
			_, err := svc.AddMessage(ctx, attendant, ticket.ID, "looking")
			Expect(err).NotTo(HaveOccurred())
			clock.Advance(time.Hour)

			updated, err := svc.ChangeCategory(ctx, admin, ticket.ID, network)
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.CategoryID).To(Equal(network))
			Expect(updated.SLAFirstResponseAt).To(Equal(ticket.SLAFirstResponseAt))
			Expect(updated.SLAResolutionAt).To(Equal(ticket.SLAResolutionAt))
		})

		It("is staff only", func() {
			ticket := create()
			_, err := svc.ChangeCategory(ctx, requester, ticket.ID, network)
			Expect(apperrors.IsForbidden(err)).To(BeTrue())
		})
	})

	Describe("writers racing the SLA sweep", func() {
		sweep := func() sla.Report {
			report, err := sla.NewSweeper(sla.SweeperDependencies{
				Tickets:    store.Tickets(),
				Categories: store.Categories(),
				History:    log,
				Machine:    machine,
				Clock:      clock,
			}, sla.SweeperConfig{}).SweepOnce(ctx)
			Expect(err).NotTo(HaveOccurred())
			return report
		}

		markOverdue := func(snapshot *domain.Ticket) error {
			_, err := machine.ApplyTo(ctx, snapshot, lifecycle.Command{
				TicketID: snapshot.ID,
				Action:   lifecycle.ActionMarkOverdueFirstResponse,
				Actor:    domain.SystemActor,
			})
			return err
		}

		It("keeps a category change made after the sweep read the ticket", func() {
			ticket := create()
			clock.Advance(5 * time.Hour)
			snapshot, err := store.Tickets().GetByID(ctx, ticket.ID)
			Expect(err).NotTo(HaveOccurred())

			changed, err := svc.ChangeCategory(ctx, attendant, ticket.ID, network)
			Expect(err).NotTo(HaveOccurred())
			Expect(changed.SLAFirstResponseAt).To(Equal(t0.Add(6 * time.Hour)))

			Expect(apperrors.IsConflict(markOverdue(snapshot))).To(BeTrue())

			stored, err := svc.GetTicket(ctx, admin, ticket.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(domain.TicketStatusOpen))
			Expect(stored.CategoryID).To(Equal(network))
			Expect(stored.SLAFirstResponseAt).To(Equal(t0.Add(6 * time.Hour)))
			Expect(stored.FirstResponseBreachedAt).To(BeNil())

			clock.Advance(90 * time.Minute)
			Expect(sweep().Breaches).To(HaveKeyWithValue(sla.BreachFirstResponse, 1))
			stored, err = svc.GetTicket(ctx, admin, ticket.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(domain.TicketStatusOverdueFirstResponse))
			Expect(stored.CategoryID).To(Equal(network))
		})

		It("keeps a first response recorded after the sweep read the ticket", func() {
			ticket := create()
			clock.Advance(5 * time.Hour)
			snapshot, err := store.Tickets().GetByID(ctx, ticket.ID)
			Expect(err).NotTo(HaveOccurred())

			_, err = svc.AddMessage(ctx, attendant, ticket.ID, "looking at it now")
			Expect(err).NotTo(HaveOccurred())

			Expect(apperrors.IsConflict(markOverdue(snapshot))).To(BeTrue())

			stored, err := svc.GetTicket(ctx, admin, ticket.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.FirstRespondedAt).NotTo(BeNil())
			Expect(*stored.FirstRespondedAt).To(Equal(t0.Add(5 * time.Hour)))

			Expect(sweep().Breaches).To(HaveKeyWithValue(sla.BreachFirstResponse, 1))
			stored, err = svc.GetTicket(ctx, admin, ticket.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(domain.TicketStatusOverdueFirstResponse))
			Expect(*stored.FirstRespondedAt).To(Equal(t0.Add(5 * time.Hour)))
		})
	})

	Describe("Transition", func() {
		It("drives the full approval workflow by action name", func() {
			ticket := create()
			steps := []struct {
				actor  domain.Actor
				action string
				want   domain.TicketStatus
			}{
				{attendant, "claim", domain.TicketStatusInProgress},
				{attendant, "wait_user", domain.TicketStatusPendingUser},
				{attendant, "resume", domain.TicketStatusInProgress},
				{attendant, "finalize", domain.TicketStatusPendingApproval},
				{requester, "reject", domain.TicketStatusInProgress},
				{attendant, "finalize", domain.TicketStatusPendingApproval},
				{requester, "approve", domain.TicketStatusClosed},
				{requester, "reopen", domain.TicketStatusInProgress},
			}
			for _, step := range steps {
				res, err := svc.Transition(ctx, step.actor, ticket.ID, service.TransitionInput{Action: step.action})
				Expect(err).NotTo(HaveOccurred(), step.action)
				Expect(res.Ticket.Status).To(Equal(step.want), step.action)
			}

			notes, _ := store.Notifications().ListByUser(ctx, requester.UserID, false, 10)
			Expect(notes).To(HaveLen(2))
		})

		It("rejects unknown actions", func() {
			ticket := create()
			_, err := svc.Transition(ctx, attendant, ticket.ID, service.TransitionInput{Action: "teleport"})
			Expect(apperrors.IsCode(err, apperrors.CodeValidation)).To(BeTrue())
		})

		It("refuses system-only actions to users", func() {
			ticket := create()
			_, err := svc.Transition(ctx, admin, ticket.ID, service.TransitionInput{Action: "mark_overdue_first_response"})
			Expect(apperrors.IsForbidden(err)).To(BeTrue())
		})

		It("lists the actions available to each actor", func() {
			ticket := create()
			actions, err := svc.AllowedActions(ctx, attendant, ticket.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(actions).To(ConsistOf(lifecycle.ActionClaim, lifecycle.ActionAssign))

			actions, err = svc.AllowedActions(ctx, requester, ticket.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(actions).To(BeEmpty())
		})
	})
})
