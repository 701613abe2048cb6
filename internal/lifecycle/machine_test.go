package lifecycle_test

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/events"
	"github.com/spec-kit/ticket-lifecycle/internal/history"
	"github.com/spec-kit/ticket-lifecycle/internal/lifecycle"
	"github.com/spec-kit/ticket-lifecycle/internal/observability"
	"github.com/spec-kit/ticket-lifecycle/internal/repository"
	"github.com/spec-kit/ticket-lifecycle/internal/repository/memstore"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

var _ = Describe("Machine", func() {
	var (
		ctx     context.Context
		t0      time.Time
		clock   *clockwork.FakeClock
		store   *memstore.Store
		rec     *recorder
		metrics *observability.Metrics
		policy  lifecycle.Policy
		tickets repository.TicketRepository
	)

	build := func() *lifecycle.Machine {
		dispatcher := events.NewInMemoryDispatcher(nil)
		rec = &recorder{}
		rec.attach(dispatcher)
		return lifecycle.NewMachine(lifecycle.Dependencies{
			Tickets:    tickets,
			Categories: store.Categories(),
			Tx:         store,
			History:    history.NewLog(store.History(), clock),
			Dispatcher: dispatcher,
			Clock:      clock,
			IDs:        &sequenceIDs{},
			Metrics:    metrics,
			Policy:     policy,
		})
	}

	seed := func(status domain.TicketStatus, mutate func(*domain.Ticket)) *domain.Ticket {
		t := newTicket(42, status, t0)
		if mutate != nil {
			mutate(t)
		}
		Expect(store.Tickets().Create(ctx, t)).To(Succeed())
		return t
	}

	stored := func() *domain.Ticket {
		t, err := store.Tickets().GetByID(ctx, 42)
		Expect(err).NotTo(HaveOccurred())
		return t
	}

	assignTo := func(id int64) func(*domain.Ticket) {
		return func(t *domain.Ticket) { t.AttendantID = &id }
	}

	BeforeEach(func() {
		ctx = context.Background()
		t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
		clock = clockwork.NewFakeClockAt(t0)
		store = memstore.New()
		store.SeedCategory(domain.Category{ID: categoryID, Name: "hardware", SLAFirstResponseHours: 4, SLAResolutionHours: 24}, adminID)
		metrics = observability.NewMetrics()
		policy = lifecycle.Policy{ReopenWindow: 72 * time.Hour}
		tickets = store.Tickets()
	})

	Describe("claim", func() {
		It("moves an open ticket to in_progress and assigns the claimant", func() {
			seed(domain.TicketStatusOpen, nil)
			clock.Advance(10 * time.Minute)

			res, err := build().Apply(ctx, lifecycle.Command{TicketID: 42, Action: lifecycle.ActionClaim, Actor: attendant})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.From).To(Equal(domain.TicketStatusOpen))
			Expect(res.Ticket.Status).To(Equal(domain.TicketStatusInProgress))

			t := stored()
			Expect(t.Status).To(Equal(domain.TicketStatusInProgress))
			Expect(*t.AttendantID).To(Equal(attendantID))
			Expect(t.FirstRespondedAt).NotTo(BeNil())
			Expect(*t.FirstRespondedAt).To(Equal(t0.Add(10 * time.Minute)))

			entries, err := store.History().ListByTicket(ctx, 42, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Kind).To(Equal(domain.HistoryKindStatusChange))
			Expect(entries[0].FromStatus).To(Equal(domain.TicketStatusOpen))
			Expect(entries[0].ToStatus).To(Equal(domain.TicketStatusInProgress))
			Expect(*entries[0].AuthorID).To(Equal(attendantID))

			Expect(rec.types()).To(ContainElements(events.EventTicketStatusChanged, events.EventTicketAssigned, events.EventHistoryAppended))
			Expect(metrics.Snapshot().Transitions).To(HaveKeyWithValue("open->in_progress", int64(1)))
		})

		It("rejects a requester with FORBIDDEN and leaves the ticket untouched", func() {
			seed(domain.TicketStatusOpen, nil)

			_, err := build().Apply(ctx, lifecycle.Command{TicketID: 42, Action: lifecycle.ActionClaim, Actor: requester})
			Expect(apperrors.IsForbidden(err)).To(BeTrue())
			Expect(stored().Status).To(Equal(domain.TicketStatusOpen))

			entries, _ := store.History().ListByTicket(ctx, 42, 0)
			Expect(entries).To(BeEmpty())
		})

		It("returns NOT_FOUND for an unknown ticket", func() {
			_, err := build().Apply(ctx, lifecycle.Command{TicketID: 99, Action: lifecycle.ActionClaim, Actor: attendant})
			Expect(apperrors.IsNotFound(err)).To(BeTrue())
		})
	})

	Describe("assign", func() {
		It("requires an assignee", func() {
			seed(domain.TicketStatusOpen, nil)
			_, err := build().Apply(ctx, lifecycle.Command{TicketID: 42, Action: lifecycle.ActionAssign, Actor: admin})
			Expect(apperrors.IsCode(err, apperrors.CodeValidation)).To(BeTrue())
		})

		It("reassigns an in-progress ticket and notifies the new attendant", func() {
			seed(domain.TicketStatusInProgress, assignTo(attendantID))

			res, err := build().Apply(ctx, lifecycle.Command{TicketID: 42, Action: lifecycle.ActionAssign, Actor: admin, AssigneeID: otherStaff})
			Expect(err).NotTo(HaveOccurred())
			Expect(*res.Ticket.AttendantID).To(Equal(otherStaff))
			Expect(res.Entry.Kind).To(Equal(domain.HistoryKindAssignment))
			Expect(res.Notifications).To(HaveLen(1))
			Expect(res.Notifications[0].UserID).To(Equal(otherStaff))
			Expect(res.Notifications[0].Kind).To(Equal(domain.NotificationAssigned))

			list, err := store.Notifications().ListByUser(ctx, otherStaff, true, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(HaveLen(1))
			Expect(rec.types()).To(ContainElement(events.EventNotificationCreated))
		})

		It("does not let an unrelated attendant reassign", func() {
			seed(domain.TicketStatusInProgress, assignTo(attendantID))
			_, err := build().Apply(ctx, lifecycle.Command{TicketID: 42, Action: lifecycle.ActionAssign, Actor: other, AssigneeID: otherStaff})
			Expect(apperrors.IsForbidden(err)).To(BeTrue())
		})
	})

	Describe("waiting states", func() {
		It("round-trips through pending_user", func() {
			seed(domain.TicketStatusInProgress, assignTo(attendantID))
			m := build()

			_, err := m.Apply(ctx, lifecycle.Command{TicketID: 42, Action: lifecycle.ActionWaitUser, Actor: attendant})
			Expect(err).NotTo(HaveOccurred())
			Expect(stored().Status).To(Equal(domain.TicketStatusPendingUser))

			_, err = m.Apply(ctx, lifecycle.Command{TicketID: 42, Action: lifecycle.ActionResume, Actor: attendant})
			Expect(err).NotTo(HaveOccurred())
			Expect(stored().Status).To(Equal(domain.TicketStatusInProgress))
		})

		It("rejects finalize from pending_third_party as INVALID_TRANSITION", func() {
			seed(domain.TicketStatusPendingThirdParty, assignTo(attendantID))
			_, err := build().Apply(ctx, lifecycle.Command{TicketID: 42, Action: lifecycle.ActionFinalize, Actor: attendant})
			Expect(apperrors.IsInvalidTransition(err)).To(BeTrue())
		})
	})

	Describe("compare-and-set", func() {
		It("lets exactly one of two concurrent finalize calls win", func() {
			seed(domain.TicketStatusInProgress, assignTo(attendantID))
			tickets = newBarrierTickets(store.Tickets(), 2)
			m := build()

			var wg sync.WaitGroup
			errs := make([]error, 2)
			for i := range errs {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					_, errs[i] = m.Apply(ctx, lifecycle.Command{TicketID: 42, Action: lifecycle.ActionFinalize, Actor: attendant})
				}(i)
			}
			wg.Wait()

			succeeded, conflicted := 0, 0
			for _, err := range errs {
				switch {
				case err == nil:
					succeeded++
				case apperrors.IsConflict(err):
					conflicted++
				}
			}
			Expect(succeeded).To(Equal(1))
			Expect(conflicted).To(Equal(1))
			Expect(stored().Status).To(Equal(domain.TicketStatusPendingApproval))

			entries, _ := store.History().ListByTicket(ctx, 42, 0)
			Expect(entries).To(HaveLen(1))
			Expect(metrics.Snapshot().Conflicts).To(Equal(int64(1)))
		})

		It("fails with CONFLICT when the snapshot is stale", func() {
			snapshot := seed(domain.TicketStatusOpen, nil)
			m := build()

			_, err := m.Apply(ctx, lifecycle.Command{TicketID: 42, Action: lifecycle.ActionClaim, Actor: attendant})
			Expect(err).NotTo(HaveOccurred())

			_, err = m.ApplyTo(ctx, snapshot, lifecycle.Command{Action: lifecycle.ActionMarkOverdueFirstResponse, Actor: domain.SystemActor})
			Expect(apperrors.IsConflict(err)).To(BeTrue())
			Expect(stored().Status).To(Equal(domain.TicketStatusInProgress))
			Expect(stored().FirstResponseBreachedAt).To(BeNil())
		})
	})

	Describe("writes that keep the status", func() {
		It("lets exactly one of two concurrent reassignments win", func() {
			seed(domain.TicketStatusInProgress, assignTo(attendantID))
			tickets = newBarrierTickets(store.Tickets(), 2)
			m := build()

			assignees := []int64{otherStaff, adminID}
			errs := make([]error, len(assignees))
			var wg sync.WaitGroup
			for i, assignee := range assignees {
				wg.Add(1)
				go func(i int, assignee int64) {
					defer GinkgoRecover()
					defer wg.Done()
					_, errs[i] = m.Apply(ctx, lifecycle.Command{TicketID: 42, Action: lifecycle.ActionAssign, Actor: admin, AssigneeID: assignee})
				}(i, assignee)
			}
			wg.Wait()

			winner := int64(0)
			conflicted := 0
			for i, err := range errs {
				switch {
				case err == nil:
					Expect(winner).To(BeZero())
					winner = assignees[i]
				case apperrors.IsConflict(err):
					conflicted++
				}
			}
			Expect(winner).NotTo(BeZero())
			Expect(conflicted).To(Equal(1))

			t := stored()
			Expect(t.Status).To(Equal(domain.TicketStatusInProgress))
			Expect(*t.AttendantID).To(Equal(winner))
			Expect(t.Version).To(Equal(int64(2)))
			entries, _ := store.History().ListByTicket(ctx, 42, 0)
			Expect(entries).To(HaveLen(1))
		})

		It("rejects a stale snapshot even when the status still matches", func() {
			snapshot := seed(domain.TicketStatusInProgress, assignTo(attendantID))
			m := build()

			_, err := m.Apply(ctx, lifecycle.Command{TicketID: 42, Action: lifecycle.ActionAssign, Actor: admin, AssigneeID: otherStaff})
			Expect(err).NotTo(HaveOccurred())
			clock.Advance(25 * time.Hour)

			_, err = m.ApplyTo(ctx, snapshot, lifecycle.Command{TicketID: 42, Action: lifecycle.ActionMarkOverdueResolution, Actor: domain.SystemActor})
			Expect(apperrors.IsConflict(err)).To(BeTrue())

			t := stored()
			Expect(t.Status).To(Equal(domain.TicketStatusInProgress))
			Expect(*t.AttendantID).To(Equal(otherStaff))
			Expect(t.ResolutionBreachedAt).To(BeNil())
		})
	})

	Describe("approval outcome", func() {
		It("approve closes and stamps closed_at", func() {
			seed(domain.TicketStatusPendingApproval, assignTo(attendantID))
			clock.Advance(time.Hour)

			_, err := build().Apply(ctx, lifecycle.Command{TicketID: 42, Action: lifecycle.ActionApprove, Actor: requester})
			Expect(err).NotTo(HaveOccurred())
			t := stored()
			Expect(t.Status).To(Equal(domain.TicketStatusClosed))
			Expect(*t.ClosedAt).To(Equal(t0.Add(time.Hour)))
		})

		It("reject records the reason", func() {
			seed(domain.TicketStatusPendingApproval, assignTo(attendantID))

			res, err := build().Apply(ctx, lifecycle.Command{TicketID: 42, Action: lifecycle.ActionReject, Actor: requester, Reason: "still broken"})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Ticket.Status).To(Equal(domain.TicketStatusInProgress))
			Expect(res.Entry.Kind).To(Equal(domain.HistoryKindApprovalAction))
			Expect(res.Entry.Text).To(ContainSubstring("still broken"))
		})
	})

	Describe("reopen", func() {
		closedAt := func(d time.Duration) func(*domain.Ticket) {
			return func(t *domain.Ticket) {
				at := t0.Add(d)
				t.ClosedAt = &at
			}
		}

		It("returns an unassigned ticket to open within the window", func() {
			seed(domain.TicketStatusClosed, closedAt(0))
			clock.Advance(24 * time.Hour)

			res, err := build().Apply(ctx, lifecycle.Command{TicketID: 42, Action: lifecycle.ActionReopen, Actor: requester})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Ticket.Status).To(Equal(domain.TicketStatusOpen))
			Expect(*res.Ticket.ReopenedAt).To(Equal(t0.Add(24 * time.Hour)))
			Expect(res.Ticket.ClosedAt).To(BeNil())
			Expect(res.Entry.Text).To(Equal("reopened"))
			Expect(res.Ticket.SLAResolutionAt).To(Equal(t0.Add(24 * time.Hour)))
		})

		It("returns a previously assigned ticket to in_progress", func() {
			seed(domain.TicketStatusClosed, func(t *domain.Ticket) {
				closedAt(0)(t)
				assignTo(attendantID)(t)
			})
			res, err := build().Apply(ctx, lifecycle.Command{TicketID: 42, Action: lifecycle.ActionReopen, Actor: requester})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Ticket.Status).To(Equal(domain.TicketStatusInProgress))
		})

		It("refuses once the window has elapsed", func() {
			seed(domain.TicketStatusClosed, closedAt(0))
			clock.Advance(73 * time.Hour)

			_, err := build().Apply(ctx, lifecycle.Command{TicketID: 42, Action: lifecycle.ActionReopen, Actor: requester})
			Expect(apperrors.IsInvalidTransition(err)).To(BeTrue())
			Expect(stored().Status).To(Equal(domain.TicketStatusClosed))
		})

		It("recomputes the resolution deadline when the policy asks for it", func() {
			policy.ReopenResetsResolution = true
			seed(domain.TicketStatusClosed, closedAt(0))
			clock.Advance(2 * time.Hour)

			res, err := build().Apply(ctx, lifecycle.Command{TicketID: 42, Action: lifecycle.ActionReopen, Actor: admin})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Ticket.SLAResolutionAt).To(Equal(t0.Add(26 * time.Hour)))
			Expect(res.Ticket.SLAFirstResponseAt).To(Equal(t0.Add(4 * time.Hour)))
		})
	})

	Describe("system transitions", func() {
		It("stamps breach markers without counting as a response", func() {
			seed(domain.TicketStatusOpen, nil)
			clock.Advance(5 * time.Hour)

			res, err := build().Apply(ctx, lifecycle.Command{TicketID: 42, Action: lifecycle.ActionMarkOverdueFirstResponse, Actor: domain.SystemActor})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Ticket.Status).To(Equal(domain.TicketStatusOverdueFirstResponse))
			Expect(*res.Ticket.FirstResponseBreachedAt).To(Equal(t0.Add(5 * time.Hour)))
			Expect(res.Ticket.FirstRespondedAt).To(BeNil())
			Expect(res.Entry.AuthorID).To(BeNil())
		})

		It("refuses overdue marks from users", func() {
			seed(domain.TicketStatusOpen, nil)
			_, err := build().Apply(ctx, lifecycle.Command{TicketID: 42, Action: lifecycle.ActionMarkOverdueResolution, Actor: admin})
			Expect(apperrors.IsForbidden(err)).To(BeTrue())
		})
	})
})
