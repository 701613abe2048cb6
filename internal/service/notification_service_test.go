package service_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/repository/memstore"
	"github.com/spec-kit/ticket-lifecycle/internal/service"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

var _ = Describe("NotificationService", func() {
	var (
		ctx   context.Context
		store *memstore.Store
		svc   *service.NotificationService
		t0    = time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)
	)

	seed := func(id, userID int64, at time.Time) {
		Expect(store.Notifications().Create(ctx, &domain.Notification{
			ID:        id,
			UserID:    userID,
			TicketID:  7,
			Kind:      domain.NotificationNewMessage,
			Message:   "hello",
			CreatedAt: at,
		})).To(Succeed())
	}

	BeforeEach(func() {
		ctx = context.Background()
		store = memstore.New()
		svc = service.NewNotificationService(store.Notifications(), nil)
		seed(1, requester.UserID, t0)
		seed(2, requester.UserID, t0.Add(time.Minute))
		seed(3, attendant.UserID, t0)
	})

	It("lists only the actor's notifications, newest first", func() {
		items, err := svc.List(ctx, requester, false, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(items).To(HaveLen(2))
		Expect(items[0].ID).To(Equal(int64(2)))
	})

	It("marks a notification read and filters it from the unread view", func() {
		Expect(svc.MarkRead(ctx, requester, 2)).To(Succeed())

		unread, err := svc.List(ctx, requester, true, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(unread).To(HaveLen(1))
		Expect(unread[0].ID).To(Equal(int64(1)))
	})

	It("treats another user's notification as missing", func() {
		err := svc.MarkRead(ctx, requester, 3)
		Expect(apperrors.IsNotFound(err)).To(BeTrue())
	})
})
