package client_test

import (
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/spec-kit/ticket-lifecycle/internal/api/dto"
	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/realtime"
	"github.com/spec-kit/ticket-lifecycle/internal/realtime/client"
)

func raw(v any) json.RawMessage {
	b, err := json.Marshal(v)
	Expect(err).NotTo(HaveOccurred())
	return b
}

var _ = Describe("Timeline", func() {
	It("merges pushed entries by sequence, ignoring replays", func() {
		tl := client.NewTimeline()
		tl.Seed([]dto.HistoryEntryResponse{{Seq: 1, Text: "opened"}, {Seq: 2, Text: "claimed"}})

		Expect(tl.Apply(realtime.Event{Type: realtime.EventMessage, Data: raw(dto.HistoryEntryResponse{Seq: 4, Text: "late"})})).To(Succeed())
		Expect(tl.Apply(realtime.Event{Type: realtime.EventMessage, Data: raw(dto.HistoryEntryResponse{Seq: 3, Text: "early"})})).To(Succeed())
		Expect(tl.Apply(realtime.Event{Type: realtime.EventMessage, Data: dto.HistoryEntryResponse{Seq: 2, Text: "claimed again"}})).To(Succeed())

		entries := tl.Entries()
		Expect(entries).To(HaveLen(4))
		Expect(entries[1].Text).To(Equal("claimed"))
		Expect(entries[2].Text).To(Equal("early"))
		Expect(tl.LastSeq()).To(Equal(int64(4)))
	})

	It("keeps the newest ticket snapshot", func() {
		tl := client.NewTimeline()
		now := time.Now().UTC()

		Expect(tl.Apply(realtime.Event{Type: realtime.EventTicketUpdate, Data: raw(dto.TicketResponse{ID: 1, Status: domain.TicketStatusInProgress, UpdatedAt: now})})).To(Succeed())
		Expect(tl.Apply(realtime.Event{Type: realtime.EventTicketUpdate, Data: raw(dto.TicketResponse{ID: 1, Status: domain.TicketStatusOpen, UpdatedAt: now.Add(-time.Minute)})})).To(Succeed())

		Expect(tl.Ticket().Status).To(Equal(domain.TicketStatusInProgress))
	})

	It("deduplicates notifications by id", func() {
		tl := client.NewTimeline()
		n := dto.NotificationResponse{ID: 9, Kind: domain.NotificationSLAViolation}
		for i := 0; i < 3; i++ {
			Expect(tl.Apply(realtime.Event{Type: realtime.EventNotification, Data: raw(n)})).To(Succeed())
		}
		Expect(tl.Notifications()).To(HaveLen(1))
	})

	It("reports undecodable payloads", func() {
		tl := client.NewTimeline()
		err := tl.Apply(realtime.Event{Type: realtime.EventMessage, Data: json.RawMessage(`{"seq":"x"}`)})
		Expect(err).To(HaveOccurred())
		Expect(tl.Entries()).To(BeEmpty())
	})
})
