package history_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/history"
)

func bySeq(e domain.HistoryEntry) int64 { return e.Seq }

func seqs(entries []domain.HistoryEntry) []int64 {
	out := make([]int64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Seq)
	}
	return out
}

var _ = Describe("Merge", func() {
	It("drops replays and sorts out-of-order deliveries", func() {
		existing := []domain.HistoryEntry{{Seq: 1, Text: "a"}, {Seq: 2, Text: "b"}}
		incoming := []domain.HistoryEntry{{Seq: 4, Text: "d"}, {Seq: 2, Text: "replayed"}, {Seq: 3, Text: "c"}}

		merged := history.Merge(existing, incoming, bySeq)
		Expect(seqs(merged)).To(Equal([]int64{1, 2, 3, 4}))
		Expect(merged[1].Text).To(Equal("b"))
	})

	It("converges regardless of delivery order", func() {
		a := []domain.HistoryEntry{{Seq: 3}, {Seq: 1}}
		b := []domain.HistoryEntry{{Seq: 2}, {Seq: 3}}

		Expect(seqs(history.Merge(a, b, bySeq))).To(Equal(seqs(history.Merge(b, a, bySeq))))
	})

	It("handles empty inputs", func() {
		Expect(history.Merge[domain.HistoryEntry](nil, nil, bySeq)).To(BeEmpty())
	})
})
