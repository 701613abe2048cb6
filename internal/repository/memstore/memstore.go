// Package memstore is an in-process implementation of the repository
// interfaces. It backs the service when no Postgres DSN is configured and
// keeps the same compare-and-set and sequencing guarantees as the SQL store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/repository"
)

type state struct {
	tickets       map[int64]*domain.Ticket
	categories    map[int64]*domain.Category
	owners        map[int64][]int64
	history       map[int64][]domain.HistoryEntry
	notifications map[int64]*domain.Notification
	nextSeq       int64
}

func newState() *state {
	return &state{
		tickets:       make(map[int64]*domain.Ticket),
		categories:    make(map[int64]*domain.Category),
		owners:        make(map[int64][]int64),
		history:       make(map[int64][]domain.HistoryEntry),
		notifications: make(map[int64]*domain.Notification),
	}
}

func (s *state) clone() *state {
	out := newState()
	out.nextSeq = s.nextSeq
	for id, t := range s.tickets {
		out.tickets[id] = t.Clone()
	}
	for id, c := range s.categories {
		cp := *c
		out.categories[id] = &cp
	}
	for id, o := range s.owners {
		out.owners[id] = append([]int64(nil), o...)
	}
	for id, h := range s.history {
		out.history[id] = append([]domain.HistoryEntry(nil), h...)
	}
	for id, n := range s.notifications {
		cp := *n
		out.notifications[id] = &cp
	}
	return out
}

// Store is safe for concurrent use.
type Store struct {
	mu sync.Mutex
	st *state
}

// New returns an empty store.
func New() *Store {
	return &Store{st: newState()}
}

// SeedCategory registers a category and its owners.
func (s *Store) SeedCategory(category domain.Category, owners ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := category
	s.st.categories[category.ID] = &cp
	s.st.owners[category.ID] = append([]int64(nil), owners...)
}

func (s *Store) locked(fn func(*state) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.st)
}

// WithTx runs fn against a private copy of the state and publishes it only
// when fn succeeds. The store lock is held for the duration.
func (s *Store) WithTx(ctx context.Context, fn func(stores repository.Stores) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	working := s.st.clone()
	direct := func(f func(*state) error) error { return f(working) }
	if err := fn(stores{with: direct}); err != nil {
		return err
	}
	s.st = working
	return nil
}

func (s *Store) Tickets() repository.TicketRepository { return ticketRepo{with: s.locked} }
func (s *Store) Categories() repository.CategoryRepository {
	return categoryRepo{with: s.locked}
}
func (s *Store) History() repository.HistoryRepository { return historyRepo{with: s.locked} }
func (s *Store) Notifications() repository.NotificationRepository {
	return notificationRepo{with: s.locked}
}

type accessor func(func(*state) error) error

type stores struct {
	with accessor
}

func (s stores) Tickets() repository.TicketRepository      { return ticketRepo{with: s.with} }
func (s stores) Categories() repository.CategoryRepository { return categoryRepo{with: s.with} }
func (s stores) History() repository.HistoryRepository     { return historyRepo{with: s.with} }
func (s stores) Notifications() repository.NotificationRepository {
	return notificationRepo{with: s.with}
}

type ticketRepo struct {
	with accessor
}

func (r ticketRepo) Create(ctx context.Context, ticket *domain.Ticket) error {
	return r.with(func(st *state) error {
		ticket.Version = 1
		st.tickets[ticket.ID] = ticket.Clone()
		return nil
	})
}

func (r ticketRepo) GetByID(ctx context.Context, id int64) (*domain.Ticket, error) {
	var out *domain.Ticket
	err := r.with(func(st *state) error {
		t, ok := st.tickets[id]
		if !ok {
			return repository.ErrNotFound
		}
		out = t.Clone()
		return nil
	})
	return out, err
}

func (r ticketRepo) CompareAndSwap(ctx context.Context, ticket *domain.Ticket, expected domain.TicketStatus) error {
	return r.with(func(st *state) error {
		current, ok := st.tickets[ticket.ID]
		if !ok {
			return repository.ErrNotFound
		}
		if current.Status != expected || current.Version != ticket.Version {
			return repository.ErrStaleState
		}
		next := ticket.Clone()
		next.Version = current.Version + 1
		next.RequesterID = current.RequesterID
		next.CreatedAt = current.CreatedAt
		next.Title = current.Title
		next.Description = current.Description
		next.Priority = current.Priority
		st.tickets[ticket.ID] = next
		ticket.Version = next.Version
		return nil
	})
}

func (r ticketRepo) ListSweepCandidates(ctx context.Context, now time.Time, limit int) ([]domain.Ticket, error) {
	if limit <= 0 {
		limit = 200
	}
	var out []domain.Ticket
	err := r.with(func(st *state) error {
		for _, t := range st.tickets {
			if sweepCandidate(t, now) {
				out = append(out, *t.Clone())
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		di, dj := earliestDue(&out[i]), earliestDue(&out[j])
		if di.Equal(dj) {
			return out[i].ID < out[j].ID
		}
		return di.Before(dj)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (r ticketRepo) ListByRequester(ctx context.Context, requesterID int64, limit int) ([]domain.Ticket, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []domain.Ticket
	err := r.with(func(st *state) error {
		for _, t := range st.tickets {
			if t.RequesterID == requesterID {
				out = append(out, *t.Clone())
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func sweepCandidate(t *domain.Ticket, now time.Time) bool {
	resolutionDue := t.ResolutionBreachedAt == nil && t.SLAResolutionAt.Before(now)
	if t.Status == domain.TicketStatusOverdueFirstResponse {
		return resolutionDue
	}
	if !t.Status.SLATracked() {
		return false
	}
	firstResponseDue := t.FirstResponseBreachedAt == nil && t.SLAFirstResponseAt.Before(now) &&
		(t.FirstRespondedAt == nil || t.FirstRespondedAt.After(t.SLAFirstResponseAt))
	return firstResponseDue || resolutionDue
}

// earliestDue is the earlier of the deadlines the sweep still has to check.
func earliestDue(t *domain.Ticket) time.Time {
	var due time.Time
	if t.Status.SLATracked() && t.FirstResponseBreachedAt == nil &&
		(t.FirstRespondedAt == nil || t.FirstRespondedAt.After(t.SLAFirstResponseAt)) {
		due = t.SLAFirstResponseAt
	}
	if t.ResolutionBreachedAt == nil && (due.IsZero() || t.SLAResolutionAt.Before(due)) {
		due = t.SLAResolutionAt
	}
	return due
}

type categoryRepo struct {
	with accessor
}

func (r categoryRepo) GetByID(ctx context.Context, id int64) (*domain.Category, error) {
	var out *domain.Category
	err := r.with(func(st *state) error {
		c, ok := st.categories[id]
		if !ok {
			return repository.ErrNotFound
		}
		cp := *c
		out = &cp
		return nil
	})
	return out, err
}

func (r categoryRepo) ListOwners(ctx context.Context, categoryID int64) ([]int64, error) {
	var out []int64
	err := r.with(func(st *state) error {
		out = append(out, st.owners[categoryID]...)
		return nil
	})
	return out, err
}

type historyRepo struct {
	with accessor
}

func (r historyRepo) Append(ctx context.Context, entry *domain.HistoryEntry) error {
	return r.with(func(st *state) error {
		st.nextSeq++
		entry.Seq = st.nextSeq
		st.history[entry.TicketID] = append(st.history[entry.TicketID], *entry)
		return nil
	})
}

func (r historyRepo) ListByTicket(ctx context.Context, ticketID, afterSeq int64) ([]domain.HistoryEntry, error) {
	var out []domain.HistoryEntry
	err := r.with(func(st *state) error {
		for _, entry := range st.history[ticketID] {
			if entry.Seq > afterSeq {
				out = append(out, entry)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, err
}

func (r historyRepo) HasAttendantResponseBefore(ctx context.Context, ticketID int64, deadline time.Time) (bool, error) {
	found := false
	err := r.with(func(st *state) error {
		for i := range st.history[ticketID] {
			entry := st.history[ticketID][i]
			if entry.AttendantAuthored() && !entry.CreatedAt.After(deadline) {
				found = true
				return nil
			}
		}
		return nil
	})
	return found, err
}

type notificationRepo struct {
	with accessor
}

func (r notificationRepo) Create(ctx context.Context, n *domain.Notification) error {
	return r.with(func(st *state) error {
		cp := *n
		st.notifications[n.ID] = &cp
		return nil
	})
}

func (r notificationRepo) ListByUser(ctx context.Context, userID int64, unreadOnly bool, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []domain.Notification
	err := r.with(func(st *state) error {
		for _, n := range st.notifications {
			if n.UserID != userID || (unreadOnly && n.Read) {
				continue
			}
			out = append(out, *n)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (r notificationRepo) MarkRead(ctx context.Context, userID, id int64) error {
	return r.with(func(st *state) error {
		n, ok := st.notifications[id]
		if !ok || n.UserID != userID {
			return repository.ErrNotFound
		}
		n.Read = true
		return nil
	})
}
