package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrStaleState is returned when a conditional update matched no row
	// because the stored status or version differs from the snapshot.
	ErrStaleState = errors.New("repository: stale state")
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TicketRepository encapsulates ticket persistence.
type TicketRepository interface {
	Create(ctx context.Context, ticket *domain.Ticket) error
	GetByID(ctx context.Context, id int64) (*domain.Ticket, error)
	// CompareAndSwap writes every mutable field of ticket only if the stored
	// status still equals expected and the stored version equals
	// ticket.Version. On success ticket.Version is advanced.
	CompareAndSwap(ctx context.Context, ticket *domain.Ticket, expected domain.TicketStatus) error
	ListSweepCandidates(ctx context.Context, now time.Time, limit int) ([]domain.Ticket, error)
	ListByRequester(ctx context.Context, requesterID int64, limit int) ([]domain.Ticket, error)
}

// CategoryRepository reads SLA configuration.
type CategoryRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.Category, error)
	ListOwners(ctx context.Context, categoryID int64) ([]int64, error)
}

// HistoryRepository stores audit entries.
type HistoryRepository interface {
	Append(ctx context.Context, entry *domain.HistoryEntry) error
	ListByTicket(ctx context.Context, ticketID, afterSeq int64) ([]domain.HistoryEntry, error)
	HasAttendantResponseBefore(ctx context.Context, ticketID int64, deadline time.Time) (bool, error)
}

// NotificationRepository stores user notifications.
type NotificationRepository interface {
	Create(ctx context.Context, notification *domain.Notification) error
	ListByUser(ctx context.Context, userID int64, unreadOnly bool, limit int) ([]domain.Notification, error)
	MarkRead(ctx context.Context, userID, id int64) error
}

// Stores exposes repositories bound to one connection or transaction.
type Stores interface {
	Tickets() TicketRepository
	Categories() CategoryRepository
	History() HistoryRepository
	Notifications() NotificationRepository
}

// TxRunner runs functions within a transaction and provides stores bound to it.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(stores Stores) error) error
}

type pgStores struct {
	db DBTX
}

// NewStores returns Postgres-backed repositories over db.
func NewStores(db DBTX) Stores {
	return &pgStores{db: db}
}

func (s *pgStores) Tickets() TicketRepository             { return NewTicketRepository(s.db) }
func (s *pgStores) Categories() CategoryRepository        { return NewCategoryRepository(s.db) }
func (s *pgStores) History() HistoryRepository            { return NewHistoryRepository(s.db) }
func (s *pgStores) Notifications() NotificationRepository { return NewNotificationRepository(s.db) }

type pgTxRunner struct {
	pool *pgxpool.Pool
}

// NewTxRunner builds a TxRunner backed by the pgx pool.
func NewTxRunner(pool *pgxpool.Pool) TxRunner {
	return &pgTxRunner{pool: pool}
}

func (r *pgTxRunner) WithTx(ctx context.Context, fn func(stores Stores) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(NewStores(tx))
	})
}

func translate(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
