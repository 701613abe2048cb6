package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
)

const ticketColumns = `id, requester_id, attendant_id, category_id, title, description, status, priority,
               sla_first_response_at, sla_resolution_at, first_responded_at, first_response_breached_at,
               resolution_breached_at, created_at, updated_at, closed_at, reopened_at, version`

type ticketRepository struct {
	db DBTX
}

// NewTicketRepository instantiates repository.
func NewTicketRepository(db DBTX) TicketRepository {
	return &ticketRepository{db: db}
}

func (r *ticketRepository) Create(ctx context.Context, ticket *domain.Ticket) error {
	const query = `
        INSERT INTO tickets (id, requester_id, attendant_id, category_id, title, description, status, priority,
            sla_first_response_at, sla_resolution_at, created_at, updated_at, version)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,1)
        RETURNING version`
	return r.db.QueryRow(ctx, query,
		ticket.ID,
		ticket.RequesterID,
		ticket.AttendantID,
		ticket.CategoryID,
		ticket.Title,
		ticket.Description,
		ticket.Status,
		ticket.Priority,
		ticket.SLAFirstResponseAt,
		ticket.SLAResolutionAt,
		ticket.CreatedAt,
		ticket.UpdatedAt,
	).Scan(&ticket.Version)
}

func (r *ticketRepository) GetByID(ctx context.Context, id int64) (*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE id=$1`
	ticket, err := scanTicket(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, translate(err)
	}
	return ticket, nil
}

func (r *ticketRepository) CompareAndSwap(ctx context.Context, ticket *domain.Ticket, expected domain.TicketStatus) error {
	const query = `
        UPDATE tickets SET attendant_id=$1, category_id=$2, status=$3, sla_first_response_at=$4,
            sla_resolution_at=$5, first_responded_at=$6, first_response_breached_at=$7,
            resolution_breached_at=$8, closed_at=$9, reopened_at=$10, updated_at=$11,
            version=version+1
        WHERE id=$12 AND status=$13 AND version=$14
        RETURNING version`
	var version int64
	err := r.db.QueryRow(ctx, query,
		ticket.AttendantID,
		ticket.CategoryID,
		ticket.Status,
		ticket.SLAFirstResponseAt,
		ticket.SLAResolutionAt,
		ticket.FirstRespondedAt,
		ticket.FirstResponseBreachedAt,
		ticket.ResolutionBreachedAt,
		ticket.ClosedAt,
		ticket.ReopenedAt,
		ticket.UpdatedAt,
		ticket.ID,
		expected,
		ticket.Version,
	).Scan(&version)
	if err == nil {
		ticket.Version = version
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM tickets WHERE id=$1)`, ticket.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStaleState
}

func (r *ticketRepository) ListSweepCandidates(ctx context.Context, now time.Time, limit int) ([]domain.Ticket, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT ` + ticketColumns + `
        FROM tickets
        WHERE (status IN ('open','in_progress','pending_user','pending_third_party')
               AND ((first_response_breached_at IS NULL AND sla_first_response_at < $1
                     AND (first_responded_at IS NULL OR first_responded_at > sla_first_response_at))
                    OR (resolution_breached_at IS NULL AND sla_resolution_at < $1)))
           OR (status = 'overdue_first_response' AND resolution_breached_at IS NULL AND sla_resolution_at < $1)
        ORDER BY LEAST(
                     CASE WHEN status IN ('open','in_progress','pending_user','pending_third_party')
                               AND first_response_breached_at IS NULL
                               AND (first_responded_at IS NULL OR first_responded_at > sla_first_response_at)
                          THEN sla_first_response_at END,
                     CASE WHEN resolution_breached_at IS NULL THEN sla_resolution_at END) ASC,
                 id ASC
        LIMIT $2`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *ticket)
	}
	return result, rows.Err()
}

func (r *ticketRepository) ListByRequester(ctx context.Context, requesterID int64, limit int) ([]domain.Ticket, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE requester_id=$1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.db.Query(ctx, query, requesterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *ticket)
	}
	return result, rows.Err()
}

func scanTicket(row pgx.Row) (*domain.Ticket, error) {
	var ticket domain.Ticket
	if err := row.Scan(
		&ticket.ID,
		&ticket.RequesterID,
		&ticket.AttendantID,
		&ticket.CategoryID,
		&ticket.Title,
		&ticket.Description,
		&ticket.Status,
		&ticket.Priority,
		&ticket.SLAFirstResponseAt,
		&ticket.SLAResolutionAt,
		&ticket.FirstRespondedAt,
		&ticket.FirstResponseBreachedAt,
		&ticket.ResolutionBreachedAt,
		&ticket.CreatedAt,
		&ticket.UpdatedAt,
		&ticket.ClosedAt,
		&ticket.ReopenedAt,
		&ticket.Version,
	); err != nil {
		return nil, err
	}
	return &ticket, nil
}
