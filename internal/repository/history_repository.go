package repository

import (
	"context"
	"time"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
)

type historyRepository struct {
	db DBTX
}

// NewHistoryRepository builds repository.
func NewHistoryRepository(db DBTX) HistoryRepository {
	return &historyRepository{db: db}
}

// Append inserts the entry; seq comes from the table's identity column.
func (r *historyRepository) Append(ctx context.Context, entry *domain.HistoryEntry) error {
	const query = `
        INSERT INTO ticket_history (ticket_id, author_id, author_role, kind, text, from_status, to_status, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        RETURNING seq`
	return r.db.QueryRow(ctx, query,
		entry.TicketID,
		entry.AuthorID,
		entry.AuthorRole,
		entry.Kind,
		entry.Text,
		entry.FromStatus,
		entry.ToStatus,
		entry.CreatedAt,
	).Scan(&entry.Seq)
}

func (r *historyRepository) ListByTicket(ctx context.Context, ticketID, afterSeq int64) ([]domain.HistoryEntry, error) {
	const query = `
        SELECT seq, ticket_id, author_id, author_role, kind, text, from_status, to_status, created_at
        FROM ticket_history WHERE ticket_id=$1 AND seq > $2 ORDER BY seq ASC`
	rows, err := r.db.Query(ctx, query, ticketID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.HistoryEntry
	for rows.Next() {
		var entry domain.HistoryEntry
		if err := rows.Scan(
			&entry.Seq,
			&entry.TicketID,
			&entry.AuthorID,
			&entry.AuthorRole,
			&entry.Kind,
			&entry.Text,
			&entry.FromStatus,
			&entry.ToStatus,
			&entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

func (r *historyRepository) HasAttendantResponseBefore(ctx context.Context, ticketID int64, deadline time.Time) (bool, error) {
	const query = `
        SELECT EXISTS(
            SELECT 1 FROM ticket_history
            WHERE ticket_id=$1 AND author_role IN ('attendant','admin')
              AND kind IN ('message','status_change') AND created_at <= $2)`
	var exists bool
	if err := r.db.QueryRow(ctx, query, ticketID, deadline).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}
