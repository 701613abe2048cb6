package repository

import (
	"context"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
)

type notificationRepository struct {
	db DBTX
}

// NewNotificationRepository builds repository.
func NewNotificationRepository(db DBTX) NotificationRepository {
	return &notificationRepository{db: db}
}

func (r *notificationRepository) Create(ctx context.Context, n *domain.Notification) error {
	const query = `
        INSERT INTO notifications (id, user_id, ticket_id, kind, message, read_flag, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := r.db.Exec(ctx, query, n.ID, n.UserID, n.TicketID, n.Kind, n.Message, n.Read, n.CreatedAt)
	return err
}

func (r *notificationRepository) ListByUser(ctx context.Context, userID int64, unreadOnly bool, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
        SELECT id, user_id, ticket_id, kind, message, read_flag, created_at
        FROM notifications WHERE user_id=$1`
	if unreadOnly {
		query += ` AND read_flag = FALSE`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $2`

	rows, err := r.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.TicketID, &n.Kind, &n.Message, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

func (r *notificationRepository) MarkRead(ctx context.Context, userID, id int64) error {
	cmd, err := r.db.Exec(ctx, `UPDATE notifications SET read_flag = TRUE WHERE id=$1 AND user_id=$2`, id, userID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
