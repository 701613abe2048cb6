package repository

import (
	"context"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
)

type categoryRepository struct {
	db DBTX
}

// NewCategoryRepository builds repository.
func NewCategoryRepository(db DBTX) CategoryRepository {
	return &categoryRepository{db: db}
}

func (r *categoryRepository) GetByID(ctx context.Context, id int64) (*domain.Category, error) {
	const query = `
        SELECT id, name, sla_first_response_hours, sla_resolution_hours, created_at, updated_at
        FROM categories WHERE id=$1`
	var category domain.Category
	if err := r.db.QueryRow(ctx, query, id).Scan(
		&category.ID,
		&category.Name,
		&category.SLAFirstResponseHours,
		&category.SLAResolutionHours,
		&category.CreatedAt,
		&category.UpdatedAt,
	); err != nil {
		return nil, translate(err)
	}
	return &category, nil
}

func (r *categoryRepository) ListOwners(ctx context.Context, categoryID int64) ([]int64, error) {
	const query = `SELECT user_id FROM category_owners WHERE category_id=$1 ORDER BY user_id ASC`
	rows, err := r.db.Query(ctx, query, categoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var owners []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		owners = append(owners, id)
	}
	return owners, rows.Err()
}
