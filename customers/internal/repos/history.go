package repos

import (
	"context"
	_ "embed"

	"github.com/jackc/pgx/v5/pgxpool"

	"retail-backbone/customers/internal/models"
)

//go:embed schema.sql
var Schema string

type HistoryRepo struct {
	pool *pgxpool.Pool
}

func NewHistoryRepo(pool *pgxpool.Pool) *HistoryRepo {
	return &HistoryRepo{pool: pool}
}

func (r *HistoryRepo) Insert(ctx context.Context, e models.SaleHistoryEntry) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO sale_history (sale_id, customer_id, items_count, total, payment_method, occurred_at, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (sale_id) DO NOTHING
	`, e.SaleID, nullIfEmpty(e.CustomerID), e.ItemsCount, e.Total, e.PaymentMethod, e.OccurredAt, e.RecordedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListByCustomer returns a customer's most recent sales first.
func (r *HistoryRepo) ListByCustomer(ctx context.Context, customerID string, limit int) ([]models.SaleHistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT sale_id, COALESCE(customer_id, ''), items_count, total, COALESCE(payment_method, 'cash'), occurred_at, recorded_at
		FROM sale_history
		WHERE customer_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`, customerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SaleHistoryEntry
	for rows.Next() {
		var e models.SaleHistoryEntry
		if err := rows.Scan(&e.SaleID, &e.CustomerID, &e.ItemsCount, &e.Total, &e.PaymentMethod, &e.OccurredAt, &e.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
