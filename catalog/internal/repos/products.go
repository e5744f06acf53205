package repos

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"retail-backbone/catalog/internal/models"
	"retail-backbone/catalog/internal/projection"
	"retail-backbone/shared/dbx"
)

//go:embed schema.sql
var Schema string

type ProductsRepo struct {
	pool *pgxpool.Pool
}

func NewProductsRepo(pool *pgxpool.Pool) *ProductsRepo {
	return &ProductsRepo{pool: pool}
}

func (r *ProductsRepo) InTx(ctx context.Context, fn func(tx projection.ProductTx) error) error {
	return dbx.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(productsTx{db: tx})
	})
}

// Upsert writes a product's name and price, leaving its sale percentage alone.
func (r *ProductsRepo) Upsert(ctx context.Context, p models.Product) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO products (product_id, name, price, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (product_id) DO UPDATE SET
			name = EXCLUDED.name,
			price = EXCLUDED.price,
			updated_at = EXCLUDED.updated_at
	`, p.ProductID, p.Name, p.Price, p.UpdatedAt)
	return err
}

type productsTx struct {
	db dbx.DBTX
}

func (t productsTx) GetProduct(ctx context.Context, productID string) (models.Product, bool, error) {
	var p models.Product
	err := t.db.QueryRow(ctx, `
		SELECT product_id, name, price, sale_percentage, updated_at
		FROM products
		WHERE product_id = $1
		FOR UPDATE
	`, productID).Scan(&p.ProductID, &p.Name, &p.Price, &p.SalePercentage, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Product{}, false, nil
	}
	if err != nil {
		return models.Product{}, false, err
	}
	return p, true, nil
}

func (t productsTx) UpdateSalePercentage(ctx context.Context, productID string, pct decimal.Decimal, at time.Time) error {
	_, err := t.db.Exec(ctx, `
		UPDATE products SET sale_percentage = $2, updated_at = $3
		WHERE product_id = $1
	`, productID, pct, at)
	return err
}
