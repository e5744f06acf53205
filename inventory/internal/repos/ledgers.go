package repos

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"retail-backbone/inventory/internal/models"
	"retail-backbone/inventory/internal/projection"
	"retail-backbone/shared/dbx"
)

//go:embed schema.sql
var Schema string

// ConsumerName scopes inventory's rows in processed_events.
const ConsumerName = "inventory"

type LedgersRepo struct {
	pool *pgxpool.Pool
}

func NewLedgersRepo(pool *pgxpool.Pool) *LedgersRepo {
	return &LedgersRepo{pool: pool}
}

func (r *LedgersRepo) InTx(ctx context.Context, fn func(tx projection.LedgerTx) error) error {
	return dbx.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ledgersTx{db: tx})
	})
}

// Get reads a ledger outside any transaction.
func (r *LedgersRepo) Get(ctx context.Context, productID string) (models.StockLedger, bool, error) {
	return getLedger(ctx, r.pool, productID, false)
}

type ledgersTx struct {
	db dbx.DBTX
}

func (t ledgersTx) MarkProcessed(ctx context.Context, key string) (bool, error) {
	return dbx.MarkProcessed(ctx, t.db, ConsumerName, key)
}

func (t ledgersTx) GetLedger(ctx context.Context, productID string) (models.StockLedger, bool, error) {
	return getLedger(ctx, t.db, productID, true)
}

// OpenLedger inserts an empty ledger unless one exists, then locks the row.
// A missing row cannot be locked, so the insert comes first; concurrent
// openers block on the same key and all see the committed row.
func (t ledgersTx) OpenLedger(ctx context.Context, productID string, now time.Time) (models.StockLedger, bool, error) {
	l := models.NewStockLedger(productID, now)
	tag, err := t.db.Exec(ctx, `
		INSERT INTO stock_ledgers (product_id, quantity, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (product_id) DO NOTHING
	`, l.ProductID, l.Quantity, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return models.StockLedger{}, false, err
	}
	created := tag.RowsAffected() == 1
	l, found, err := getLedger(ctx, t.db, productID, true)
	if err != nil {
		return models.StockLedger{}, false, err
	}
	if !found {
		return models.StockLedger{}, false, fmt.Errorf("stock ledger %s vanished after open", productID)
	}
	return l, created, nil
}

// SaveLedger writes back a row locked by GetLedger or OpenLedger.
func (t ledgersTx) SaveLedger(ctx context.Context, l models.StockLedger) error {
	tag, err := t.db.Exec(ctx, `
		UPDATE stock_ledgers SET
			quantity = $2,
			updated_at = $3
		WHERE product_id = $1
	`, l.ProductID, l.Quantity, l.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("stock ledger %s not opened", l.ProductID)
	}
	return nil
}

func getLedger(ctx context.Context, db dbx.DBTX, productID string, lock bool) (models.StockLedger, bool, error) {
	query := `
		SELECT product_id, quantity, created_at, updated_at
		FROM stock_ledgers
		WHERE product_id = $1
	`
	if lock {
		query += " FOR UPDATE"
	}
	var l models.StockLedger
	err := db.QueryRow(ctx, query, productID).Scan(&l.ProductID, &l.Quantity, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.StockLedger{}, false, nil
	}
	if err != nil {
		return models.StockLedger{}, false, err
	}
	return l, true, nil
}
