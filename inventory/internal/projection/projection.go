// Package projection applies catalog, purchase and sale facts to the stock
// ledger. Inventory is the only writer of stock levels.
package projection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"retail-backbone/inventory/internal/models"
	"retail-backbone/shared/events"
	"retail-backbone/shared/logx"
	"retail-backbone/shared/mqx"
)

// LedgerTx is the store as seen inside one transaction. GetLedger and
// OpenLedger lock the row; OpenLedger inserts an empty ledger first when none
// exists and reports whether it did. SaveLedger writes back a locked row.
// MarkProcessed reports false when key was seen before.
type LedgerTx interface {
	MarkProcessed(ctx context.Context, key string) (bool, error)
	GetLedger(ctx context.Context, productID string) (models.StockLedger, bool, error)
	OpenLedger(ctx context.Context, productID string, now time.Time) (models.StockLedger, bool, error)
	SaveLedger(ctx context.Context, ledger models.StockLedger) error
}

type Store interface {
	InTx(ctx context.Context, fn func(tx LedgerTx) error) error
}

// StockObserver receives committed stock changes, e.g. a time-series sink.
type StockObserver interface {
	WriteStockLevel(ctx context.Context, productID string, quantity int64, delta int64, cause string, at time.Time) error
}

type change struct {
	ledger models.StockLedger
	delta  int64
}

type Projector struct {
	store    Store
	observer StockObserver
	logger   logx.Logger
	now      func() time.Time
}

// New builds the projector; observer may be nil.
func New(store Store, observer StockObserver, logger logx.Logger) *Projector {
	return &Projector{store: store, observer: observer, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

func (p *Projector) Register(c *mqx.Consumer) {
	c.Handle(events.RoutingKeyProductCreated, mqx.Decoded(p.ProductCreated))
	c.Handle(events.RoutingKeyProductUpdated, mqx.Decoded(p.ProductUpdated))
	c.Handle(events.RoutingKeyStockReceived, mqx.Decoded(p.StockReceived))
	c.Handle(events.RoutingKeySaleCompleted, mqx.Decoded(p.SaleCompleted))
}

func StockReceivedKey(purchaseID string, productID string) string {
	return events.RoutingKeyStockReceived + ":" + purchaseID + ":" + productID
}

func SaleCompletedKey(saleID string) string {
	return events.RoutingKeySaleCompleted + ":" + saleID
}

// ProductCreated opens an empty ledger for a new product.
func (p *Projector) ProductCreated(ctx context.Context, fact events.ProductCreated) error {
	return p.store.InTx(ctx, func(tx LedgerTx) error {
		_, created, err := tx.OpenLedger(ctx, fact.ProductID, p.now())
		if err != nil || !created {
			return err
		}
		p.logger.Info(ctx, "stock_ledger_opened", "stock ledger opened",
			slog.String("product_id", fact.ProductID),
		)
		return nil
	})
}

// ProductUpdated carries no stock; it is acknowledged without effect.
func (p *Projector) ProductUpdated(ctx context.Context, fact events.ProductUpdated) error {
	p.logger.Debug(ctx, "product_updated_ignored", "product update does not affect stock",
		slog.String("product_id", fact.ProductID),
	)
	return nil
}

func (p *Projector) StockReceived(ctx context.Context, fact events.StockReceived) error {
	now := p.now()
	var changes []change
	err := p.store.InTx(ctx, func(tx LedgerTx) error {
		changes = nil
		fresh, err := tx.MarkProcessed(ctx, StockReceivedKey(fact.PurchaseID, fact.ProductID))
		if err != nil {
			return err
		}
		if !fresh {
			p.logger.Debug(ctx, "stock_received_duplicate", "stock receipt already applied",
				slog.String("purchase_id", fact.PurchaseID),
				slog.String("product_id", fact.ProductID),
			)
			return nil
		}
		ledger, _, err := tx.OpenLedger(ctx, fact.ProductID, now)
		if err != nil {
			return err
		}
		if err := ledger.Increase(fact.Quantity, now); err != nil {
			return mqx.Permanent(err)
		}
		if err := tx.SaveLedger(ctx, ledger); err != nil {
			return err
		}
		changes = append(changes, change{ledger: ledger, delta: fact.Quantity})
		return nil
	})
	if err != nil {
		return err
	}
	p.observe(ctx, changes, events.RoutingKeyStockReceived)
	return nil
}

// SaleCompleted decreases every line of a sale in one transaction. A line whose
// product has no ledger is skipped; a line short of stock fails the whole sale
// so it is retried as a unit.
func (p *Projector) SaleCompleted(ctx context.Context, fact events.SaleCompleted) error {
	now := p.now()
	log := p.logger.With(slog.String("sale_id", fact.SaleID))
	var changes []change
	err := p.store.InTx(ctx, func(tx LedgerTx) error {
		changes = nil
		fresh, err := tx.MarkProcessed(ctx, SaleCompletedKey(fact.SaleID))
		if err != nil {
			return err
		}
		if !fresh {
			log.Debug(ctx, "sale_duplicate", "sale already applied to stock")
			return nil
		}
		for _, item := range fact.Items {
			ledger, found, err := tx.GetLedger(ctx, item.ProductID)
			if err != nil {
				return err
			}
			if !found {
				log.Warn(ctx, "stock_ledger_missing", "no stock ledger for sold product; skipping line",
					slog.String("product_id", item.ProductID),
				)
				continue
			}
			if err := ledger.Decrease(item.Quantity, now); err != nil {
				return fmt.Errorf("product %s: requested %d, on hand %d: %w", item.ProductID, item.Quantity, ledger.Quantity, err)
			}
			if err := tx.SaveLedger(ctx, ledger); err != nil {
				return err
			}
			changes = append(changes, change{ledger: ledger, delta: -item.Quantity})
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(changes) > 0 {
		log.Info(ctx, "sale_stock_applied", "stock decreased for sale", slog.Int("lines", len(changes)))
	}
	p.observe(ctx, changes, events.RoutingKeySaleCompleted)
	return nil
}

// observe reports committed changes. Failures are logged; the projection
// itself already succeeded.
func (p *Projector) observe(ctx context.Context, changes []change, cause string) {
	if p.observer == nil {
		return
	}
	for _, c := range changes {
		if err := p.observer.WriteStockLevel(ctx, c.ledger.ProductID, c.ledger.Quantity, c.delta, cause, c.ledger.UpdatedAt); err != nil {
			p.logger.Warn(ctx, "stock_observe_failed", "stock level write failed",
				slog.String("product_id", c.ledger.ProductID),
				slog.String("error_code", "UNAVAILABLE"),
				slog.String("error", err.Error()),
			)
		}
	}
}
