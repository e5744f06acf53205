package projection

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"retail-backbone/catalog/internal/models"
	"retail-backbone/shared/events"
	"retail-backbone/shared/logx"
	"retail-backbone/shared/mqx"
)

type ProductTx interface {
	GetProduct(ctx context.Context, productID string) (models.Product, bool, error)
	UpdateSalePercentage(ctx context.Context, productID string, pct decimal.Decimal, at time.Time) error
}

type Store interface {
	InTx(ctx context.Context, fn func(tx ProductTx) error) error
}

type Projector struct {
	store  Store
	logger logx.Logger
	now    func() time.Time
}

func New(store Store, logger logx.Logger) *Projector {
	return &Projector{store: store, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

func (p *Projector) Register(c *mqx.Consumer) {
	c.Handle(events.RoutingKeySalePercentagesUpdated, mqx.Decoded(p.SalePercentagesUpdated))
}

// SalePercentagesUpdated copies each requested percentage onto its product,
// writing only the products whose value actually changes. Unknown products
// are skipped.
func (p *Projector) SalePercentagesUpdated(ctx context.Context, fact events.PurchaseSalePercentagesUpdated) error {
	now := p.now()
	log := p.logger.With(slog.String("purchase_id", fact.PurchaseID))
	updated := 0
	err := p.store.InTx(ctx, func(tx ProductTx) error {
		updated = 0
		for _, item := range fact.Items {
			product, found, err := tx.GetProduct(ctx, item.ProductID)
			if err != nil {
				return err
			}
			if !found {
				log.Warn(ctx, "product_missing", "product not in catalog; skipping sale percentage",
					slog.String("product_id", item.ProductID),
				)
				continue
			}
			changed, err := product.SetSalePercentage(item.SalePercentage, now)
			if err != nil {
				return mqx.Permanent(err)
			}
			if !changed {
				continue
			}
			if err := tx.UpdateSalePercentage(ctx, product.ProductID, product.SalePercentage, product.UpdatedAt); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Info(ctx, "sale_percentages_applied", "sale percentages applied",
		slog.Int("items", len(fact.Items)),
		slog.Int("updated", updated),
	)
	return nil
}
