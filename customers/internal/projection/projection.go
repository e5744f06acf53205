package projection

import (
	"context"
	"log/slog"
	"time"

	"retail-backbone/customers/internal/models"
	"retail-backbone/shared/events"
	"retail-backbone/shared/logx"
	"retail-backbone/shared/mqx"
)

// HistoryStore inserts an entry unless one with the same sale id exists; the
// boolean reports whether a row was written.
type HistoryStore interface {
	Insert(ctx context.Context, entry models.SaleHistoryEntry) (bool, error)
}

type Projector struct {
	store  HistoryStore
	logger logx.Logger
	now    func() time.Time
}

func New(store HistoryStore, logger logx.Logger) *Projector {
	return &Projector{store: store, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

func (p *Projector) Register(c *mqx.Consumer) {
	c.Handle(events.RoutingKeySaleCompleted, mqx.Decoded(p.SaleCompleted))
}

// SaleCompleted appends one history row per sale.
func (p *Projector) SaleCompleted(ctx context.Context, fact events.SaleCompleted) error {
	entry, err := models.NewSaleHistoryEntry(fact.SaleID, fact.CustomerID, fact.ItemsCount(), fact.Total, fact.PaymentMethod, fact.OccurredOn, p.now())
	if err != nil {
		return mqx.Permanent(err)
	}
	inserted, err := p.store.Insert(ctx, entry)
	if err != nil {
		return err
	}
	if !inserted {
		p.logger.Debug(ctx, "sale_history_duplicate", "sale already in history",
			slog.String("sale_id", fact.SaleID),
		)
		return nil
	}
	p.logger.Info(ctx, "sale_history_recorded", "sale recorded in history",
		slog.String("sale_id", entry.SaleID),
		slog.String("customer_id", entry.CustomerID),
		slog.Int64("items_count", entry.ItemsCount),
	)
	return nil
}
