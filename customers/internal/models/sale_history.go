package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"retail-backbone/shared/events"
)

var ErrInvalidHistoryEntry = errors.New("sale history entry needs a sale id and at least one item")

// SaleHistoryEntry is one completed sale as seen by the customers service.
// SaleID is unique across entries.
type SaleHistoryEntry struct {
	SaleID        string
	CustomerID    string
	ItemsCount    int64
	Total         decimal.Decimal
	PaymentMethod string
	OccurredAt    time.Time
	RecordedAt    time.Time
}

// NewSaleHistoryEntry builds an entry. A sale without a payment method was
// paid in cash; a zero occurredAt means now.
func NewSaleHistoryEntry(saleID string, customerID string, itemsCount int64, total decimal.Decimal, paymentMethod string, occurredAt time.Time, now time.Time) (SaleHistoryEntry, error) {
	if saleID == "" || itemsCount <= 0 {
		return SaleHistoryEntry{}, ErrInvalidHistoryEntry
	}
	if occurredAt.IsZero() {
		occurredAt = now
	}
	if paymentMethod == "" {
		paymentMethod = events.PaymentMethodCash
	}
	return SaleHistoryEntry{
		SaleID:        saleID,
		CustomerID:    customerID,
		ItemsCount:    itemsCount,
		Total:         total,
		PaymentMethod: paymentMethod,
		OccurredAt:    occurredAt,
		RecordedAt:    now,
	}, nil
}
