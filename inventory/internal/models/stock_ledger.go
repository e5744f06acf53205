package models

import (
	"errors"
	"time"
)

var (
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrInsufficientStock = errors.New("insufficient stock")
)

// StockLedger is the authoritative stock level of one product. Quantity is
// never negative. CreatedAt is set once, when the ledger is opened.
type StockLedger struct {
	ProductID string
	Quantity  int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewStockLedger(productID string, now time.Time) StockLedger {
	return StockLedger{ProductID: productID, CreatedAt: now, UpdatedAt: now}
}

func (l *StockLedger) Increase(qty int64, now time.Time) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	l.Quantity += qty
	l.UpdatedAt = now
	return nil
}

// Decrease removes qty units. The ledger is unchanged on error.
func (l *StockLedger) Decrease(qty int64, now time.Time) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	if qty > l.Quantity {
		return ErrInsufficientStock
	}
	l.Quantity -= qty
	l.UpdatedAt = now
	return nil
}
