package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrPercentageOutOfRange = errors.New("sale percentage must be within [0, 100]")

var (
	minPercentage = decimal.Zero
	maxPercentage = decimal.NewFromInt(100)
)

// Product is the catalog's view of a sellable item. SalePercentage is only
// changed by purchases, never by product edits.
type Product struct {
	ProductID      string
	Name           string
	Price          decimal.Decimal
	SalePercentage decimal.Decimal
	UpdatedAt      time.Time
}

// SetSalePercentage reports whether the percentage changed. Setting the value
// it already holds leaves the product untouched.
func (p *Product) SetSalePercentage(pct decimal.Decimal, now time.Time) (bool, error) {
	if pct.LessThan(minPercentage) || pct.GreaterThan(maxPercentage) {
		return false, ErrPercentageOutOfRange
	}
	if p.SalePercentage.Equal(pct) {
		return false, nil
	}
	p.SalePercentage = pct
	p.UpdatedAt = now
	return true, nil
}
