package projection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"retail-backbone/catalog/internal/models"
	"retail-backbone/shared/events"
	"retail-backbone/shared/logx"
	"retail-backbone/shared/mqx"
)

type memCatalog struct {
	products map[string]models.Product
	updates  int
	failNext bool
}

func (m *memCatalog) InTx(_ context.Context, fn func(tx ProductTx) error) error {
	work := make(map[string]models.Product, len(m.products))
	for k, v := range m.products {
		work[k] = v
	}
	tx := &memTx{catalog: m, products: work}
	if err := fn(tx); err != nil {
		return err
	}
	m.products = work
	m.updates += tx.updates
	return nil
}

type memTx struct {
	catalog  *memCatalog
	products map[string]models.Product
	updates  int
}

func (t *memTx) GetProduct(_ context.Context, id string) (models.Product, bool, error) {
	p, ok := t.products[id]
	return p, ok, nil
}

func (t *memTx) UpdateSalePercentage(_ context.Context, id string, pct decimal.Decimal, at time.Time) error {
	if t.catalog.failNext {
		t.catalog.failNext = false
		return errors.New("db down")
	}
	p := t.products[id]
	p.SalePercentage, p.UpdatedAt = pct, at
	t.products[id] = p
	t.updates++
	return nil
}

func pct(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func catalog() *memCatalog {
	stamp := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return &memCatalog{products: map[string]models.Product{
		"p-1": {ProductID: "p-1", SalePercentage: pct("10"), UpdatedAt: stamp},
		"p-2": {ProductID: "p-2", SalePercentage: pct("20"), UpdatedAt: stamp},
	}}
}

func TestSalePercentagesUpdatedOnlyWritesChanges(t *testing.T) {
	store := catalog()
	p := New(store, logx.Nop())
	fact := events.PurchaseSalePercentagesUpdated{PurchaseID: "po-1", Items: []events.SalePercentageItem{
		{ProductID: "p-1", SalePercentage: pct("15")},
		{ProductID: "p-2", SalePercentage: pct("20.0")},
	}}

	if err := p.SalePercentagesUpdated(context.Background(), fact); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if store.updates != 1 {
		t.Fatalf("expected one update call, got %d", store.updates)
	}
	if !store.products["p-1"].SalePercentage.Equal(pct("15")) {
		t.Fatalf("p-1 = %s", store.products["p-1"].SalePercentage)
	}

	stamp := store.products["p-1"].UpdatedAt
	if err := p.SalePercentagesUpdated(context.Background(), fact); err != nil {
		t.Fatalf("reapply: %v", err)
	}
	if store.updates != 1 {
		t.Fatalf("re-applying issued %d more update calls", store.updates-1)
	}
	if !store.products["p-1"].UpdatedAt.Equal(stamp) {
		t.Fatalf("re-applying changed the timestamp")
	}
}

func TestSalePercentagesUpdatedSkipsUnknownProducts(t *testing.T) {
	store := catalog()
	fact := events.PurchaseSalePercentagesUpdated{PurchaseID: "po-1", Items: []events.SalePercentageItem{
		{ProductID: "missing", SalePercentage: pct("50")},
		{ProductID: "p-2", SalePercentage: pct("35")},
	}}
	if err := New(store, logx.Nop()).SalePercentagesUpdated(context.Background(), fact); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, ok := store.products["missing"]; ok {
		t.Fatalf("unknown product created")
	}
	if !store.products["p-2"].SalePercentage.Equal(pct("35")) {
		t.Fatalf("p-2 = %s", store.products["p-2"].SalePercentage)
	}
}

func TestSalePercentagesUpdatedOutOfRangeIsPermanent(t *testing.T) {
	store := catalog()
	fact := events.PurchaseSalePercentagesUpdated{PurchaseID: "po-1", Items: []events.SalePercentageItem{
		{ProductID: "p-1", SalePercentage: pct("30")},
		{ProductID: "p-2", SalePercentage: pct("120")},
	}}
	err := New(store, logx.Nop()).SalePercentagesUpdated(context.Background(), fact)
	if !mqx.IsPermanent(err) || !errors.Is(err, models.ErrPercentageOutOfRange) {
		t.Fatalf("expected permanent out-of-range error, got %v", err)
	}
	if !store.products["p-1"].SalePercentage.Equal(pct("10")) {
		t.Fatalf("partial update kept")
	}
}

func TestSalePercentagesUpdatedStoreFailureRollsBack(t *testing.T) {
	store := catalog()
	store.failNext = true
	fact := events.PurchaseSalePercentagesUpdated{PurchaseID: "po-1", Items: []events.SalePercentageItem{{ProductID: "p-1", SalePercentage: pct("40")}}}
	p := New(store, logx.Nop())
	if err := p.SalePercentagesUpdated(context.Background(), fact); err == nil || mqx.IsPermanent(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if err := p.SalePercentagesUpdated(context.Background(), fact); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !store.products["p-1"].SalePercentage.Equal(pct("40")) || store.updates != 1 {
		t.Fatalf("retry not applied: %s updates=%d", store.products["p-1"].SalePercentage, store.updates)
	}
}
