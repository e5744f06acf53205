package projection

import (
	"context"
	"errors"
	"testing"
	"time"

	"retail-backbone/customers/internal/models"
	"retail-backbone/shared/events"
	"retail-backbone/shared/logx"
	"retail-backbone/shared/mqx"
)

type memHistory struct {
	rows map[string]models.SaleHistoryEntry
	err  error
}

func (m *memHistory) Insert(_ context.Context, e models.SaleHistoryEntry) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	if _, ok := m.rows[e.SaleID]; ok {
		return false, nil
	}
	m.rows[e.SaleID] = e
	return true, nil
}

func TestSaleCompletedRecordsOncePerSale(t *testing.T) {
	store := &memHistory{rows: map[string]models.SaleHistoryEntry{}}
	p := New(store, logx.Nop())
	occurred := time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)
	fact := events.SaleCompleted{
		SaleID:     "s-1",
		CustomerID: "c-1",
		OccurredOn: occurred,
		Items:      []events.SaleItem{{ProductID: "p-1", Quantity: 3}},
	}

	for i := 0; i < 3; i++ {
		if err := p.SaleCompleted(context.Background(), fact); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}
	if len(store.rows) != 1 {
		t.Fatalf("expected one row, got %d", len(store.rows))
	}
	row := store.rows["s-1"]
	if row.ItemsCount != 3 || !row.OccurredAt.Equal(occurred) || row.CustomerID != "c-1" {
		t.Fatalf("unexpected row %#v", row)
	}
}

func TestSaleCompletedSumsQuantities(t *testing.T) {
	store := &memHistory{rows: map[string]models.SaleHistoryEntry{}}
	p := New(store, logx.Nop())
	now := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	fact := events.SaleCompleted{SaleID: "s-2", Items: []events.SaleItem{{ProductID: "a", Quantity: 2}, {ProductID: "b", Quantity: 5}}}
	if err := p.SaleCompleted(context.Background(), fact); err != nil {
		t.Fatalf("sale: %v", err)
	}
	row := store.rows["s-2"]
	if row.ItemsCount != 7 {
		t.Fatalf("items count = %d, want 7", row.ItemsCount)
	}
	if !row.OccurredAt.Equal(now) {
		t.Fatalf("missing occurredOn should default to the clock, got %v", row.OccurredAt)
	}
}

func TestSaleCompletedStoreFailureIsRetryable(t *testing.T) {
	store := &memHistory{rows: map[string]models.SaleHistoryEntry{}, err: errors.New("db down")}
	err := New(store, logx.Nop()).SaleCompleted(context.Background(), events.SaleCompleted{SaleID: "s-1", Items: []events.SaleItem{{ProductID: "p", Quantity: 1}}})
	if err == nil || mqx.IsPermanent(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}
