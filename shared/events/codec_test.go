package events

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDecodeToleratesUnknownFields(t *testing.T) {
	body := []byte(`{"productId":"p-1","quantity":10,"purchaseId":"po-9","warehouse":"main"}`)
	fact, err := DecodeAs[StockReceived](RoutingKeyStockReceived, body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fact.ProductID != "p-1" || fact.Quantity != 10 || fact.PurchaseID != "po-9" {
		t.Fatalf("unexpected fact: %#v", fact)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]struct {
		key  string
		body string
	}{
		"not json":           {RoutingKeySaleCompleted, `{"saleId":`},
		"missing sale id":    {RoutingKeySaleCompleted, `{"items":[{"productId":"p","quantity":1}]}`},
		"empty items":        {RoutingKeySaleCompleted, `{"saleId":"s","items":[]}`},
		"zero quantity":      {RoutingKeyStockReceived, `{"productId":"p","quantity":0,"purchaseId":"x"}`},
		"percentage > 100":   {RoutingKeySalePercentagesUpdated, `{"purchaseId":"x","items":[{"productId":"p","salePercentage":101}]}`},
		"negative limit":     {RoutingKeyCustomerCreditApproved, `{"customerName":"A","identificationType":"CC","identificationNumber":"1","creditLimit":-5}`},
		"bad payment method": {RoutingKeySaleCompleted, `{"saleId":"s","items":[{"productId":"p","quantity":1}],"paymentMethod":"barter"}`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(tc.key, []byte(tc.body))
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestDecodeUnknownRoutingKey(t *testing.T) {
	if _, err := Decode("invoice.paid", []byte(`{}`)); !errors.Is(err, ErrUnknownRoutingKey) {
		t.Fatalf("expected ErrUnknownRoutingKey, got %v", err)
	}
}

func TestDecodeAsWrongType(t *testing.T) {
	body := []byte(`{"productId":"p-1","name":"Widget","price":"9.90"}`)
	if _, err := DecodeAs[StockReceived](RoutingKeyProductCreated, body); !errors.Is(err, ErrUnknownFact) {
		t.Fatalf("expected ErrUnknownFact, got %v", err)
	}
}

func TestEncodeUsesRoutingKeyOfFact(t *testing.T) {
	fact := SaleCompleted{
		SaleID:     "s-1",
		Items:      []SaleItem{{ProductID: "p-1", Quantity: 2}, {ProductID: "p-2", Quantity: 1}},
		OccurredOn: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Total:      decimal.RequireFromString("12.50"),
	}
	key, body, err := Encode(fact)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if key != RoutingKeySaleCompleted {
		t.Fatalf("unexpected routing key %q", key)
	}
	back, err := DecodeAs[SaleCompleted](key, body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.ItemsCount() != 3 || !back.Total.Equal(fact.Total) || !back.OccurredOn.Equal(fact.OccurredOn) {
		t.Fatalf("unexpected round trip: %#v", back)
	}
	if back.IsCredit() {
		t.Fatalf("missing payment method must default to non-credit")
	}
}

func TestEncodeRejectsUnknownFact(t *testing.T) {
	if _, _, err := Encode(struct{ ID string }{ID: "x"}); !errors.Is(err, ErrUnknownFact) {
		t.Fatalf("expected ErrUnknownFact, got %v", err)
	}
}
