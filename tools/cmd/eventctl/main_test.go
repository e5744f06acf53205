package main

import (
	"errors"
	"strings"
	"testing"

	"retail-backbone/shared/events"
)

func TestReadFact(t *testing.T) {
	body, fact, err := readFact(events.RoutingKeyStockReceived, `{"productId":"p-1","quantity":2,"purchaseId":"po-1","extra":true}`, "", nil)
	if err != nil {
		t.Fatalf("readFact: %v", err)
	}
	if !strings.Contains(string(body), `"extra":true`) {
		t.Fatalf("raw body must be kept, got %s", body)
	}
	if got, ok := fact.(events.StockReceived); !ok || got.Quantity != 2 {
		t.Fatalf("unexpected fact %#v", fact)
	}
}

func TestReadFactFromStdin(t *testing.T) {
	_, fact, err := readFact(events.RoutingKeyProductCreated, "", "-", strings.NewReader(`{"productId":"p-9","name":"Tea","price":"3.50"}`))
	if err != nil {
		t.Fatalf("readFact: %v", err)
	}
	if fact.(events.ProductCreated).ProductID != "p-9" {
		t.Fatalf("unexpected fact %#v", fact)
	}
}

func TestReadFactRejects(t *testing.T) {
	cases := map[string]struct {
		key, data, file string
		want            error
	}{
		"missing key":     {data: "{}"},
		"missing payload": {key: events.RoutingKeySaleCompleted},
		"both sources":    {key: events.RoutingKeySaleCompleted, data: "{}", file: "x.json"},
		"unknown key":     {key: "order.shipped", data: "{}", want: events.ErrUnknownRoutingKey},
		"invalid fact":    {key: events.RoutingKeySaleCompleted, data: `{"saleId":"s-1","items":[]}`, want: events.ErrMalformed},
	}
	for name, tc := range cases {
		_, _, err := readFact(tc.key, tc.data, tc.file, nil)
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", name, tc.want, err)
		}
	}
}
