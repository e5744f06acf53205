package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	ErrMalformed         = errors.New("malformed event payload")
	ErrUnknownRoutingKey = errors.New("unknown routing key")
	ErrUnknownFact       = errors.New("unknown fact type")
)

var registry = map[string]func() any{
	RoutingKeyProductCreated:         func() any { return &ProductCreated{} },
	RoutingKeyProductUpdated:         func() any { return &ProductUpdated{} },
	RoutingKeyStockReceived:          func() any { return &StockReceived{} },
	RoutingKeySaleCompleted:          func() any { return &SaleCompleted{} },
	RoutingKeySalePercentagesUpdated: func() any { return &PurchaseSalePercentagesUpdated{} },
	RoutingKeyCustomerCreditApproved: func() any { return &CustomerCreditApproved{} },
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		// Decimal fields are compared as float64 so gte/lte tags apply to money and percentages.
		validate.RegisterCustomTypeFunc(func(field reflect.Value) any {
			if d, ok := field.Interface().(decimal.Decimal); ok {
				f, _ := d.Float64()
				return f
			}
			return nil
		}, decimal.Decimal{})
	})
	return validate
}

// RoutingKeys lists every routing key with a registered fact.
func RoutingKeys() []string {
	return []string{
		RoutingKeyProductCreated,
		RoutingKeyProductUpdated,
		RoutingKeyStockReceived,
		RoutingKeySaleCompleted,
		RoutingKeySalePercentagesUpdated,
		RoutingKeyCustomerCreditApproved,
	}
}

func RoutingKeyOf(fact any) (string, error) {
	switch fact.(type) {
	case ProductCreated, *ProductCreated:
		return RoutingKeyProductCreated, nil
	case ProductUpdated, *ProductUpdated:
		return RoutingKeyProductUpdated, nil
	case StockReceived, *StockReceived:
		return RoutingKeyStockReceived, nil
	case SaleCompleted, *SaleCompleted:
		return RoutingKeySaleCompleted, nil
	case PurchaseSalePercentagesUpdated, *PurchaseSalePercentagesUpdated:
		return RoutingKeySalePercentagesUpdated, nil
	case CustomerCreditApproved, *CustomerCreditApproved:
		return RoutingKeyCustomerCreditApproved, nil
	default:
		return "", fmt.Errorf("%w: %T", ErrUnknownFact, fact)
	}
}

// Encode validates fact and returns its routing key and JSON body.
func Encode(fact any) (string, []byte, error) {
	key, err := RoutingKeyOf(fact)
	if err != nil {
		return "", nil, err
	}
	if err := validatorInstance().Struct(fact); err != nil {
		return "", nil, fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
	}
	body, err := json.Marshal(fact)
	if err != nil {
		return "", nil, err
	}
	return key, body, nil
}

// Decode parses body as the fact registered for routingKey. Unknown JSON fields
// are ignored; missing optional fields keep their zero value.
func Decode(routingKey string, body []byte) (any, error) {
	newFact, ok := registry[routingKey]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRoutingKey, routingKey)
	}
	fact := newFact()
	if err := json.Unmarshal(body, fact); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, routingKey, err)
	}
	if err := validatorInstance().Struct(fact); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, routingKey, err)
	}
	return reflect.ValueOf(fact).Elem().Interface(), nil
}

// DecodeAs decodes body and asserts the fact type expected by a handler.
func DecodeAs[T any](routingKey string, body []byte) (T, error) {
	var zero T
	fact, err := Decode(routingKey, body)
	if err != nil {
		return zero, err
	}
	typed, ok := fact.(T)
	if !ok {
		return zero, fmt.Errorf("%w: routing key %q carries %T, handler expects %T", ErrUnknownFact, routingKey, fact, zero)
	}
	return typed, nil
}
