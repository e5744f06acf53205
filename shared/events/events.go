// Package events holds the facts services exchange over the broker and the
// routing keys they travel under. Facts are plain values; they carry no behavior
// beyond encoding and validation.
package events

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RoutingKeyProductCreated         = "product.created"
	RoutingKeyProductUpdated         = "product.updated"
	RoutingKeyStockReceived          = "stock.received"
	RoutingKeySaleCompleted          = "sale.completed"
	RoutingKeySalePercentagesUpdated = "product.salepercentage.updated"
	RoutingKeyCustomerCreditApproved = "customer.credit.approved"
)

const (
	HeaderMessageID   = "message_id"
	HeaderSource      = "source"
	HeaderOccurredAt  = "occurred_at"
	HeaderContentType = "content_type"
	ContentTypeJSON   = "application/json"
)

const (
	PaymentMethodCash   = "cash"
	PaymentMethodCredit = "credit"
)

type ProductCreated struct {
	ProductID string          `json:"productId" validate:"required"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price" validate:"gte=0"`
}

// ProductUpdated intentionally has no stock field; stock belongs to inventory.
type ProductUpdated struct {
	ProductID string          `json:"productId" validate:"required"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price" validate:"gte=0"`
}

type StockReceived struct {
	ProductID  string `json:"productId" validate:"required"`
	Quantity   int64  `json:"quantity" validate:"gt=0"`
	PurchaseID string `json:"purchaseId" validate:"required"`
}

type SaleItem struct {
	ProductID string `json:"productId" validate:"required"`
	Quantity  int64  `json:"quantity" validate:"gt=0"`
}

type SaleCompleted struct {
	SaleID     string     `json:"saleId" validate:"required"`
	Items      []SaleItem `json:"items" validate:"required,min=1,dive"`
	OccurredOn time.Time  `json:"occurredOn"`

	// Optional; absent on cash sales published by older producers.
	CustomerID           string          `json:"customerId,omitempty"`
	IdentificationType   string          `json:"identificationType,omitempty"`
	IdentificationNumber string          `json:"identificationNumber,omitempty"`
	PaymentMethod        string          `json:"paymentMethod,omitempty" validate:"omitempty,oneof=cash credit"`
	Total                decimal.Decimal `json:"total" validate:"gte=0"`
}

// ItemsCount is the number of units sold across all lines.
func (s SaleCompleted) ItemsCount() int64 {
	var n int64
	for _, item := range s.Items {
		n += item.Quantity
	}
	return n
}

func (s SaleCompleted) IsCredit() bool {
	return s.PaymentMethod == PaymentMethodCredit
}

type SalePercentageItem struct {
	ProductID      string          `json:"productId" validate:"required"`
	SalePercentage decimal.Decimal `json:"salePercentage" validate:"gte=0,lte=100"`
}

type PurchaseSalePercentagesUpdated struct {
	PurchaseID string               `json:"purchaseId" validate:"required"`
	Items      []SalePercentageItem `json:"items" validate:"required,min=1,dive"`
}

type CustomerCreditApproved struct {
	CustomerID           string          `json:"customerId"`
	CustomerName         string          `json:"customerName" validate:"required"`
	IdentificationType   string          `json:"identificationType" validate:"required"`
	IdentificationNumber string          `json:"identificationNumber" validate:"required"`
	CreditLimit          decimal.Decimal `json:"creditLimit" validate:"gte=0"`
	PaymentTermDays      int             `json:"paymentTermDays" validate:"gte=0"`
	OpeningBalance       decimal.Decimal `json:"openingBalance" validate:"gte=0"`
	ApprovedOn           time.Time       `json:"approvedOn"`
}
