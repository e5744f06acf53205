package models

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount      = errors.New("credit sale amount must be positive")
	ErrInsufficientCredit = errors.New("insufficient available credit")
	ErrLimitBelowBalance  = errors.New("credit limit below current balance")
	ErrInvalidTerms       = errors.New("invalid credit terms")
	ErrDuplicateMovement  = errors.New("movement already registered for sale")
)

type MovementStatus string

const (
	MovementPending MovementStatus = "pending"
	MovementPaid    MovementStatus = "paid"
)

type CreditMovement struct {
	SaleID     string
	Amount     decimal.Decimal
	OccurredOn time.Time
	DueDate    time.Time
	Status     MovementStatus
	CreatedAt  time.Time
}

// CreditAccount is a customer's credit line, keyed by identification.
// CurrentBalance never exceeds CreditLimit.
type CreditAccount struct {
	ID                   uuid.UUID
	IdentificationType   string
	IdentificationNumber string
	CustomerID           string
	CustomerName         string
	CreditLimit          decimal.Decimal
	PaymentTermDays      int
	CurrentBalance       decimal.Decimal
	Movements            []CreditMovement
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func NewCreditAccount(idType string, idNumber string, customerID string, name string, limit decimal.Decimal, termDays int, now time.Time) (CreditAccount, error) {
	if strings.TrimSpace(idType) == "" || strings.TrimSpace(idNumber) == "" {
		return CreditAccount{}, errors.New("identification is required")
	}
	if limit.IsNegative() || termDays < 0 {
		return CreditAccount{}, ErrInvalidTerms
	}
	return CreditAccount{
		ID:                   uuid.New(),
		IdentificationType:   idType,
		IdentificationNumber: idNumber,
		CustomerID:           customerID,
		CustomerName:         name,
		CreditLimit:          limit,
		PaymentTermDays:      termDays,
		CurrentBalance:       decimal.Zero,
		CreatedAt:            now,
		UpdatedAt:            now,
	}, nil
}

func (a CreditAccount) AvailableCredit() decimal.Decimal {
	return a.CreditLimit.Sub(a.CurrentBalance)
}

// Identification is the natural key rendered as "<type>-<number>".
func (a CreditAccount) Identification() string {
	return a.IdentificationType + "-" + a.IdentificationNumber
}

func (a CreditAccount) HasMovement(saleID string) bool {
	for _, m := range a.Movements {
		if m.SaleID == saleID {
			return true
		}
	}
	return false
}

// RegisterCreditSale charges amount to the account and returns the new pending
// movement. Amounts are rounded to cents before any check, so a sub-cent
// charge is invalid. The account is unchanged when an error is returned.
func (a *CreditAccount) RegisterCreditSale(amount decimal.Decimal, saleID string, occurredOn time.Time) (CreditMovement, error) {
	amount = amount.Round(2)
	if !amount.IsPositive() {
		return CreditMovement{}, ErrInvalidAmount
	}
	if amount.GreaterThan(a.AvailableCredit()) {
		return CreditMovement{}, ErrInsufficientCredit
	}
	if a.HasMovement(saleID) {
		return CreditMovement{}, ErrDuplicateMovement
	}
	day := time.Date(occurredOn.Year(), occurredOn.Month(), occurredOn.Day(), 0, 0, 0, 0, occurredOn.Location())
	m := CreditMovement{
		SaleID:     saleID,
		Amount:     amount,
		OccurredOn: occurredOn,
		DueDate:    day.AddDate(0, 0, a.PaymentTermDays),
		Status:     MovementPending,
		CreatedAt:  occurredOn,
	}
	a.Movements = append(a.Movements, m)
	a.CurrentBalance = a.CurrentBalance.Add(amount).Round(2)
	a.UpdatedAt = occurredOn
	return m, nil
}

// UpdateTerms applies an approval to an existing account and reports whether
// anything changed. Equal values leave UpdatedAt untouched.
func (a *CreditAccount) UpdateTerms(customerID string, name string, limit decimal.Decimal, termDays int, now time.Time) (bool, error) {
	if limit.IsNegative() || termDays < 0 {
		return false, ErrInvalidTerms
	}
	if limit.LessThan(a.CurrentBalance) {
		return false, ErrLimitBelowBalance
	}
	changed := a.CustomerName != name || !a.CreditLimit.Equal(limit) || a.PaymentTermDays != termDays
	if customerID != "" && customerID != a.CustomerID {
		changed = true
		a.CustomerID = customerID
	}
	if !changed {
		return false, nil
	}
	a.CustomerName = name
	a.CreditLimit = limit
	a.PaymentTermDays = termDays
	a.UpdatedAt = now
	return true, nil
}
