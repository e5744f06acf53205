// Package projection keeps kardex credit accounts in step with approvals from
// customers and credit sales from sales.
package projection

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"retail-backbone/kardex/internal/models"
	"retail-backbone/shared/events"
	"retail-backbone/shared/logx"
	"retail-backbone/shared/mqx"
)

// AccountKey locates an account by identification, falling back to the
// customer id when a sale carries no identification.
type AccountKey struct {
	IdentificationType   string
	IdentificationNumber string
	CustomerID           string
}

func (k AccountKey) Empty() bool {
	return (k.IdentificationType == "" || k.IdentificationNumber == "") && k.CustomerID == ""
}

// AccountTx is the view of the store inside one transaction. FindAccount locks
// the row until the transaction ends.
type AccountTx interface {
	FindAccount(ctx context.Context, key AccountKey) (models.CreditAccount, bool, error)
	CreateAccount(ctx context.Context, account models.CreditAccount) error
	UpdateAccount(ctx context.Context, account models.CreditAccount) error
	MovementExists(ctx context.Context, accountID uuid.UUID, saleID string) (bool, error)
	InsertMovement(ctx context.Context, accountID uuid.UUID, movement models.CreditMovement) error
}

type Store interface {
	InTx(ctx context.Context, fn func(tx AccountTx) error) error
}

type Projector struct {
	store  Store
	logger logx.Logger
	now    func() time.Time
}

func New(store Store, logger logx.Logger) *Projector {
	return &Projector{store: store, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Register binds the handlers to the sales and approvals consumers.
func (p *Projector) Register(sales *mqx.Consumer, approvals *mqx.Consumer) {
	sales.Handle(events.RoutingKeySaleCompleted, mqx.Decoded(p.CreditSale))
	approvals.Handle(events.RoutingKeyCustomerCreditApproved, mqx.Decoded(p.CreditApproved))
}

// OpeningSaleID names the movement that carries an approval's opening balance.
func OpeningSaleID(idType string, idNumber string) string {
	return "opening:" + idType + "-" + idNumber
}

// CreditApproved creates the account on first approval and updates its terms
// afterwards. Replaying an approval leaves the account as it was.
func (p *Projector) CreditApproved(ctx context.Context, fact events.CustomerCreditApproved) error {
	now := p.now()
	key := AccountKey{IdentificationType: fact.IdentificationType, IdentificationNumber: fact.IdentificationNumber}
	return p.store.InTx(ctx, func(tx AccountTx) error {
		account, found, err := tx.FindAccount(ctx, key)
		if err != nil {
			return err
		}
		if found {
			changed, err := account.UpdateTerms(fact.CustomerID, fact.CustomerName, fact.CreditLimit, fact.PaymentTermDays, now)
			if err != nil {
				return mqx.Permanent(err)
			}
			if !changed {
				p.logger.Debug(ctx, "credit_terms_unchanged", "credit approval already applied",
					slog.String("account_id", account.ID.String()),
				)
				return nil
			}
			if err := tx.UpdateAccount(ctx, account); err != nil {
				return err
			}
			p.logger.Info(ctx, "credit_terms_updated", "credit terms updated",
				slog.String("account_id", account.ID.String()),
				slog.String("credit_limit", account.CreditLimit.String()),
				slog.Int("payment_term_days", account.PaymentTermDays),
			)
			return nil
		}

		account, err = models.NewCreditAccount(fact.IdentificationType, fact.IdentificationNumber, fact.CustomerID, fact.CustomerName, fact.CreditLimit, fact.PaymentTermDays, now)
		if err != nil {
			return mqx.Permanent(err)
		}
		var opening *models.CreditMovement
		if fact.OpeningBalance.IsPositive() {
			on := fact.ApprovedOn
			if on.IsZero() {
				on = now
			}
			m, err := account.RegisterCreditSale(fact.OpeningBalance, OpeningSaleID(fact.IdentificationType, fact.IdentificationNumber), on)
			if err != nil {
				return mqx.Permanent(err)
			}
			opening = &m
		}
		if err := tx.CreateAccount(ctx, account); err != nil {
			return err
		}
		if opening != nil {
			if err := tx.InsertMovement(ctx, account.ID, *opening); err != nil {
				return err
			}
		}
		p.logger.Info(ctx, "credit_account_created", "credit account created",
			slog.String("account_id", account.ID.String()),
			slog.String("identification", account.Identification()),
			slog.String("credit_limit", account.CreditLimit.String()),
		)
		return nil
	})
}

// CreditSale charges a credit sale to the customer's account. Cash sales, sales
// for customers without an account and sales already charged are acked as is.
func (p *Projector) CreditSale(ctx context.Context, fact events.SaleCompleted) error {
	if !fact.IsCredit() {
		return nil
	}
	log := p.logger.With(slog.String("sale_id", fact.SaleID))
	key := AccountKey{
		IdentificationType:   fact.IdentificationType,
		IdentificationNumber: fact.IdentificationNumber,
		CustomerID:           fact.CustomerID,
	}
	if key.Empty() {
		log.Warn(ctx, "credit_sale_unidentified", "credit sale carries no customer identification; skipping")
		return nil
	}
	occurredOn := fact.OccurredOn
	if occurredOn.IsZero() {
		occurredOn = p.now()
	}

	return p.store.InTx(ctx, func(tx AccountTx) error {
		account, found, err := tx.FindAccount(ctx, key)
		if err != nil {
			return err
		}
		if !found {
			log.Warn(ctx, "credit_account_missing", "no credit account for customer; skipping",
				slog.String("customer_id", key.CustomerID),
				slog.String("identification_number", key.IdentificationNumber),
			)
			return nil
		}
		exists, err := tx.MovementExists(ctx, account.ID, fact.SaleID)
		if err != nil {
			return err
		}
		if exists {
			log.Debug(ctx, "credit_sale_duplicate", "credit sale already registered")
			return nil
		}

		movement, err := account.RegisterCreditSale(fact.Total, fact.SaleID, occurredOn)
		if err != nil {
			if errors.Is(err, models.ErrInsufficientCredit) || errors.Is(err, models.ErrInvalidAmount) {
				return mqx.Permanent(err)
			}
			return err
		}
		if err := tx.InsertMovement(ctx, account.ID, movement); err != nil {
			return err
		}
		if err := tx.UpdateAccount(ctx, account); err != nil {
			return err
		}
		log.Info(ctx, "credit_sale_registered", "credit sale registered",
			slog.String("account_id", account.ID.String()),
			slog.String("amount", movement.Amount.String()),
			slog.String("current_balance", account.CurrentBalance.String()),
			slog.Time("due_date", movement.DueDate),
		)
		return nil
	})
}
