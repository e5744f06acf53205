package repos

import (
	"context"
	_ "embed"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"retail-backbone/kardex/internal/models"
	"retail-backbone/kardex/internal/projection"
	"retail-backbone/shared/dbx"
)

//go:embed schema.sql
var Schema string

type AccountsRepo struct {
	pool *pgxpool.Pool
}

func NewAccountsRepo(pool *pgxpool.Pool) *AccountsRepo {
	return &AccountsRepo{pool: pool}
}

func (r *AccountsRepo) InTx(ctx context.Context, fn func(tx projection.AccountTx) error) error {
	return dbx.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(accountsTx{db: tx})
	})
}

type accountsTx struct {
	db dbx.DBTX
}

const accountColumns = `account_id, identification_type, identification_number, COALESCE(customer_id, ''), customer_name, credit_limit, payment_term_days, current_balance, created_at, updated_at`

func (t accountsTx) FindAccount(ctx context.Context, key projection.AccountKey) (models.CreditAccount, bool, error) {
	var row pgx.Row
	if key.IdentificationType != "" && key.IdentificationNumber != "" {
		row = t.db.QueryRow(ctx, `
			SELECT `+accountColumns+`
			FROM credit_accounts
			WHERE identification_type = $1 AND identification_number = $2
			FOR UPDATE
		`, key.IdentificationType, key.IdentificationNumber)
	} else {
		row = t.db.QueryRow(ctx, `
			SELECT `+accountColumns+`
			FROM credit_accounts
			WHERE customer_id = $1
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE
		`, key.CustomerID)
	}

	var a models.CreditAccount
	err := row.Scan(&a.ID, &a.IdentificationType, &a.IdentificationNumber, &a.CustomerID, &a.CustomerName, &a.CreditLimit, &a.PaymentTermDays, &a.CurrentBalance, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CreditAccount{}, false, nil
	}
	if err != nil {
		return models.CreditAccount{}, false, err
	}
	return a, true, nil
}

func (t accountsTx) CreateAccount(ctx context.Context, a models.CreditAccount) error {
	_, err := t.db.Exec(ctx, `
		INSERT INTO credit_accounts (
			account_id, identification_type, identification_number, customer_id, customer_name, credit_limit, payment_term_days, current_balance, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, a.ID, a.IdentificationType, a.IdentificationNumber, nullIfEmpty(a.CustomerID), a.CustomerName, a.CreditLimit, a.PaymentTermDays, a.CurrentBalance, a.CreatedAt, a.UpdatedAt)
	return err
}

func (t accountsTx) UpdateAccount(ctx context.Context, a models.CreditAccount) error {
	_, err := t.db.Exec(ctx, `
		UPDATE credit_accounts SET
			customer_id = $2,
			customer_name = $3,
			credit_limit = $4,
			payment_term_days = $5,
			current_balance = $6,
			updated_at = $7
		WHERE account_id = $1
	`, a.ID, nullIfEmpty(a.CustomerID), a.CustomerName, a.CreditLimit, a.PaymentTermDays, a.CurrentBalance, a.UpdatedAt)
	return err
}

func (t accountsTx) MovementExists(ctx context.Context, accountID uuid.UUID, saleID string) (bool, error) {
	var exists bool
	err := t.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM credit_movements WHERE account_id = $1 AND sale_id = $2)
	`, accountID, saleID).Scan(&exists)
	return exists, err
}

func (t accountsTx) InsertMovement(ctx context.Context, accountID uuid.UUID, m models.CreditMovement) error {
	_, err := t.db.Exec(ctx, `
		INSERT INTO credit_movements (account_id, sale_id, amount, occurred_on, due_date, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, accountID, m.SaleID, m.Amount, m.OccurredOn, m.DueDate, string(m.Status), m.CreatedAt)
	return err
}

// Movements lists an account's movements, oldest first.
func (r *AccountsRepo) Movements(ctx context.Context, accountID uuid.UUID) ([]models.CreditMovement, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT sale_id, amount, occurred_on, due_date, status, created_at
		FROM credit_movements
		WHERE account_id = $1
		ORDER BY created_at, sale_id
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.CreditMovement
	for rows.Next() {
		var m models.CreditMovement
		var status string
		if err := rows.Scan(&m.SaleID, &m.Amount, &m.OccurredOn, &m.DueDate, &status, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Status = models.MovementStatus(status)
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
