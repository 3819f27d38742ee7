package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/reklamai/backend/internal/models"
)

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

const accountColumns = `id, owner_id, balance, total_earned, total_spent, created_at, updated_at`

func scanAccount(row pgx.Row) (*models.CreditAccount, error) {
	var a models.CreditAccount
	if err := row.Scan(&a.ID, &a.OwnerID, &a.Balance, &a.TotalEarned, &a.TotalSpent, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (r *AccountRepo) GetByOwner(ctx context.Context, ownerID uuid.UUID) (*models.CreditAccount, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM credit_accounts WHERE owner_id = $1`, ownerID))
}

// GetByOwnerForUpdate locks the account row for update. Call within a transaction.
func (r *AccountRepo) GetByOwnerForUpdate(ctx context.Context, tx pgx.Tx, ownerID uuid.UUID) (*models.CreditAccount, error) {
	return scanAccount(tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM credit_accounts WHERE owner_id = $1 FOR UPDATE`, ownerID))
}

// EnsureForUpdate opens a zero-balance account for ownerID if none exists, then locks it.
func (r *AccountRepo) EnsureForUpdate(ctx context.Context, tx pgx.Tx, ownerID uuid.UUID) (*models.CreditAccount, error) {
	if _, err := tx.Exec(ctx, `
		INSERT INTO credit_accounts (id, owner_id) VALUES ($1, $2)
		ON CONFLICT (owner_id) DO NOTHING
	`, uuid.New(), ownerID); err != nil {
		return nil, err
	}
	return r.GetByOwnerForUpdate(ctx, tx, ownerID)
}

// Debit moves amount from balance to total_spent if the balance covers it. Returns the new balance.
func (r *AccountRepo) Debit(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) (newBalance decimal.Decimal, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE credit_accounts
		SET balance = balance - $1, total_spent = total_spent + $1, updated_at = now()
		WHERE id = $2 AND balance >= $1
		RETURNING balance
	`, amount, id).Scan(&newBalance)
	return newBalance, notFound(err)
}

// Restore reverses a debit: balance += amount, total_spent -= amount. Returns the new balance.
func (r *AccountRepo) Restore(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) (newBalance decimal.Decimal, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE credit_accounts
		SET balance = balance + $1, total_spent = total_spent - $1, updated_at = now()
		WHERE id = $2
		RETURNING balance
	`, amount, id).Scan(&newBalance)
	return newBalance, notFound(err)
}

// Earn adds purchased credits: balance += amount, total_earned += amount. Returns the new balance.
func (r *AccountRepo) Earn(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) (newBalance decimal.Decimal, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE credit_accounts
		SET balance = balance + $1, total_earned = total_earned + $1, updated_at = now()
		WHERE id = $2
		RETURNING balance
	`, amount, id).Scan(&newBalance)
	return newBalance, notFound(err)
}
