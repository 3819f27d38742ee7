package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/reklamai/backend/internal/database"
	"github.com/reklamai/backend/internal/models"
	"github.com/reklamai/backend/internal/repository"
)

var (
	// ErrInsufficientCredits is returned when the balance does not cover a reservation. Nothing is mutated.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrAccountNotFound is returned when the owner has no credit account.
	ErrAccountNotFound = errors.New("credit account not found")
	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// AccountRepo is the minimal account repository interface for the ledger.
type AccountRepo interface {
	GetByOwner(ctx context.Context, ownerID uuid.UUID) (*models.CreditAccount, error)
	GetByOwnerForUpdate(ctx context.Context, tx pgx.Tx, ownerID uuid.UUID) (*models.CreditAccount, error)
	EnsureForUpdate(ctx context.Context, tx pgx.Tx, ownerID uuid.UUID) (*models.CreditAccount, error)
	Debit(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error)
	Restore(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error)
	Earn(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error)
}

// TransactionRepo is the append-only transaction log.
type TransactionRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, c *models.CreditTransaction) error
	ListByAccountID(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.CreditTransaction, error)
}

// SettlementRepo pins credits_final on the generation record exactly once.
type SettlementRepo interface {
	SettleTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, creditsFinal decimal.Decimal) (bool, error)
}

// Ledger is the only component that mutates credit balances.
type Ledger struct {
	db          database.TxBeginner
	accounts    AccountRepo
	txns        TransactionRepo
	settlements SettlementRepo
	logger      *slog.Logger
}

func New(db database.TxBeginner, accounts AccountRepo, txns TransactionRepo, settlements SettlementRepo, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{db: db, accounts: accounts, txns: txns, settlements: settlements, logger: logger}
}

// Reserve locks the owner's account row, debits amount and appends a reserve entry.
// Call within a transaction; the row lock is held until it ends.
func (l *Ledger) Reserve(ctx context.Context, tx pgx.Tx, ownerID, generationID uuid.UUID, amount decimal.Decimal) (*models.CreditTransaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	acc, err := l.accounts.GetByOwnerForUpdate(ctx, tx, ownerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("lock account: %w", err)
	}
	if acc.Balance.LessThan(amount) {
		return nil, ErrInsufficientCredits
	}
	newBalance, err := l.accounts.Debit(ctx, tx, acc.ID, amount)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInsufficientCredits
		}
		return nil, fmt.Errorf("debit account: %w", err)
	}
	entry := &models.CreditTransaction{
		ID:           uuid.New(),
		AccountID:    acc.ID,
		GenerationID: &generationID,
		Kind:         models.CreditKindReserve,
		Amount:       amount.Neg(),
		BalanceAfter: newBalance,
	}
	if err := l.txns.CreateTx(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("append reserve: %w", err)
	}
	return entry, nil
}

// Finalize consumes the reservation of a succeeded generation: credits_final is pinned to
// credits_reserved and a zero-amount finalize entry is appended. Reports false when the
// generation was already settled.
func (l *Ledger) Finalize(ctx context.Context, tx pgx.Tx, g *models.Generation) (bool, error) {
	settled, err := l.settlements.SettleTx(ctx, tx, g.ID, g.CreditsReserved)
	if err != nil {
		return false, fmt.Errorf("settle generation: %w", err)
	}
	if !settled {
		return false, nil
	}
	acc, err := l.accounts.GetByOwnerForUpdate(ctx, tx, g.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, ErrAccountNotFound
		}
		return false, fmt.Errorf("lock account: %w", err)
	}
	generationID := g.ID
	if err := l.txns.CreateTx(ctx, tx, &models.CreditTransaction{
		ID:           uuid.New(),
		AccountID:    acc.ID,
		GenerationID: &generationID,
		Kind:         models.CreditKindFinalize,
		Amount:       decimal.Zero,
		BalanceAfter: acc.Balance,
	}); err != nil {
		return false, fmt.Errorf("append finalize: %w", err)
	}
	return true, nil
}

// Refund returns the full reservation of a failed or cancelled generation and pins
// credits_final to zero. Reports false when the generation was already settled.
func (l *Ledger) Refund(ctx context.Context, tx pgx.Tx, g *models.Generation) (bool, error) {
	settled, err := l.settlements.SettleTx(ctx, tx, g.ID, decimal.Zero)
	if err != nil {
		return false, fmt.Errorf("settle generation: %w", err)
	}
	if !settled {
		return false, nil
	}
	acc, err := l.accounts.GetByOwnerForUpdate(ctx, tx, g.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, ErrAccountNotFound
		}
		return false, fmt.Errorf("lock account: %w", err)
	}
	newBalance := acc.Balance
	if g.CreditsReserved.IsPositive() {
		newBalance, err = l.accounts.Restore(ctx, tx, acc.ID, g.CreditsReserved)
		if err != nil {
			return false, fmt.Errorf("restore account: %w", err)
		}
	}
	generationID := g.ID
	if err := l.txns.CreateTx(ctx, tx, &models.CreditTransaction{
		ID:           uuid.New(),
		AccountID:    acc.ID,
		GenerationID: &generationID,
		Kind:         models.CreditKindRefund,
		Amount:       g.CreditsReserved,
		BalanceAfter: newBalance,
	}); err != nil {
		return false, fmt.Errorf("append refund: %w", err)
	}
	l.logger.Info("credits refunded", "generation_id", g.ID, "amount", g.CreditsReserved.String(), "balance", newBalance.String())
	return true, nil
}

// TopUp adds purchased credits in its own transaction, opening the account if needed.
func (l *Ledger) TopUp(ctx context.Context, ownerID uuid.UUID, amount decimal.Decimal) (*models.CreditTransaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	tx, err := l.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	acc, err := l.accounts.EnsureForUpdate(ctx, tx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("open account: %w", err)
	}
	newBalance, err := l.accounts.Earn(ctx, tx, acc.ID, amount)
	if err != nil {
		return nil, fmt.Errorf("credit account: %w", err)
	}
	entry := &models.CreditTransaction{
		ID:           uuid.New(),
		AccountID:    acc.ID,
		Kind:         models.CreditKindTopUp,
		Amount:       amount,
		BalanceAfter: newBalance,
	}
	if err := l.txns.CreateTx(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("append topup: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	l.logger.Info("credits topped up", "owner_id", ownerID, "amount", amount.String(), "balance", newBalance.String())
	return entry, nil
}

// Balance returns the owner's account. An owner without an account gets a zero-valued one.
func (l *Ledger) Balance(ctx context.Context, ownerID uuid.UUID) (*models.CreditAccount, error) {
	acc, err := l.accounts.GetByOwner(ctx, ownerID)
	if errors.Is(err, repository.ErrNotFound) {
		return &models.CreditAccount{OwnerID: ownerID}, nil
	}
	return acc, err
}

// History returns the owner's most recent ledger entries, newest first.
func (l *Ledger) History(ctx context.Context, ownerID uuid.UUID, limit int) ([]*models.CreditTransaction, error) {
	acc, err := l.accounts.GetByOwner(ctx, ownerID)
	if errors.Is(err, repository.ErrNotFound) {
		return []*models.CreditTransaction{}, nil
	}
	if err != nil {
		return nil, err
	}
	return l.txns.ListByAccountID(ctx, acc.ID, limit)
}
