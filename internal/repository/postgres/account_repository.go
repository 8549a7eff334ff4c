package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/cassiomorais/checkout/internal/domain/account"
	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// AccountRepository implements account.Repository using PostgreSQL.
type AccountRepository struct {
	pool *pgxpool.Pool
}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(pool *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{pool: pool}
}

func (r *AccountRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// scanAccount scans an account from any source implementing the scanner interface.
func (r *AccountRepository) scanAccount(s scanner) (*account.Account, error) {
	a := &account.Account{}
	var (
		status  string
		balance decimal.Decimal
	)
	err := s.Scan(&a.ID, &a.UserID, &balance, &a.Currency, &a.Version, &status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrAccountNotFound
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}

	if a.Balance, err = minorFromNumeric(balance, a.Currency); err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	a.Status = account.AccountStatus(status)
	return a, nil
}

// Create inserts a new account.
func (r *AccountRepository) Create(ctx context.Context, a *account.Account) error {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO accounts (id, user_id, balance, currency, version, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.UserID, minorToNumeric(a.Balance, a.Currency), a.Currency, a.Version, string(a.Status), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("wallet for %s: %w", a.UserID, domainErrors.ErrOptimisticLockFailed)
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// GetByUserID retrieves an account by user ID and currency.
func (r *AccountRepository) GetByUserID(ctx context.Context, userID string, currency string) (*account.Account, error) {
	return r.scanAccount(r.db(ctx).QueryRow(ctx,
		`SELECT id, user_id, balance, currency, version, status, created_at, updated_at
		 FROM accounts WHERE user_id = $1 AND currency = $2`, userID, currency))
}

// Update updates an account with optimistic locking.
func (r *AccountRepository) Update(ctx context.Context, a *account.Account) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE accounts SET balance = $1, version = $2, status = $3, updated_at = $4
		 WHERE id = $5 AND version = $6`,
		minorToNumeric(a.Balance, a.Currency), a.Version, string(a.Status), a.UpdatedAt, a.ID, a.Version-1,
	)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainErrors.ErrOptimisticLockFailed
	}
	return nil
}

// AddTransaction inserts a ledger entry. References are unique, which is
// what makes point grants and revocations apply once.
func (r *AccountRepository) AddTransaction(ctx context.Context, tx *account.Transaction) error {
	var reference *string
	if tx.Reference != "" {
		reference = &tx.Reference
	}
	currency := account.PointsCurrency
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO account_transactions
		 (id, account_id, payment_id, reference, transaction_type, amount, balance_after, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		tx.ID, tx.AccountID, tx.PaymentID, reference, string(tx.TransactionType),
		minorToNumeric(tx.Amount, currency), minorToNumeric(tx.BalanceAfter, currency), tx.Description, tx.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domainErrors.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("insert account transaction: %w", err)
	}
	return nil
}

// HasTransaction reports whether a ledger entry with reference exists.
func (r *AccountRepository) HasTransaction(ctx context.Context, reference string) (bool, error) {
	var exists bool
	err := r.db(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM account_transactions WHERE reference = $1)`, reference,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check account transaction: %w", err)
	}
	return exists, nil
}

// GetTransactions retrieves transactions for an account, newest first.
func (r *AccountRepository) GetTransactions(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*account.Transaction, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db(ctx).Query(ctx,
		`SELECT id, account_id, payment_id, COALESCE(reference, ''), transaction_type, amount, balance_after, description, created_at
		 FROM account_transactions WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		accountID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txns []*account.Transaction
	for rows.Next() {
		tx := &account.Transaction{}
		var (
			txType       string
			amount       decimal.Decimal
			balanceAfter decimal.Decimal
		)
		if err := rows.Scan(&tx.ID, &tx.AccountID, &tx.PaymentID, &tx.Reference, &txType, &amount, &balanceAfter, &tx.Description, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		tx.TransactionType = account.TransactionType(txType)
		if tx.Amount, err = minorFromNumeric(amount, account.PointsCurrency); err != nil {
			return nil, fmt.Errorf("parse transaction amount: %w", err)
		}
		if tx.BalanceAfter, err = minorFromNumeric(balanceAfter, account.PointsCurrency); err != nil {
			return nil, fmt.Errorf("parse balance_after: %w", err)
		}
		txns = append(txns, tx)
	}
	return txns, rows.Err()
}

// Lock acquires a row-level lock on the account (SELECT FOR UPDATE).
func (r *AccountRepository) Lock(ctx context.Context, id uuid.UUID) (*account.Account, error) {
	return r.scanAccount(r.db(ctx).QueryRow(ctx,
		`SELECT id, user_id, balance, currency, version, status, created_at, updated_at
		 FROM accounts WHERE id = $1 FOR UPDATE`, id))
}
