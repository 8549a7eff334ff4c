package account

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for wallet persistence
type Repository interface {
	// Create creates a new account
	Create(ctx context.Context, account *Account) error

	// GetByUserID retrieves an account by user ID and currency
	GetByUserID(ctx context.Context, userID string, currency string) (*Account, error)

	// Update updates an existing account with optimistic locking
	Update(ctx context.Context, account *Account) error

	// AddTransaction records an account transaction. A second entry with
	// the same Reference fails with ErrDuplicateIdempotencyKey.
	AddTransaction(ctx context.Context, tx *Transaction) error

	// HasTransaction reports whether an entry with reference exists
	HasTransaction(ctx context.Context, reference string) (bool, error)

	// Lock locks an account for update (SELECT FOR UPDATE)
	Lock(ctx context.Context, id uuid.UUID) (*Account, error)
}

// Transaction is one ledger movement on a wallet.
type Transaction struct {
	ID              uuid.UUID
	AccountID       uuid.UUID
	PaymentID       *uuid.UUID
	Reference       string
	TransactionType TransactionType
	Amount          int64
	BalanceAfter    int64
	Description     string
	CreatedAt       time.Time
}

// TransactionType represents the type of transaction
type TransactionType string

const (
	TransactionDebit  TransactionType = "debit"
	TransactionCredit TransactionType = "credit"
)
