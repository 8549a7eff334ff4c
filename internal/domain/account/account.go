package account

import (
	"time"

	"github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/google/uuid"
)

// PointsCurrency is the unit of point wallets.
const PointsCurrency = "PTS"

type AccountStatus string

const (
	StatusActive    AccountStatus = "active"
	StatusSuspended AccountStatus = "suspended"
)

// Account is a buyer's point wallet.
type Account struct {
	ID        uuid.UUID
	UserID    string
	Balance   int64
	Currency  string
	Version   int // Optimistic locking
	Status    AccountStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewWallet opens an empty point wallet for userID.
func NewWallet(userID string, now time.Time) (*Account, error) {
	if userID == "" {
		return nil, errors.NewValidationError("user_id", "cannot be empty")
	}
	return &Account{
		ID:        uuid.New(),
		UserID:    userID,
		Currency:  PointsCurrency,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (a *Account) Debit(amount int64, now time.Time) error {
	if a.Status != StatusActive {
		return errors.ErrAccountInactive
	}
	if amount <= 0 {
		return errors.NewValidationError("amount", "must be greater than 0")
	}
	if a.Balance < amount {
		return errors.ErrInsufficientFunds
	}

	a.Balance -= amount
	a.Version++
	a.UpdatedAt = now
	return nil
}

func (a *Account) Credit(amount int64, now time.Time) error {
	if a.Status != StatusActive {
		return errors.ErrAccountInactive
	}
	if amount <= 0 {
		return errors.NewValidationError("amount", "must be greater than 0")
	}

	a.Balance += amount
	a.Version++
	a.UpdatedAt = now
	return nil
}

func (a *Account) Suspend(now time.Time) {
	a.Status = StatusSuspended
	a.UpdatedAt = now
}
