package account

import (
	"testing"
	"time"

	"github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func TestNewWallet_Valid(t *testing.T) {
	acct, err := NewWallet("user1", now)
	require.NoError(t, err)
	assert.Equal(t, "user1", acct.UserID)
	assert.Equal(t, int64(0), acct.Balance)
	assert.Equal(t, PointsCurrency, acct.Currency)
	assert.Equal(t, 0, acct.Version)
	assert.Equal(t, StatusActive, acct.Status)
}

func TestNewWallet_EmptyUserID(t *testing.T) {
	_, err := NewWallet("", now)
	assert.ErrorIs(t, err, errors.ErrValidationFailed)
}

// --- Credit ---

func TestCredit_Success(t *testing.T) {
	acct, _ := NewWallet("user1", now)

	require.NoError(t, acct.Credit(500, now))
	assert.Equal(t, int64(500), acct.Balance)
	assert.Equal(t, 1, acct.Version)
}

func TestCredit_InvalidAmount(t *testing.T) {
	acct, _ := NewWallet("user1", now)
	assert.Error(t, acct.Credit(0, now))
	assert.Error(t, acct.Credit(-5, now))
	assert.Equal(t, 0, acct.Version)
}

// --- Debit ---

func TestDebit_Success(t *testing.T) {
	acct, _ := NewWallet("user1", now)
	require.NoError(t, acct.Credit(500, now))

	require.NoError(t, acct.Debit(200, now))
	assert.Equal(t, int64(300), acct.Balance)
	assert.Equal(t, 2, acct.Version)
}

func TestDebit_InsufficientFunds(t *testing.T) {
	acct, _ := NewWallet("user1", now)
	require.NoError(t, acct.Credit(100, now))

	err := acct.Debit(200, now)
	assert.ErrorIs(t, err, errors.ErrInsufficientFunds)
	assert.Equal(t, int64(100), acct.Balance)
}

func TestSuspendedWallet_RejectsMovements(t *testing.T) {
	acct, _ := NewWallet("user1", now)
	acct.Suspend(now)

	assert.ErrorIs(t, acct.Credit(100, now), errors.ErrAccountInactive)
	assert.ErrorIs(t, acct.Debit(100, now), errors.ErrAccountInactive)
}
