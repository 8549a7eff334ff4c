package fulfillment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cassiomorais/checkout/internal/domain/account"
	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/cassiomorais/checkout/internal/domain/product"
	"github.com/cassiomorais/checkout/internal/testutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGrant(productID string, qty int) Grant {
	lineID := uuid.New()
	return Grant{
		OrderID:   uuid.New(),
		LineID:    lineID,
		PaymentID: uuid.New(),
		BuyerID:   "buyer-1",
		ProductID: productID,
		Quantity:  qty,
		Reference: FulfillReference(lineID),
	}
}

func setupPointHandler() (*PointHandler, *testutil.MockAccountRepository) {
	accounts := testutil.NewMockAccountRepository()
	products := testutil.NewMockProductRepository(testutil.NewPointProduct("P100", 1000, 100))
	h := NewPointHandler(accounts, products, testutil.NewMockTransactionManager(), zerolog.Nop())
	h.now = func() time.Time { return testutil.Now }
	return h, accounts
}

// --- Registry ---

func TestRegistry_Handler(t *testing.T) {
	r := NewRegistry()
	item := NewItemHandler(&testutil.RecordingPublisher{}, zerolog.Nop())
	r.Register(product.TypeItem, item)

	h, err := r.Handler(product.TypeItem)
	require.NoError(t, err)
	assert.Same(t, item, h)

	_, err = r.Handler(product.TypePoint)
	assert.ErrorIs(t, err, domainErrors.ErrUnsupportedProductType)
	assert.Equal(t, domainErrors.KindUnsupportedProductType, domainErrors.KindOf(err))
}

func TestReferences(t *testing.T) {
	id := uuid.MustParse("7b0a5b1e-37f5-4bb5-8f4a-8f1c8b6cf0a1")
	assert.Equal(t, "fulfill:7b0a5b1e-37f5-4bb5-8f4a-8f1c8b6cf0a1", FulfillReference(id))
	assert.Equal(t, "refund:7b0a5b1e-37f5-4bb5-8f4a-8f1c8b6cf0a1:2", RefundReference(id, 2))
}

// --- PointHandler ---

func TestPointHandler_FulfillCreditsNewWallet(t *testing.T) {
	h, accounts := setupPointHandler()

	require.NoError(t, h.Fulfill(context.Background(), newGrant("P100", 3)))
	assert.Equal(t, int64(300), accounts.Balance("buyer-1"))
}

func TestPointHandler_FulfillIsIdempotent(t *testing.T) {
	h, accounts := setupPointHandler()
	g := newGrant("P100", 2)

	require.NoError(t, h.Fulfill(context.Background(), g))
	require.NoError(t, h.Fulfill(context.Background(), g))
	assert.Equal(t, int64(200), accounts.Balance("buyer-1"))
}

func TestPointHandler_RefundDebits(t *testing.T) {
	h, accounts := setupPointHandler()
	g := newGrant("P100", 2)
	require.NoError(t, h.Fulfill(context.Background(), g))

	refund := g
	refund.Quantity = 1
	refund.Reference = RefundReference(g.LineID, 1)
	require.NoError(t, h.Refund(context.Background(), refund))
	require.NoError(t, h.Refund(context.Background(), refund))

	assert.Equal(t, int64(100), accounts.Balance("buyer-1"))

	wallet, err := accounts.GetByUserID(context.Background(), "buyer-1", account.PointsCurrency)
	require.NoError(t, err)
	entries := accounts.Transactions(wallet.ID)
	require.Len(t, entries, 2)
	assert.Equal(t, account.TransactionCredit, entries[0].TransactionType)
	assert.Equal(t, account.TransactionDebit, entries[1].TransactionType)
	assert.Equal(t, int64(100), entries[1].BalanceAfter)
}

func TestPointHandler_RefundOfSpentPointsFails(t *testing.T) {
	h, accounts := setupPointHandler()
	g := newGrant("P100", 1)
	require.NoError(t, h.Fulfill(context.Background(), g))

	refund := g
	refund.Quantity = 2
	refund.Reference = RefundReference(g.LineID, 2)
	err := h.Refund(context.Background(), refund)
	assert.ErrorIs(t, err, domainErrors.ErrInsufficientFunds)
	assert.Equal(t, int64(100), accounts.Balance("buyer-1"))
}

func TestPointHandler_Validation(t *testing.T) {
	h, _ := setupPointHandler()

	g := newGrant("P100", 1)
	g.Reference = ""
	assert.ErrorIs(t, h.Fulfill(context.Background(), g), domainErrors.ErrValidationFailed)

	assert.ErrorIs(t, h.Fulfill(context.Background(), newGrant("P100", 0)), domainErrors.ErrValidationFailed)
	assert.ErrorIs(t, h.Fulfill(context.Background(), newGrant("missing", 1)), domainErrors.ErrProductNotFound)
}

func TestPointHandler_LedgerFailureSurfaces(t *testing.T) {
	h, accounts := setupPointHandler()
	boom := errors.New("disk full")
	accounts.AddTransactionFunc = func(ctx context.Context, tx *account.Transaction) error { return boom }

	err := h.Fulfill(context.Background(), newGrant("P100", 1))
	assert.ErrorIs(t, err, boom)
}

// --- ItemHandler ---

func TestItemHandler_PublishesGrantAndRevoke(t *testing.T) {
	pub := &testutil.RecordingPublisher{}
	h := NewItemHandler(pub, zerolog.Nop())
	h.now = func() time.Time { return testutil.Now }
	g := newGrant("I1", 2)

	require.NoError(t, h.Fulfill(context.Background(), g))
	revoke := g
	revoke.Reference = RefundReference(g.LineID, 2)
	require.NoError(t, h.Refund(context.Background(), revoke))

	events := pub.Events()
	require.Len(t, events, 2)
	assert.Equal(t, g.OrderID.String()+"/"+g.LineID.String()+"/GRANT", events[0].Key)

	grant := events[0].Event.(ItemEvent)
	assert.Equal(t, ActionGrant, grant.Action)
	assert.Equal(t, g.Reference, grant.Reference)
	assert.Equal(t, 2, grant.Quantity)
	assert.Equal(t, testutil.Now, grant.OccurredAt)

	assert.Equal(t, ActionRevoke, events[1].Event.(ItemEvent).Action)
}

func TestItemHandler_PublishError(t *testing.T) {
	pub := &testutil.RecordingPublisher{
		PublishFunc: func(ctx context.Context, key string, event any) error { return errors.New("broker down") },
	}
	h := NewItemHandler(pub, zerolog.Nop())

	err := h.Fulfill(context.Background(), newGrant("I1", 1))
	assert.ErrorContains(t, err, "publish item GRANT")
	assert.Empty(t, pub.Events())
}
