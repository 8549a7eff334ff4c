//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/cassiomorais/checkout/internal/domain/account"
	"github.com/cassiomorais/checkout/internal/domain/money"
	"github.com/cassiomorais/checkout/internal/domain/order"
	"github.com/cassiomorais/checkout/internal/domain/outbox"
	"github.com/cassiomorais/checkout/internal/domain/payment"
	"github.com/cassiomorais/checkout/internal/domain/product"
	"github.com/cassiomorais/checkout/internal/infrastructure/postgres/migrations"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// Run with: go test -tags integration ./internal/repository/postgres/...

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(runWithDatabase(m))
}

func runWithDatabase(m *testing.M) int {
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("checkout"),
		tcpostgres.WithUsername("checkout"),
		tcpostgres.WithPassword("checkout"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start postgres: %v\n", err)
		return 1
	}
	defer func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			fmt.Fprintf(os.Stderr, "terminate postgres: %v\n", err)
		}
	}()

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Fprintf(os.Stderr, "connection string: %v\n", err)
		return 1
	}
	if err := migrations.Up(dsn); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return 1
	}

	testPool, err = pgxpool.New(ctx, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		return 1
	}
	defer testPool.Close()

	return m.Run()
}

func seedProducts(t *testing.T) (*product.Product, *product.Product) {
	t.Helper()
	repo := NewProductRepository(testPool)
	points := &product.Product{ID: "P1000", Name: "1,000 Points", Type: product.TypePoint, Price: money.Amount{Value: 1000, Currency: "KRW"}, Grant: 1000, Active: true}
	sword := &product.Product{ID: "SWORD", Name: "Iron Sword", Type: product.TypeItem, Price: money.Amount{Value: 5000, Currency: "KRW"}, Grant: 1, Active: true}
	require.NoError(t, repo.Upsert(context.Background(), points))
	require.NoError(t, repo.Upsert(context.Background(), sword))
	return points, sword
}

func newStoredOrder(t *testing.T, buyerID string, now time.Time) *order.Order {
	t.Helper()
	points, sword := seedProducts(t)
	l1, err := order.NewLineItem(points.ID, points.Type, 2, points.Price)
	require.NoError(t, err)
	l2, err := order.NewLineItem(sword.ID, sword.Type, 3, sword.Price)
	require.NoError(t, err)
	o, err := order.NewOrder(buyerID, payment.MethodCard, "KRW", []*order.LineItem{l1, l2}, now)
	require.NoError(t, err)
	require.NoError(t, NewOrderRepository(testPool).Create(context.Background(), o))
	return o
}

func TestProductRepository_UpsertAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewProductRepository(testPool)
	seedProducts(t)

	p, err := repo.GetByID(ctx, "SWORD")
	require.NoError(t, err)
	assert.Equal(t, product.TypeItem, p.Type)
	assert.Equal(t, int64(5000), p.Price.Value)

	_, err = repo.GetByID(ctx, "GHOST")
	assert.ErrorIs(t, err, domainErrors.ErrProductNotFound)
}

func TestOrderRepository_RoundTripAndOptimisticLock(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(testPool)
	now := time.Now().UTC().Truncate(time.Microsecond)
	o := newStoredOrder(t, "buyer-"+uuid.NewString()[:8], now)

	got, err := repo.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(17000), got.Total.Value)
	require.Len(t, got.Lines, 2)
	assert.Equal(t, o.Lines[0].ID, got.Lines[0].ID)

	require.NoError(t, got.MarkPaid(now.Add(time.Second)))
	got.Lines[1].CanceledQuantity = 1
	require.NoError(t, repo.Update(ctx, got, order.StatusPending))

	// A writer holding the old version loses.
	stale := o
	stale.Status = order.StatusCanceled
	err = repo.Update(ctx, stale, order.StatusPending)
	assert.ErrorIs(t, err, domainErrors.ErrOptimisticLockFailed)

	reloaded, err := repo.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, reloaded.Status)
	assert.Equal(t, 1, reloaded.Lines[1].CanceledQuantity)

	_, err = repo.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, domainErrors.ErrOrderNotFound)
}

func TestOrderRepository_Scroll(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(testPool)
	buyer := "scroll-" + uuid.NewString()[:8]
	base := time.Now().UTC().Truncate(time.Microsecond)
	for i := 0; i < 3; i++ {
		newStoredOrder(t, buyer, base.Add(time.Duration(i)*time.Second))
	}
	filter := order.ListFilter{BuyerID: &buyer}

	first, next, err := repo.Scroll(ctx, filter, nil, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.NotNil(t, next)
	assert.True(t, first[0].CreatedAt.After(first[1].CreatedAt))

	second, next, err := repo.Scroll(ctx, filter, next, 2)
	require.NoError(t, err)
	assert.Len(t, second, 1)
	assert.Nil(t, next)

	total, err := repo.Count(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestPaymentRepository_SingleCapturePerOrder(t *testing.T) {
	ctx := context.Background()
	repo := NewPaymentRepository(testPool)
	now := time.Now().UTC().Truncate(time.Microsecond)
	o := newStoredOrder(t, "capture-"+uuid.NewString()[:8], now)

	capture := func() (*payment.Payment, error) {
		p, err := payment.NewPayment(o.ID, "mock", payment.MethodCard, o.Total, now, now.Add(30*time.Minute))
		require.NoError(t, err)
		require.NoError(t, repo.Create(ctx, p))
		txID := "tx-" + p.ID.String()[:8]
		p.ProviderTransactionID = &txID
		p.PaidAt = &now
		p.Status = payment.StatusCompleted
		return p, repo.Update(ctx, p, payment.StatusInitiated)
	}

	first, err := capture()
	require.NoError(t, err)
	_, err = capture()
	assert.ErrorIs(t, err, domainErrors.ErrPaymentInProgress)

	got, err := repo.GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCompleted, got.Status)
	assert.Equal(t, int64(17000), got.Amount.Value)

	// Pending cancels survive a round trip through JSONB.
	got.PendingCancel = &payment.PendingCancel{Amount: 5000, Lines: []payment.LineCancel{{LineID: o.Lines[1].ID, Quantity: 1}}, PriorStatus: payment.StatusCompleted, RequestedAt: now}
	got.Status = payment.StatusCancelPending
	require.NoError(t, repo.Update(ctx, got, payment.StatusCompleted))

	reloaded, err := repo.GetByID(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.PendingCancel)
	assert.Equal(t, int64(5000), reloaded.PendingCancel.Amount)
	assert.Equal(t, o.Lines[1].ID, reloaded.PendingCancel.Lines[0].LineID)

	all, err := repo.ListByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestTxManager_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	tm := NewTxManager(testPool)
	orders := NewOrderRepository(testPool)
	outboxRepo := NewOutboxRepository(testPool)
	seedProducts(t)

	line, err := order.NewLineItem("SWORD", product.TypeItem, 1, money.Amount{Value: 5000, Currency: "KRW"})
	require.NoError(t, err)
	o, err := order.NewOrder("rollback", payment.MethodCard, "KRW", []*order.LineItem{line}, time.Now().UTC())
	require.NoError(t, err)

	boom := errors.New("boom")
	err = tm.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := orders.Create(txCtx, o); err != nil {
			return err
		}
		if err := outboxRepo.Insert(txCtx, outbox.NewEntry("order", o.ID, outbox.EventOrderCreated, nil, time.Now())); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = orders.GetByID(ctx, o.ID)
	assert.ErrorIs(t, err, domainErrors.ErrOrderNotFound)
}

func TestOutboxRepository_PublishAndPurge(t *testing.T) {
	ctx := context.Background()
	repo := NewOutboxRepository(testPool)
	tm := NewTxManager(testPool)

	e := outbox.NewEntry("order", uuid.New(), outbox.EventOrderPaid, map[string]any{"total": "17000"}, time.Now())
	require.NoError(t, repo.Insert(ctx, e))

	var pending []*outbox.Entry
	require.NoError(t, tm.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		pending, err = repo.GetPending(txCtx, 100)
		return err
	}))
	var found bool
	for _, p := range pending {
		if p.ID == e.ID {
			found = true
			assert.Equal(t, "17000", p.Payload["total"])
		}
	}
	require.True(t, found)

	require.NoError(t, repo.MarkPublished(ctx, e.ID))
	n, err := repo.PurgePublished(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
}

func TestIdempotencyRepository_SetGetCleanup(t *testing.T) {
	ctx := context.Background()
	repo := NewIdempotencyRepository(testPool)
	now := time.Now().UTC()

	live := &IdempotencyEntry{Key: "POST /api/v1/orders " + uuid.NewString(), RequestHash: "abc", ResponseBody: `{"id":"1"}`, ResponseStatus: 201, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	expired := &IdempotencyEntry{Key: "POST /api/v1/orders " + uuid.NewString(), RequestHash: "def", ResponseBody: `{}`, ResponseStatus: 201, CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}
	require.NoError(t, repo.Set(ctx, live))
	require.NoError(t, repo.Set(ctx, expired))

	got, err := repo.Get(ctx, live.Key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 201, got.ResponseStatus)
	assert.Equal(t, "abc", got.RequestHash)

	n, err := repo.Cleanup(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
}

func TestAccountRepository_LedgerReferencesApplyOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewAccountRepository(testPool)
	now := time.Now().UTC().Truncate(time.Microsecond)

	w, err := account.NewWallet("wallet-"+uuid.NewString()[:8], now)
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, w))

	require.NoError(t, w.Credit(2000, now))
	require.NoError(t, repo.Update(ctx, w))

	ref := "grant:" + uuid.NewString()
	entry := &account.Transaction{ID: uuid.New(), AccountID: w.ID, Reference: ref, TransactionType: account.TransactionCredit, Amount: 2000, BalanceAfter: 2000, CreatedAt: now}
	require.NoError(t, repo.AddTransaction(ctx, entry))

	dup := *entry
	dup.ID = uuid.New()
	assert.ErrorIs(t, repo.AddTransaction(ctx, &dup), domainErrors.ErrDuplicateIdempotencyKey)

	ok, err := repo.HasTransaction(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.GetByUserID(ctx, w.UserID, account.PointsCurrency)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), got.Balance)

	// A second writer with the pre-credit version is rejected.
	stale := *got
	stale.Version = 1
	stale.Balance = 0
	assert.ErrorIs(t, repo.Update(ctx, &stale), domainErrors.ErrOptimisticLockFailed)

	txs, err := repo.GetTransactions(ctx, w.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}
