package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/cassiomorais/checkout/internal/domain/outbox"
	"github.com/cassiomorais/checkout/internal/domain/payment"
	"github.com/cassiomorais/checkout/internal/service"
	"github.com/cassiomorais/checkout/internal/testutil"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	key     string
	value   any
	headers map[string]string
}

type fakePublisher struct {
	mu      sync.Mutex
	sent    []published
	failFor map[string]bool
}

func (p *fakePublisher) Publish(ctx context.Context, key string, value any, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev, ok := value.(OutboxEvent); ok && p.failFor[ev.EventType] {
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, published{key: key, value: value, headers: headers})
	return nil
}

func TestRelay_PublishesPendingInOrder(t *testing.T) {
	repo := &testutil.MockOutboxRepository{}
	orderID := uuid.New()
	created := outbox.NewEntry("order", orderID, outbox.EventOrderCreated, map[string]any{"total": 1000}, testutil.Now)
	paid := outbox.NewEntry("order", orderID, outbox.EventOrderPaid, nil, testutil.Now.Add(time.Second))
	require.NoError(t, repo.Insert(context.Background(), created))
	require.NoError(t, repo.Insert(context.Background(), paid))

	pub := &fakePublisher{}
	relay := NewRelay(testutil.NewMockTransactionManager(), repo, pub, 10, nil, zerolog.Nop())

	n, err := relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Len(t, pub.sent, 2)
	assert.Equal(t, "order-"+orderID.String(), pub.sent[0].key)
	first := pub.sent[0].value.(OutboxEvent)
	assert.Equal(t, outbox.EventOrderCreated, first.EventType)
	assert.Equal(t, created.ID.String(), first.ID)
	assert.Equal(t, map[string]string{"event_type": outbox.EventOrderCreated}, pub.sent[0].headers)
	assert.Equal(t, outbox.EventOrderPaid, pub.sent[1].value.(OutboxEvent).EventType)

	assert.Equal(t, outbox.StatusPublished, created.Status)
	assert.Equal(t, outbox.StatusPublished, paid.Status)

	n, err = relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelay_FailedPublishCountsRetry(t *testing.T) {
	repo := &testutil.MockOutboxRepository{}
	e := outbox.NewEntry("payment", uuid.New(), outbox.EventPaymentFailed, nil, testutil.Now)
	e.MaxRetries = 2
	require.NoError(t, repo.Insert(context.Background(), e))

	pub := &fakePublisher{failFor: map[string]bool{outbox.EventPaymentFailed: true}}
	relay := NewRelay(testutil.NewMockTransactionManager(), repo, pub, 10, nil, zerolog.Nop())

	n, err := relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, e.RetryCount)
	assert.Equal(t, outbox.StatusPending, e.Status)

	_, err = relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusFailed, e.Status)
}

func TestRelay_RepositoryErrorAbortsBatch(t *testing.T) {
	repo := &testutil.MockOutboxRepository{
		GetPendingFunc: func(ctx context.Context, limit int) ([]*outbox.Entry, error) {
			return nil, errors.New("connection reset")
		},
	}
	relay := NewRelay(testutil.NewMockTransactionManager(), repo, &fakePublisher{}, 0, nil, zerolog.Nop())

	_, err := relay.RelayOnce(context.Background())
	assert.Error(t, err)
}

type fakeStream struct {
	mu      sync.Mutex
	acked   []string
	claimed []redis.XMessage
}

func (s *fakeStream) Read(ctx context.Context) ([]redis.XMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return nil, nil
	}
}

func (s *fakeStream) Ack(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, id)
	return nil
}

func (s *fakeStream) ClaimIdle(ctx context.Context, minIdle time.Duration) ([]redis.XMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.claimed
	s.claimed = nil
	return out, nil
}

type fakeDLQ struct {
	reasons map[string]string
}

func (d *fakeDLQ) PublishToDLQ(ctx context.Context, msg redis.XMessage, reason string) error {
	if d.reasons == nil {
		d.reasons = map[string]string{}
	}
	d.reasons[msg.ID] = reason
	return nil
}

type reconcileFunc func(ctx context.Context, id uuid.UUID) (*service.ReconcileResult, error)

func (f reconcileFunc) Reconcile(ctx context.Context, id uuid.UUID) (*service.ReconcileResult, error) {
	return f(ctx, id)
}

func reconcileMsg(id string) redis.XMessage {
	return redis.XMessage{ID: "1-0", Values: map[string]any{"payment_id": id, "reason": "cancel_timeout"}}
}

func TestReconciler_Handle(t *testing.T) {
	paymentID := uuid.New()
	ok := &service.ReconcileResult{
		Payment: &payment.Payment{ID: paymentID, Status: payment.StatusCanceled},
		Action:  service.ReconcileCancelFinalized,
	}

	tests := []struct {
		name    string
		msg     redis.XMessage
		result  *service.ReconcileResult
		err     error
		wantAck bool
		wantDLQ bool
	}{
		{name: "reconciled", msg: reconcileMsg(paymentID.String()), result: ok, wantAck: true},
		{name: "bad payment id", msg: reconcileMsg("not-a-uuid"), wantAck: true, wantDLQ: true},
		{name: "unknown payment", msg: reconcileMsg(paymentID.String()), err: domainErrors.ErrPaymentNotFound, wantAck: true, wantDLQ: true},
		{name: "provider down stays pending", msg: reconcileMsg(paymentID.String()), err: fmt.Errorf("query: %w", domainErrors.ErrProviderTimeout)},
		{name: "lock contention stays pending", msg: reconcileMsg(paymentID.String()), err: domainErrors.ErrLockAcquisitionFailed},
		{name: "inconsistency is acked", msg: reconcileMsg(paymentID.String()),
			err: domainErrors.NewConsistencyError(paymentID.String(), "provider canceled 500, expected 1000"), wantAck: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream := &fakeStream{}
			dlq := &fakeDLQ{}
			var got uuid.UUID
			svc := reconcileFunc(func(ctx context.Context, id uuid.UUID) (*service.ReconcileResult, error) {
				got = id
				return tt.result, tt.err
			})
			r := NewReconciler(stream, dlq, svc, nil, zerolog.Nop())

			acked := r.Handle(context.Background(), tt.msg)

			assert.Equal(t, tt.wantAck, acked)
			if tt.wantAck {
				assert.Equal(t, []string{"1-0"}, stream.acked)
			} else {
				assert.Empty(t, stream.acked)
			}
			_, dead := dlq.reasons["1-0"]
			assert.Equal(t, tt.wantDLQ, dead)
			if tt.name != "bad payment id" {
				assert.Equal(t, paymentID, got)
			}
		})
	}
}

func TestReconciler_RunProcessesClaimedMessages(t *testing.T) {
	paymentID := uuid.New()
	stream := &fakeStream{claimed: []redis.XMessage{reconcileMsg(paymentID.String())}}
	done := make(chan struct{})
	svc := reconcileFunc(func(ctx context.Context, id uuid.UUID) (*service.ReconcileResult, error) {
		defer close(done)
		return &service.ReconcileResult{Payment: &payment.Payment{ID: id, Status: payment.StatusCompleted}, Action: service.ReconcileCompleted}, nil
	})
	r := NewReconciler(stream, &fakeDLQ{}, svc, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx, 0, time.Minute) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("claimed message was not processed")
	}
	cancel()
	require.NoError(t, <-errCh)

	stream.mu.Lock()
	defer stream.mu.Unlock()
	assert.Contains(t, stream.acked, "1-0")
}

type fakeSweeper struct {
	olderThan time.Duration
	limit     int
	err       error
}

func (s *fakeSweeper) SweepStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	s.olderThan, s.limit = olderThan, limit
	return 3, s.err
}

type fakeCleaner struct{ calls int }

func (c *fakeCleaner) Cleanup(ctx context.Context) (int64, error) {
	c.calls++
	return 2, nil
}

type fakePurger struct{ cutoff time.Time }

func (p *fakePurger) PurgePublished(ctx context.Context, cutoff time.Time) (int64, error) {
	p.cutoff = cutoff
	return 5, nil
}

func TestHousekeeper_RunOnce(t *testing.T) {
	sweeper := &fakeSweeper{}
	cleaner := &fakeCleaner{}
	purger := &fakePurger{}
	h := NewHousekeeper(sweeper, cleaner, purger, HousekeepingConfig{
		Interval:        time.Minute,
		StaleAfter:      10 * time.Minute,
		OutboxRetention: 24 * time.Hour,
	}, nil, zerolog.Nop())
	h.now = func() time.Time { return testutil.Now }

	require.NoError(t, h.RunOnce(context.Background()))

	assert.Equal(t, 10*time.Minute, sweeper.olderThan)
	assert.Equal(t, 100, sweeper.limit)
	assert.Equal(t, 1, cleaner.calls)
	assert.Equal(t, testutil.Now.Add(-24*time.Hour), purger.cutoff)
}

func TestHousekeeper_SweepErrorDoesNotSkipCleanup(t *testing.T) {
	sweeper := &fakeSweeper{err: errors.New("db down")}
	cleaner := &fakeCleaner{}
	h := NewHousekeeper(sweeper, cleaner, nil, HousekeepingConfig{Interval: time.Minute}, nil, zerolog.Nop())

	err := h.RunOnce(context.Background())

	assert.EqualError(t, err, "db down")
	assert.Equal(t, 1, cleaner.calls)
}
