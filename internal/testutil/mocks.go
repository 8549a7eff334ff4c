package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cassiomorais/checkout/internal/domain/account"
	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/cassiomorais/checkout/internal/domain/order"
	"github.com/cassiomorais/checkout/internal/domain/outbox"
	"github.com/cassiomorais/checkout/internal/domain/payment"
	"github.com/cassiomorais/checkout/internal/domain/product"
	"github.com/google/uuid"
)

// The in-memory repositories store and return copies, so callers see the
// same isolation they get from the database.

func cloneOrder(o *order.Order) *order.Order {
	c := *o
	c.Lines = make([]*order.LineItem, len(o.Lines))
	for i, l := range o.Lines {
		lc := *l
		c.Lines[i] = &lc
	}
	return &c
}

func clonePayment(p *payment.Payment) *payment.Payment {
	c := *p
	if p.PendingCancel != nil {
		pc := *p.PendingCancel
		pc.Lines = append([]payment.LineCancel(nil), p.PendingCancel.Lines...)
		c.PendingCancel = &pc
	}
	return &c
}

// --- Order Repository Mock ---

// MockOrderRepository is an in-memory order.Repository.
type MockOrderRepository struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*order.Order

	CreateFunc  func(ctx context.Context, o *order.Order) error
	GetByIDFunc func(ctx context.Context, id uuid.UUID) (*order.Order, error)
	UpdateFunc  func(ctx context.Context, o *order.Order, from order.Status) error
}

func NewMockOrderRepository() *MockOrderRepository {
	return &MockOrderRepository{orders: make(map[uuid.UUID]*order.Order)}
}

func (m *MockOrderRepository) Create(ctx context.Context, o *order.Order) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, o)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = cloneOrder(o)
	return nil
}

func (m *MockOrderRepository) GetByID(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, domainErrors.ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (m *MockOrderRepository) Update(ctx context.Context, o *order.Order, from order.Status) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, o, from)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.orders[o.ID]
	if !ok {
		return domainErrors.ErrOrderNotFound
	}
	if stored.Status != from || stored.Version != o.Version {
		return domainErrors.ErrOptimisticLockFailed
	}
	o.Version++
	m.orders[o.ID] = cloneOrder(o)
	return nil
}

func (m *MockOrderRepository) matching(filter order.ListFilter) []*order.Order {
	var out []*order.Order
	for _, o := range m.orders {
		if filter.BuyerID != nil && o.BuyerID != *filter.BuyerID {
			continue
		}
		if filter.Status != nil && o.Status != *filter.Status {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return newerFirst(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID) })
	return out
}

func (m *MockOrderRepository) List(_ context.Context, filter order.ListFilter) ([]*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.matching(filter)
	return pageOrders(all, filter.Offset, filter.Limit), nil
}

func (m *MockOrderRepository) Count(_ context.Context, filter order.ListFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.matching(filter)), nil
}

func (m *MockOrderRepository) Scroll(_ context.Context, filter order.ListFilter, cursor *order.Cursor, limit int) ([]*order.Order, *order.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*order.Order
	for _, o := range m.matching(filter) {
		if cursor != nil && !newerFirst(cursor.CreatedAt, cursor.ID, o.CreatedAt, o.ID) {
			continue
		}
		if len(out) == limit {
			last := out[len(out)-1]
			return out, &order.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}, nil
		}
		out = append(out, cloneOrder(o))
	}
	return out, nil, nil
}

// Stored returns the persisted order without going through the repository API.
func (m *MockOrderRepository) Stored(id uuid.UUID) *order.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil
	}
	return cloneOrder(o)
}

func pageOrders(all []*order.Order, offset, limit int) []*order.Order {
	if offset >= len(all) {
		return nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]*order.Order, 0, end-offset)
	for _, o := range all[offset:end] {
		out = append(out, cloneOrder(o))
	}
	return out
}

// newerFirst orders (created_at, id) descending.
func newerFirst(at1 time.Time, id1 uuid.UUID, at2 time.Time, id2 uuid.UUID) bool {
	if !at1.Equal(at2) {
		return at1.After(at2)
	}
	return id1.String() > id2.String()
}

// --- Payment Repository Mock ---

// MockPaymentRepository is an in-memory payment.Repository.
type MockPaymentRepository struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*payment.Payment

	CreateFunc  func(ctx context.Context, p *payment.Payment) error
	GetByIDFunc func(ctx context.Context, id uuid.UUID) (*payment.Payment, error)
	UpdateFunc  func(ctx context.Context, p *payment.Payment, from payment.Status) error
}

func NewMockPaymentRepository() *MockPaymentRepository {
	return &MockPaymentRepository{payments: make(map[uuid.UUID]*payment.Payment)}
}

func (m *MockPaymentRepository) Create(ctx context.Context, p *payment.Payment) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, p)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.ID] = clonePayment(p)
	return nil
}

func (m *MockPaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, domainErrors.ErrPaymentNotFound
	}
	return clonePayment(p), nil
}

func (m *MockPaymentRepository) ListByOrder(_ context.Context, orderID uuid.UUID) ([]*payment.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*payment.Payment
	for _, p := range m.payments {
		if p.OrderID == orderID {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return newerFirst(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID) })
	return out, nil
}

func (m *MockPaymentRepository) Update(ctx context.Context, p *payment.Payment, from payment.Status) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, p, from)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.payments[p.ID]
	if !ok {
		return domainErrors.ErrPaymentNotFound
	}
	if stored.Status != from || stored.Version != p.Version {
		return domainErrors.ErrOptimisticLockFailed
	}
	p.Version++
	m.payments[p.ID] = clonePayment(p)
	return nil
}

func (m *MockPaymentRepository) matching(filter payment.ListFilter) []*payment.Payment {
	var out []*payment.Payment
	for _, p := range m.payments {
		if filter.OrderID != nil && p.OrderID != *filter.OrderID {
			continue
		}
		if filter.Status != nil && p.Status != *filter.Status {
			continue
		}
		if filter.ProviderID != nil && p.ProviderID != *filter.ProviderID {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return newerFirst(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID) })
	return out
}

func (m *MockPaymentRepository) List(_ context.Context, filter payment.ListFilter) ([]*payment.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.matching(filter)
	if filter.Offset >= len(all) {
		return nil, nil
	}
	end := len(all)
	if filter.Limit > 0 && filter.Offset+filter.Limit < end {
		end = filter.Offset + filter.Limit
	}
	out := make([]*payment.Payment, 0, end-filter.Offset)
	for _, p := range all[filter.Offset:end] {
		out = append(out, clonePayment(p))
	}
	return out, nil
}

func (m *MockPaymentRepository) Count(_ context.Context, filter payment.ListFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.matching(filter)), nil
}

func (m *MockPaymentRepository) ListStale(_ context.Context, statuses []payment.Status, olderThan time.Time, limit int) ([]*payment.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[payment.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []*payment.Payment
	for _, p := range m.payments {
		if want[p.Status] && p.UpdatedAt.Before(olderThan) {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Stored returns the persisted payment without going through the repository API.
func (m *MockPaymentRepository) Stored(id uuid.UUID) *payment.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil
	}
	return clonePayment(p)
}

// Put overwrites a payment, bypassing optimistic checks.
func (m *MockPaymentRepository) Put(p *payment.Payment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.ID] = clonePayment(p)
}

// --- Product Repository Mock ---

// MockProductRepository is an in-memory catalog.
type MockProductRepository struct {
	mu       sync.Mutex
	products map[string]*product.Product

	GetByIDFunc func(ctx context.Context, id string) (*product.Product, error)
}

func NewMockProductRepository(products ...*product.Product) *MockProductRepository {
	m := &MockProductRepository{products: make(map[string]*product.Product)}
	for _, p := range products {
		m.products[p.ID] = p
	}
	return m
}

func (m *MockProductRepository) Add(p *product.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
}

func (m *MockProductRepository) GetByID(ctx context.Context, id string) (*product.Product, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return nil, domainErrors.ErrProductNotFound
	}
	c := *p
	return &c, nil
}

// --- Account Repository Mock ---

// MockAccountRepository is an in-memory wallet ledger.
type MockAccountRepository struct {
	mu           sync.Mutex
	accounts     map[uuid.UUID]*account.Account
	transactions map[uuid.UUID][]*account.Transaction
	references   map[string]bool

	CreateFunc         func(ctx context.Context, acct *account.Account) error
	GetByUserIDFunc    func(ctx context.Context, userID string, currency string) (*account.Account, error)
	UpdateFunc         func(ctx context.Context, acct *account.Account) error
	AddTransactionFunc func(ctx context.Context, tx *account.Transaction) error
	LockFunc           func(ctx context.Context, id uuid.UUID) (*account.Account, error)
}

func NewMockAccountRepository() *MockAccountRepository {
	return &MockAccountRepository{
		accounts:     make(map[uuid.UUID]*account.Account),
		transactions: make(map[uuid.UUID][]*account.Transaction),
		references:   make(map[string]bool),
	}
}

func (m *MockAccountRepository) Create(ctx context.Context, acct *account.Account) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, acct)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *acct
	m.accounts[acct.ID] = &c
	return nil
}

func (m *MockAccountRepository) GetByUserID(ctx context.Context, userID string, currency string) (*account.Account, error) {
	if m.GetByUserIDFunc != nil {
		return m.GetByUserIDFunc(ctx, userID, currency)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.UserID == userID && a.Currency == currency {
			c := *a
			return &c, nil
		}
	}
	return nil, domainErrors.ErrAccountNotFound
}

func (m *MockAccountRepository) Update(ctx context.Context, acct *account.Account) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, acct)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.accounts[acct.ID]
	if !ok {
		return domainErrors.ErrAccountNotFound
	}
	if stored.Version != acct.Version-1 {
		return domainErrors.ErrOptimisticLockFailed
	}
	c := *acct
	m.accounts[acct.ID] = &c
	return nil
}

func (m *MockAccountRepository) AddTransaction(ctx context.Context, tx *account.Transaction) error {
	if m.AddTransactionFunc != nil {
		return m.AddTransactionFunc(ctx, tx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.Reference != "" {
		if m.references[tx.Reference] {
			return domainErrors.ErrDuplicateIdempotencyKey
		}
		m.references[tx.Reference] = true
	}
	m.transactions[tx.AccountID] = append(m.transactions[tx.AccountID], tx)
	return nil
}

func (m *MockAccountRepository) HasTransaction(_ context.Context, reference string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.references[reference], nil
}

func (m *MockAccountRepository) Lock(ctx context.Context, id uuid.UUID) (*account.Account, error) {
	if m.LockFunc != nil {
		return m.LockFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[id]
	if !ok {
		return nil, domainErrors.ErrAccountNotFound
	}
	c := *acct
	return &c, nil
}

// Balance returns the stored balance of userID's point wallet, or 0.
func (m *MockAccountRepository) Balance(userID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.UserID == userID && a.Currency == account.PointsCurrency {
			return a.Balance
		}
	}
	return 0
}

// Transactions returns every ledger entry of accountID.
func (m *MockAccountRepository) Transactions(accountID uuid.UUID) []*account.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*account.Transaction(nil), m.transactions[accountID]...)
}

// --- Transaction Manager Mock ---

// MockTransactionManager is a mock implementation of TransactionManager.
type MockTransactionManager struct {
	WithTransactionFunc func(ctx context.Context, fn func(ctx context.Context) error) error
}

func NewMockTransactionManager() *MockTransactionManager {
	return &MockTransactionManager{}
}

func (m *MockTransactionManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.WithTransactionFunc != nil {
		return m.WithTransactionFunc(ctx, fn)
	}
	return fn(ctx)
}

// --- Outbox Repository Mock ---

// MockOutboxRepository records inserted entries.
type MockOutboxRepository struct {
	mu      sync.Mutex
	entries []*outbox.Entry

	InsertFunc        func(ctx context.Context, entry *outbox.Entry) error
	GetPendingFunc    func(ctx context.Context, limit int) ([]*outbox.Entry, error)
	MarkPublishedFunc func(ctx context.Context, id uuid.UUID) error
	MarkFailedFunc    func(ctx context.Context, id uuid.UUID) error
}

func (m *MockOutboxRepository) Insert(ctx context.Context, entry *outbox.Entry) error {
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, entry)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *MockOutboxRepository) GetPending(ctx context.Context, limit int) ([]*outbox.Entry, error) {
	if m.GetPendingFunc != nil {
		return m.GetPendingFunc(ctx, limit)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*outbox.Entry
	for _, e := range m.entries {
		if e.Status == outbox.StatusPending && (limit <= 0 || len(out) < limit) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MockOutboxRepository) MarkPublished(ctx context.Context, id uuid.UUID) error {
	if m.MarkPublishedFunc != nil {
		return m.MarkPublishedFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			e.Status = outbox.StatusPublished
		}
	}
	return nil
}

func (m *MockOutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID) error {
	if m.MarkFailedFunc != nil {
		return m.MarkFailedFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			e.RetryCount++
			if e.RetryCount >= e.MaxRetries {
				e.Status = outbox.StatusFailed
			}
		}
	}
	return nil
}

// EventTypes lists recorded event types in insertion order.
func (m *MockOutboxRepository) EventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.EventType)
	}
	return out
}

// --- Locker ---

// KeyedLocker is an in-process lock per key.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	order []string
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.order = append(l.order, key)
	l.mu.Unlock()

	acquired := make(chan struct{})
	go func() {
		m.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
		return m.Unlock, nil
	case <-ctx.Done():
		// Release the mutex once the pending Lock eventually succeeds.
		go func() {
			<-acquired
			m.Unlock()
		}()
		return nil, domainErrors.ErrLockAcquisitionFailed
	}
}

// Keys returns every key requested so far, in order.
func (l *KeyedLocker) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

// --- Reconcile queue ---

// RecordingQueue captures reconciliation requests.
type RecordingQueue struct {
	mu      sync.Mutex
	entries []uuid.UUID

	EnqueueFunc func(ctx context.Context, paymentID uuid.UUID, reason string) error
}

func (q *RecordingQueue) EnqueueReconcile(ctx context.Context, paymentID uuid.UUID, reason string) error {
	if q.EnqueueFunc != nil {
		return q.EnqueueFunc(ctx, paymentID, reason)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, paymentID)
	return nil
}

func (q *RecordingQueue) Enqueued() []uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]uuid.UUID(nil), q.entries...)
}

// --- Event publisher ---

// PublishedEvent is one call to RecordingPublisher.PublishEvent.
type PublishedEvent struct {
	Key   string
	Event any
}

// RecordingPublisher captures published events.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []PublishedEvent

	PublishFunc func(ctx context.Context, key string, event any) error
}

func (p *RecordingPublisher) PublishEvent(ctx context.Context, key string, event any) error {
	if p.PublishFunc != nil {
		if err := p.PublishFunc(ctx, key, event); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, PublishedEvent{Key: key, Event: event})
	return nil
}

func (p *RecordingPublisher) Events() []PublishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PublishedEvent(nil), p.events...)
}
