package payment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for payment persistence
type Repository interface {
	// Create creates a new payment
	Create(ctx context.Context, payment *Payment) error

	// GetByID retrieves a payment by ID
	GetByID(ctx context.Context, id uuid.UUID) (*Payment, error)

	// ListByOrder returns every payment attempt for an order, newest first
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*Payment, error)

	// Update persists payment only if the stored row still has status from
	// and the version the caller loaded. It bumps payment.Version on success
	// and returns ErrOptimisticLockFailed otherwise.
	Update(ctx context.Context, payment *Payment, from Status) error

	// List lists payments with filters
	List(ctx context.Context, filter ListFilter) ([]*Payment, error)

	// Count counts payments matching filter, ignoring paging
	Count(ctx context.Context, filter ListFilter) (int, error)

	// ListStale returns payments in one of statuses last updated before olderThan
	ListStale(ctx context.Context, statuses []Status, olderThan time.Time, limit int) ([]*Payment, error)
}

// ListFilter defines filters for listing payments
type ListFilter struct {
	OrderID    *uuid.UUID
	Status     *Status
	ProviderID *string
	Limit      int
	Offset     int
	SortBy     string
	SortOrder  string
}
