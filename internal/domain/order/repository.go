package order

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/google/uuid"
)

// Repository defines the interface for order persistence. Lines are stored
// and loaded together with their order.
type Repository interface {
	Create(ctx context.Context, order *Order) error

	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)

	// Update persists the order and its lines only if the stored row still
	// has status from and the caller's version. It bumps order.Version on
	// success and returns ErrOptimisticLockFailed otherwise.
	Update(ctx context.Context, order *Order, from Status) error

	List(ctx context.Context, filter ListFilter) ([]*Order, error)

	Count(ctx context.Context, filter ListFilter) (int, error)

	// Scroll returns up to limit orders created strictly before cursor,
	// newest first, and the cursor for the next page (nil at the end).
	Scroll(ctx context.Context, filter ListFilter, cursor *Cursor, limit int) ([]*Order, *Cursor, error)
}

// ListFilter defines filters for listing orders
type ListFilter struct {
	BuyerID   *string
	Status    *Status
	Limit     int
	Offset    int
	SortBy    string
	SortOrder string
}

// Cursor is a keyset position in the (created_at, id) ordering.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// Encode renders the cursor as an opaque token.
func (c Cursor) Encode() string {
	raw := c.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + c.ID.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by Encode.
func DecodeCursor(token string) (*Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, errors.NewValidationError("cursor", "malformed")
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return nil, errors.NewValidationError("cursor", "malformed")
	}
	createdAt, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, errors.NewValidationError("cursor", fmt.Sprintf("bad timestamp: %v", err))
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, errors.NewValidationError("cursor", "bad id")
	}
	return &Cursor{CreatedAt: createdAt, ID: uid}, nil
}
