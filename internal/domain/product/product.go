package product

import (
	"context"

	"github.com/cassiomorais/checkout/internal/domain/money"
)

// Type selects the fulfillment handler for a product.
type Type string

const (
	TypePoint Type = "POINT"
	TypeItem  Type = "ITEM"
)

// Product is a catalog entry. It is owned by the catalog and read-only here.
type Product struct {
	ID     string
	Name   string
	Type   Type
	Price  money.Amount
	Grant  int64 // effect of one unit, e.g. points credited for TypePoint
	Active bool
}

// Repository is the read side of the catalog.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Product, error)
}
