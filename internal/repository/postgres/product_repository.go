package postgres

import (
	"context"
	"errors"
	"fmt"

	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/cassiomorais/checkout/internal/domain/product"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ProductRepository reads the catalog table.
type ProductRepository struct {
	pool *pgxpool.Pool
}

func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

func (r *ProductRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

func (r *ProductRepository) GetByID(ctx context.Context, id string) (*product.Product, error) {
	p := &product.Product{}
	var (
		productType string
		price       decimal.Decimal
		currency    string
	)
	err := r.db(ctx).QueryRow(ctx,
		`SELECT id, name, product_type, price, currency, grant_amount, active
		 FROM products WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &productType, &price, &currency, &p.Grant, &p.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	if p.Price, err = fromNumeric(price, currency); err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	p.Type = product.Type(productType)
	return p, nil
}

// Upsert writes a catalog entry. It is used to seed products.
func (r *ProductRepository) Upsert(ctx context.Context, p *product.Product) error {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO products (id, name, product_type, price, currency, grant_amount, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name, product_type = EXCLUDED.product_type, price = EXCLUDED.price,
		   currency = EXCLUDED.currency, grant_amount = EXCLUDED.grant_amount, active = EXCLUDED.active`,
		p.ID, p.Name, string(p.Type), toNumeric(p.Price), p.Price.Currency, p.Grant, p.Active,
	)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}
