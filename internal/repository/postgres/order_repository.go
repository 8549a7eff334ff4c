package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/cassiomorais/checkout/internal/domain/order"
	"github.com/cassiomorais/checkout/internal/domain/payment"
	"github.com/cassiomorais/checkout/internal/domain/product"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// allowedOrderSortColumns is a whitelist of columns valid for ORDER BY.
var allowedOrderSortColumns = map[string]string{
	"created_at": "created_at",
	"total":      "total",
	"status":     "status",
	"updated_at": "updated_at",
}

const orderColumns = `id, buyer_id, payment_method, total, canceled_amount, currency, status,
	cancel_reason, version, created_at, updated_at, paid_at`

const lineColumns = `id, order_id, product_id, product_type, quantity, unit_price, canceled_quantity,
	fulfillment_status, fulfilled_quantity, revoked_quantity, fulfillment_error`

// OrderRepository implements order.Repository using PostgreSQL. Lines live
// in order_lines and are always read and written with their order.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository creates a new OrderRepository.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

func (r *OrderRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// Create inserts the order and its lines. Callers run it inside a
// transaction so a partial order is never visible.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO orders (`+orderColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		o.ID, o.BuyerID, string(o.PaymentMethod), toNumeric(o.Total),
		minorToNumeric(o.CanceledAmount, o.Total.Currency), o.Total.Currency, string(o.Status),
		o.CancelReason, o.Version, o.CreatedAt, o.UpdatedAt, o.PaidAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for i, l := range o.Lines {
		_, err := r.db(ctx).Exec(ctx,
			`INSERT INTO order_lines (id, order_id, position, product_id, product_type, quantity, unit_price,
			  canceled_quantity, fulfillment_status, fulfilled_quantity, revoked_quantity, fulfillment_error)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			l.ID, o.ID, i, l.ProductID, string(l.ProductType), l.Quantity, toNumeric(l.UnitPrice),
			l.CanceledQuantity, string(l.FulfillmentStatus), l.FulfilledQuantity, l.RevokedQuantity, l.FulfillmentError,
		)
		if err != nil {
			return fmt.Errorf("insert order line %s: %w", l.ID, err)
		}
	}
	return nil
}

// GetByID retrieves an order and its lines.
func (r *OrderRepository) GetByID(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	o, err := scanOrder(r.db(ctx).QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := r.attachLines(ctx, []*order.Order{o}); err != nil {
		return nil, err
	}
	return o, nil
}

// Update writes the order's mutable columns and every line, guarded by the
// expected status and version.
func (r *OrderRepository) Update(ctx context.Context, o *order.Order, from order.Status) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE orders SET
		  status = $1, canceled_amount = $2, cancel_reason = $3, paid_at = $4,
		  updated_at = $5, version = version + 1
		 WHERE id = $6 AND status = $7 AND version = $8`,
		string(o.Status), minorToNumeric(o.CanceledAmount, o.Total.Currency), o.CancelReason, o.PaidAt,
		o.UpdatedAt, o.ID, string(from), o.Version,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrConflict(ctx, o.ID)
	}

	for _, l := range o.Lines {
		_, err := r.db(ctx).Exec(ctx,
			`UPDATE order_lines SET
			  canceled_quantity = $1, fulfillment_status = $2, fulfilled_quantity = $3,
			  revoked_quantity = $4, fulfillment_error = $5
			 WHERE id = $6 AND order_id = $7`,
			l.CanceledQuantity, string(l.FulfillmentStatus), l.FulfilledQuantity,
			l.RevokedQuantity, l.FulfillmentError, l.ID, o.ID,
		)
		if err != nil {
			return fmt.Errorf("update order line %s: %w", l.ID, err)
		}
	}
	o.Version++
	return nil
}

func (r *OrderRepository) missOrConflict(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.db(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check order: %w", err)
	}
	if !exists {
		return domainErrors.ErrOrderNotFound
	}
	return domainErrors.ErrOptimisticLockFailed
}

func orderWhere(f order.ListFilter, args []any) (string, []any) {
	where := " WHERE 1=1"
	if f.BuyerID != nil {
		args = append(args, *f.BuyerID)
		where += fmt.Sprintf(" AND buyer_id = $%d", len(args))
	}
	if f.Status != nil {
		args = append(args, string(*f.Status))
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	return where, args
}

// List lists orders with optional filters and offset paging.
func (r *OrderRepository) List(ctx context.Context, f order.ListFilter) ([]*order.Order, error) {
	where, args := orderWhere(f, nil)

	// Strict whitelist for sort column
	sortBy := "created_at"
	if col, ok := allowedOrderSortColumns[f.SortBy]; ok {
		sortBy = col
	}
	sortOrder := "DESC"
	if strings.EqualFold(f.SortOrder, "asc") {
		sortOrder = "ASC"
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit, f.Offset)
	query := `SELECT ` + orderColumns + ` FROM orders` + where +
		fmt.Sprintf(" ORDER BY %s %s, id %s LIMIT $%d OFFSET $%d", sortBy, sortOrder, sortOrder, len(args)-1, len(args))

	return r.query(ctx, query, args...)
}

// Count counts orders matching the filter.
func (r *OrderRepository) Count(ctx context.Context, f order.ListFilter) (int, error) {
	where, args := orderWhere(f, nil)
	var n int
	if err := r.db(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM orders`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count orders: %w", err)
	}
	return n, nil
}

// Scroll pages newest first by (created_at, id). It fetches one extra row
// to learn whether another page exists.
func (r *OrderRepository) Scroll(ctx context.Context, f order.ListFilter, cursor *order.Cursor, limit int) ([]*order.Order, *order.Cursor, error) {
	if limit <= 0 {
		limit = 20
	}
	where, args := orderWhere(f, nil)
	if cursor != nil {
		args = append(args, cursor.CreatedAt, cursor.ID)
		where += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	args = append(args, limit+1)
	query := `SELECT ` + orderColumns + ` FROM orders` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	orders, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	if len(orders) <= limit {
		return orders, nil, nil
	}
	orders = orders[:limit]
	last := orders[limit-1]
	return orders, &order.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}, nil
}

func (r *OrderRepository) query(ctx context.Context, query string, args ...any) ([]*order.Order, error) {
	rows, err := r.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []*order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	if err := r.attachLines(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// attachLines loads the lines of every order in one query.
func (r *OrderRepository) attachLines(ctx context.Context, orders []*order.Order) error {
	if len(orders) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*order.Order, len(orders))
	ids := make([]uuid.UUID, 0, len(orders))
	for _, o := range orders {
		byID[o.ID] = o
		ids = append(ids, o.ID)
	}

	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+lineColumns+` FROM order_lines WHERE order_id = ANY($1) ORDER BY order_id, position`, ids)
	if err != nil {
		return fmt.Errorf("list order lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			l           order.LineItem
			orderID     uuid.UUID
			productType string
			unitPrice   decimal.Decimal
			status      string
		)
		if err := rows.Scan(&l.ID, &orderID, &l.ProductID, &productType, &l.Quantity, &unitPrice,
			&l.CanceledQuantity, &status, &l.FulfilledQuantity, &l.RevokedQuantity, &l.FulfillmentError); err != nil {
			return fmt.Errorf("scan order line: %w", err)
		}
		o := byID[orderID]
		price, err := fromNumeric(unitPrice, o.Total.Currency)
		if err != nil {
			return fmt.Errorf("parse unit price: %w", err)
		}
		l.UnitPrice = price
		l.ProductType = product.Type(productType)
		l.FulfillmentStatus = order.FulfillmentStatus(status)
		o.Lines = append(o.Lines, &l)
	}
	return rows.Err()
}

// scanOrder scans an order row without its lines.
func scanOrder(s scanner) (*order.Order, error) {
	o := &order.Order{}
	var (
		method   string
		total    decimal.Decimal
		canceled decimal.Decimal
		currency string
		status   string
	)
	err := s.Scan(&o.ID, &o.BuyerID, &method, &total, &canceled, &currency, &status,
		&o.CancelReason, &o.Version, &o.CreatedAt, &o.UpdatedAt, &o.PaidAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrOrderNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}

	if o.Total, err = fromNumeric(total, currency); err != nil {
		return nil, fmt.Errorf("parse total: %w", err)
	}
	if o.CanceledAmount, err = minorFromNumeric(canceled, currency); err != nil {
		return nil, fmt.Errorf("parse canceled amount: %w", err)
	}
	o.PaymentMethod = payment.Method(method)
	o.Status = order.Status(status)
	return o, nil
}
