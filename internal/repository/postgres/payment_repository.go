package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/cassiomorais/checkout/internal/domain/payment"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// allowedSortColumns is a whitelist of columns valid for ORDER BY.
var allowedSortColumns = map[string]string{
	"created_at": "created_at",
	"amount":     "amount",
	"status":     "status",
	"updated_at": "updated_at",
}

const paymentColumns = `id, order_id, provider_id, payment_method, amount, canceled_amount, currency, status,
	provider_transaction_id, paid_at, refundable_until, expires_at, pending_cancel, last_error,
	version, created_at, updated_at`

// PaymentRepository implements payment.Repository using PostgreSQL.
type PaymentRepository struct {
	pool *pgxpool.Pool
}

// NewPaymentRepository creates a new PaymentRepository.
func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

func (r *PaymentRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// scanner is satisfied by both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// Create inserts a new payment.
func (r *PaymentRepository) Create(ctx context.Context, p *payment.Payment) error {
	pending, err := marshalPendingCancel(p.PendingCancel)
	if err != nil {
		return err
	}

	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO payments (`+paymentColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		p.ID, p.OrderID, p.ProviderID, string(p.Method), toNumeric(p.Amount),
		minorToNumeric(p.CanceledAmount, p.Amount.Currency), p.Amount.Currency, string(p.Status),
		p.ProviderTransactionID, p.PaidAt, p.RefundableUntil, p.ExpiresAt, pending, p.LastError,
		p.Version, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// GetByID retrieves a payment by its ID.
func (r *PaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	return scanPayment(r.db(ctx).QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

// ListByOrder returns every attempt for an order, newest first.
func (r *PaymentRepository) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*payment.Payment, error) {
	return r.query(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE order_id = $1 ORDER BY created_at DESC, id DESC`, orderID)
}

// Update writes the payment's mutable columns, guarded by the expected
// status and version.
func (r *PaymentRepository) Update(ctx context.Context, p *payment.Payment, from payment.Status) error {
	pending, err := marshalPendingCancel(p.PendingCancel)
	if err != nil {
		return err
	}

	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE payments SET
		  status = $1, canceled_amount = $2, provider_transaction_id = $3, paid_at = $4,
		  refundable_until = $5, pending_cancel = $6, last_error = $7, updated_at = $8,
		  version = version + 1
		 WHERE id = $9 AND status = $10 AND version = $11`,
		string(p.Status), minorToNumeric(p.CanceledAmount, p.Amount.Currency), p.ProviderTransactionID, p.PaidAt,
		p.RefundableUntil, pending, p.LastError, p.UpdatedAt,
		p.ID, string(from), p.Version,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("order %s already has a captured payment: %w", p.OrderID, domainErrors.ErrPaymentInProgress)
		}
		return fmt.Errorf("update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.db(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1)`, p.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check payment: %w", err)
		}
		if !exists {
			return domainErrors.ErrPaymentNotFound
		}
		return domainErrors.ErrOptimisticLockFailed
	}
	p.Version++
	return nil
}

func paymentWhere(f payment.ListFilter) (string, []any) {
	where := " WHERE 1=1"
	var args []any
	if f.OrderID != nil {
		args = append(args, *f.OrderID)
		where += fmt.Sprintf(" AND order_id = $%d", len(args))
	}
	if f.Status != nil {
		args = append(args, string(*f.Status))
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.ProviderID != nil {
		args = append(args, *f.ProviderID)
		where += fmt.Sprintf(" AND provider_id = $%d", len(args))
	}
	return where, args
}

// List lists payments with optional filters.
func (r *PaymentRepository) List(ctx context.Context, f payment.ListFilter) ([]*payment.Payment, error) {
	where, args := paymentWhere(f)

	// Strict whitelist for sort column
	sortBy := "created_at"
	if col, ok := allowedSortColumns[f.SortBy]; ok {
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
	query := `SELECT ` + paymentColumns + ` FROM payments` + where +
		fmt.Sprintf(" ORDER BY %s %s LIMIT $%d OFFSET $%d", sortBy, sortOrder, len(args)-1, len(args))
	return r.query(ctx, query, args...)
}

// Count counts payments matching the filter.
func (r *PaymentRepository) Count(ctx context.Context, f payment.ListFilter) (int, error) {
	where, args := paymentWhere(f)
	var n int
	if err := r.db(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM payments`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count payments: %w", err)
	}
	return n, nil
}

// ListStale returns payments in statuses that have not moved since
// olderThan, oldest first.
func (r *PaymentRepository) ListStale(ctx context.Context, statuses []payment.Status, olderThan time.Time, limit int) ([]*payment.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	return r.query(ctx,
		`SELECT `+paymentColumns+` FROM payments
		 WHERE status = ANY($1) AND updated_at < $2
		 ORDER BY updated_at ASC
		 LIMIT $3`, names, olderThan, limit)
}

func (r *PaymentRepository) query(ctx context.Context, query string, args ...any) ([]*payment.Payment, error) {
	rows, err := r.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var payments []*payment.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func marshalPendingCancel(pc *payment.PendingCancel) ([]byte, error) {
	if pc == nil {
		return nil, nil
	}
	b, err := json.Marshal(pc)
	if err != nil {
		return nil, fmt.Errorf("marshal pending cancel: %w", err)
	}
	return b, nil
}

// --- scanning helpers ---

// scanPayment scans a payment from any source implementing the scanner interface.
func scanPayment(s scanner) (*payment.Payment, error) {
	p := &payment.Payment{}
	var (
		method   string
		amount   decimal.Decimal
		canceled decimal.Decimal
		currency string
		status   string
		pending  []byte
	)
	err := s.Scan(
		&p.ID, &p.OrderID, &p.ProviderID, &method, &amount, &canceled, &currency, &status,
		&p.ProviderTransactionID, &p.PaidAt, &p.RefundableUntil, &p.ExpiresAt, &pending, &p.LastError,
		&p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}

	if p.Amount, err = fromNumeric(amount, currency); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if p.CanceledAmount, err = minorFromNumeric(canceled, currency); err != nil {
		return nil, fmt.Errorf("parse canceled amount: %w", err)
	}
	p.Method = payment.Method(method)
	p.Status = payment.Status(status)
	if len(pending) > 0 {
		p.PendingCancel = &payment.PendingCancel{}
		if err := json.Unmarshal(pending, p.PendingCancel); err != nil {
			return nil, fmt.Errorf("unmarshal pending cancel: %w", err)
		}
	}
	return p, nil
}
