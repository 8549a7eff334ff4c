package order

import (
	"fmt"
	"time"

	"github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/cassiomorais/checkout/internal/domain/money"
	"github.com/cassiomorais/checkout/internal/domain/payment"
	"github.com/cassiomorais/checkout/internal/domain/product"
	"github.com/google/uuid"
)

// Status represents the order status in the state machine
type Status string

const (
	StatusPending           Status = "PENDING"
	StatusPaid              Status = "PAID"
	StatusFulfilled         Status = "FULFILLED"
	StatusPartiallyCanceled Status = "PARTIALLY_CANCELED"
	StatusCanceled          Status = "CANCELED"
)

// FulfillmentStatus tracks the grant of one line.
type FulfillmentStatus string

const (
	FulfillmentPending   FulfillmentStatus = "PENDING"
	FulfillmentFulfilled FulfillmentStatus = "FULFILLED"
	FulfillmentFailed    FulfillmentStatus = "FAILED"
)

// LineItem is one product on an order.
type LineItem struct {
	ID                uuid.UUID
	ProductID         string
	ProductType       product.Type
	Quantity          int
	UnitPrice         money.Amount
	CanceledQuantity  int
	FulfillmentStatus FulfillmentStatus
	FulfilledQuantity int
	RevokedQuantity   int
	FulfillmentError  *string
}

// NewLineItem validates and builds a line.
func NewLineItem(productID string, productType product.Type, quantity int, unitPrice money.Amount) (*LineItem, error) {
	if productID == "" {
		return nil, errors.NewValidationError("product_id", "cannot be empty")
	}
	if quantity <= 0 {
		return nil, errors.NewValidationError("quantity", "must be greater than 0")
	}
	if err := unitPrice.Validate(); err != nil {
		return nil, err
	}
	return &LineItem{
		ID:                uuid.New(),
		ProductID:         productID,
		ProductType:       productType,
		Quantity:          quantity,
		UnitPrice:         unitPrice,
		FulfillmentStatus: FulfillmentPending,
	}, nil
}

// ActiveQuantity is the ordered quantity not yet cancelled.
func (l *LineItem) ActiveQuantity() int {
	return l.Quantity - l.CanceledQuantity
}

// NeedsFulfillment reports whether the line still owes the buyer a grant.
func (l *LineItem) NeedsFulfillment() bool {
	return l.FulfillmentStatus != FulfillmentFulfilled && l.ActiveQuantity() > 0
}

// RevocationDue is the granted quantity that is no longer paid for and has
// not been taken back yet.
func (l *LineItem) RevocationDue() int {
	due := l.FulfilledQuantity - l.RevokedQuantity - l.ActiveQuantity()
	if due < 0 {
		return 0
	}
	return due
}

// RecordFulfilled marks the line granted for its current active quantity.
func (l *LineItem) RecordFulfilled() {
	l.FulfilledQuantity = l.ActiveQuantity()
	l.FulfillmentStatus = FulfillmentFulfilled
	l.FulfillmentError = nil
}

// RecordFulfillmentFailed keeps the line pending a retry.
func (l *LineItem) RecordFulfillmentFailed(reason string) {
	l.FulfillmentStatus = FulfillmentFailed
	l.FulfillmentError = &reason
}

// RecordRevoked counts quantity taken back from the buyer.
func (l *LineItem) RecordRevoked(qty int) {
	l.RevokedQuantity += qty
}

// Order is a buyer's purchase of one or more products.
type Order struct {
	ID             uuid.UUID
	BuyerID        string
	PaymentMethod  payment.Method
	Lines          []*LineItem
	Total          money.Amount
	CanceledAmount int64
	Status         Status
	CancelReason   *string
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	PaidAt         *time.Time
}

// NewOrder creates a PENDING order. All lines must share the order currency.
func NewOrder(buyerID string, method payment.Method, currency string, lines []*LineItem, now time.Time) (*Order, error) {
	if buyerID == "" {
		return nil, errors.NewValidationError("buyer_id", "cannot be empty")
	}
	if method == "" {
		return nil, errors.NewValidationError("payment_method", "cannot be empty")
	}
	if len(lines) == 0 {
		return nil, errors.NewValidationError("items", "must contain at least one item")
	}

	total := money.Amount{Currency: currency}
	if err := total.Validate(); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(lines))
	for _, l := range lines {
		if seen[l.ProductID] {
			return nil, errors.NewValidationError("items", fmt.Sprintf("duplicate product %s", l.ProductID))
		}
		seen[l.ProductID] = true

		sum, err := total.Add(l.UnitPrice.Mul(l.Quantity))
		if err != nil {
			return nil, errors.NewValidationError("items", "all items must use the order currency")
		}
		total = sum
	}
	if total.Value <= 0 {
		return nil, errors.NewValidationError("items", "order total must be greater than 0")
	}

	return &Order{
		ID:            uuid.New(),
		BuyerID:       buyerID,
		PaymentMethod: method,
		Lines:         lines,
		Total:         total,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

var transitions = map[Status][]Status{
	StatusPending: {
		StatusPaid,
		StatusCanceled,
	},
	StatusPaid: {
		StatusFulfilled,
		StatusPartiallyCanceled,
		StatusCanceled,
	},
	StatusFulfilled: {
		StatusPartiallyCanceled,
		StatusCanceled,
	},
	StatusPartiallyCanceled: {
		StatusPartiallyCanceled,
		StatusCanceled,
	},
	StatusCanceled: {},
}

// CanTransitionTo checks if the order can transition to the given status
func (o *Order) CanTransitionTo(newStatus Status) bool {
	for _, allowed := range transitions[o.Status] {
		if allowed == newStatus {
			return true
		}
	}
	return false
}

// TransitionTo transitions the order to a new status
func (o *Order) TransitionTo(newStatus Status, now time.Time) error {
	if !o.CanTransitionTo(newStatus) {
		return errors.NewDomainError(
			"invalid_transition",
			"cannot transition order from "+string(o.Status)+" to "+string(newStatus),
			errors.ErrInvalidStateTransition,
		)
	}
	o.Status = newStatus
	o.UpdatedAt = now
	return nil
}

// MarkPaid records a confirmed payment.
func (o *Order) MarkPaid(now time.Time) error {
	if err := o.TransitionTo(StatusPaid, now); err != nil {
		return err
	}
	o.PaidAt = &now
	return nil
}

// MarkFulfilledIfComplete moves a PAID order to FULFILLED once every active
// line has been granted. It reports whether the status changed.
func (o *Order) MarkFulfilledIfComplete(now time.Time) bool {
	if o.Status != StatusPaid || !o.AllFulfilled() {
		return false
	}
	o.Status = StatusFulfilled
	o.UpdatedAt = now
	return true
}

// AllFulfilled reports whether no active line is waiting for a grant.
func (o *Order) AllFulfilled() bool {
	for _, l := range o.Lines {
		if l.NeedsFulfillment() {
			return false
		}
	}
	return true
}

// IsPaid reports whether the order has been paid at some point.
func (o *Order) IsPaid() bool {
	return o.Status != StatusPending && o.PaidAt != nil
}

// Line looks up a line by id.
func (o *Order) Line(id uuid.UUID) *LineItem {
	for _, l := range o.Lines {
		if l.ID == id {
			return l
		}
	}
	return nil
}

// CancelUnpaid cancels an order that was never paid.
func (o *Order) CancelUnpaid(reason string, now time.Time) error {
	if o.Status != StatusPending {
		return errors.NewDomainError("not_pending", "order is not pending", errors.ErrInvalidStateTransition)
	}
	if err := o.TransitionTo(StatusCanceled, now); err != nil {
		return err
	}
	for _, l := range o.Lines {
		l.CanceledQuantity = l.Quantity
	}
	o.CanceledAmount = o.Total.Value
	o.CancelReason = &reason
	return nil
}

// RemainingCancellation returns every line's uncancelled quantity.
func (o *Order) RemainingCancellation() []payment.LineCancel {
	var out []payment.LineCancel
	for _, l := range o.Lines {
		if q := l.ActiveQuantity(); q > 0 {
			out = append(out, payment.LineCancel{LineID: l.ID, Quantity: q})
		}
	}
	return out
}

// CancellationAmount validates a cancellation request against the lines
// and returns the refund it implies. It never mutates the order.
func (o *Order) CancellationAmount(req []payment.LineCancel) (int64, error) {
	if len(req) == 0 {
		return 0, errors.NewValidationError("lines", "must cancel at least one line")
	}
	perLine := make(map[uuid.UUID]int, len(req))
	for _, c := range req {
		if c.Quantity <= 0 {
			return 0, errors.NewValidationError("quantity", "must be greater than 0")
		}
		if o.Line(c.LineID) == nil {
			return 0, errors.NewValidationError("line_id", fmt.Sprintf("line %s not on order", c.LineID))
		}
		perLine[c.LineID] += c.Quantity
	}

	var amount int64
	for id, qty := range perLine {
		l := o.Line(id)
		if qty > l.ActiveQuantity() {
			return 0, errors.NewDomainError(
				"exceeds_remaining_quantity",
				fmt.Sprintf("line %s: cancel %d exceeds remaining %d", id, qty, l.ActiveQuantity()),
				errors.ErrExceedsRemainingQty,
			)
		}
		amount += l.UnitPrice.Value * int64(qty)
	}
	return amount, nil
}

// ApplyCancellation records confirmed cancelled quantities and moves the
// order to CANCELED or PARTIALLY_CANCELED.
func (o *Order) ApplyCancellation(req []payment.LineCancel, reason string, now time.Time) error {
	amount, err := o.CancellationAmount(req)
	if err != nil {
		return err
	}

	next := StatusCanceled
	remaining := make(map[uuid.UUID]int, len(o.Lines))
	for _, l := range o.Lines {
		remaining[l.ID] = l.ActiveQuantity()
	}
	for _, c := range req {
		remaining[c.LineID] -= c.Quantity
	}
	for _, q := range remaining {
		if q > 0 {
			next = StatusPartiallyCanceled
			break
		}
	}

	if err := o.TransitionTo(next, now); err != nil {
		return err
	}
	for _, c := range req {
		o.Line(c.LineID).CanceledQuantity += c.Quantity
	}
	o.CanceledAmount += amount
	if reason != "" {
		o.CancelReason = &reason
	}
	return nil
}

// CheckInvariants verifies quantity and amount bookkeeping.
func (o *Order) CheckInvariants() error {
	var active int64
	for _, l := range o.Lines {
		if l.CanceledQuantity < 0 || l.CanceledQuantity > l.Quantity {
			return fmt.Errorf("line %s: canceled %d outside [0,%d]", l.ID, l.CanceledQuantity, l.Quantity)
		}
		if l.RevokedQuantity > l.FulfilledQuantity {
			return fmt.Errorf("line %s: revoked %d exceeds fulfilled %d", l.ID, l.RevokedQuantity, l.FulfilledQuantity)
		}
		active += int64(l.ActiveQuantity()) * l.UnitPrice.Value
	}
	if active > o.Total.Value {
		return fmt.Errorf("active value %d exceeds total %d", active, o.Total.Value)
	}
	return nil
}
