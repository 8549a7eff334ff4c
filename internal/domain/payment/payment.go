package payment

import (
	"time"

	"github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/cassiomorais/checkout/internal/domain/money"
	"github.com/google/uuid"
)

// Method is the instrument the buyer pays with. It drives refund eligibility.
type Method string

const (
	MethodCard            Method = "CARD"
	MethodEasyPay         Method = "EASY_PAY"
	MethodBankTransfer    Method = "BANK_TRANSFER"
	MethodVirtualAccount  Method = "VIRTUAL_ACCOUNT"
	MethodMobilePhone     Method = "MOBILE_PHONE"
	MethodGiftCertificate Method = "GIFT_CERTIFICATE"
)

// Status represents the payment status in the state machine
type Status string

const (
	StatusInitiated         Status = "INITIATED"
	StatusCompleted         Status = "COMPLETED"
	StatusFailed            Status = "FAILED"
	StatusCancelPending     Status = "CANCEL_PENDING"
	StatusCanceled          Status = "CANCELED"
	StatusPartiallyCanceled Status = "PARTIALLY_CANCELED"
)

// LineCancel is the quantity being cancelled on one order line.
type LineCancel struct {
	LineID   uuid.UUID `json:"line_id"`
	Quantity int       `json:"quantity"`
}

// PendingCancel records a cancellation sent to the provider but not yet
// confirmed. It is what reconciliation finishes or rolls back.
type PendingCancel struct {
	Amount      int64        `json:"amount"`
	Lines       []LineCancel `json:"lines"`
	Full        bool         `json:"full"`
	Reason      string       `json:"reason"`
	ActorID     string       `json:"actor_id"`
	PriorStatus Status       `json:"prior_status"`
	RequestedAt time.Time    `json:"requested_at"`
}

// Payment is one attempt to pay for an order through a provider.
type Payment struct {
	ID                    uuid.UUID
	OrderID               uuid.UUID
	ProviderID            string
	Method                Method
	Amount                money.Amount
	CanceledAmount        int64
	Status                Status
	ProviderTransactionID *string
	PaidAt                *time.Time
	RefundableUntil       *time.Time
	ExpiresAt             time.Time
	PendingCancel         *PendingCancel
	LastError             *string
	Version               int
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// NewPayment creates an INITIATED payment that expires at expiresAt unless
// the provider reports an outcome first.
func NewPayment(orderID uuid.UUID, providerID string, method Method, amount money.Amount, now, expiresAt time.Time) (*Payment, error) {
	if err := amount.Validate(); err != nil {
		return nil, err
	}
	if amount.Value <= 0 {
		return nil, errors.NewValidationError("amount", "must be greater than 0")
	}
	if providerID == "" {
		return nil, errors.NewValidationError("provider_id", "cannot be empty")
	}
	if method == "" {
		return nil, errors.NewValidationError("payment_method", "cannot be empty")
	}

	return &Payment{
		ID:         uuid.New(),
		OrderID:    orderID,
		ProviderID: providerID,
		Method:     method,
		Amount:     amount,
		Status:     StatusInitiated,
		ExpiresAt:  expiresAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

var transitions = map[Status][]Status{
	StatusInitiated: {
		StatusCompleted,
		StatusFailed,
	},
	StatusCompleted: {
		StatusCancelPending,
	},
	StatusPartiallyCanceled: {
		StatusCancelPending,
	},
	StatusCancelPending: {
		StatusCanceled,
		StatusPartiallyCanceled,
		StatusCompleted, // provider declined the cancellation
	},
	StatusFailed:   {},
	StatusCanceled: {},
}

// CanTransitionTo checks if the payment can transition to the given status
func (p *Payment) CanTransitionTo(newStatus Status) bool {
	for _, allowed := range transitions[p.Status] {
		if allowed == newStatus {
			return true
		}
	}
	return false
}

// TransitionTo transitions the payment to a new status
func (p *Payment) TransitionTo(newStatus Status, now time.Time) error {
	if !p.CanTransitionTo(newStatus) {
		return errors.NewDomainError(
			"invalid_transition",
			"cannot transition payment from "+string(p.Status)+" to "+string(newStatus),
			errors.ErrInvalidStateTransition,
		)
	}
	p.Status = newStatus
	p.UpdatedAt = now
	return nil
}

// MarkCompleted records a confirmed payment and its refund deadline.
func (p *Payment) MarkCompleted(providerTxID string, paidAt time.Time, refundableUntil *time.Time, now time.Time) error {
	if err := p.TransitionTo(StatusCompleted, now); err != nil {
		return err
	}
	if providerTxID != "" {
		p.ProviderTransactionID = &providerTxID
	}
	p.PaidAt = &paidAt
	p.RefundableUntil = refundableUntil
	p.LastError = nil
	return nil
}

// MarkFailed transitions the payment to failed status
func (p *Payment) MarkFailed(reason string, now time.Time) error {
	if err := p.TransitionTo(StatusFailed, now); err != nil {
		return err
	}
	p.LastError = &reason
	return nil
}

// SetTransactionID stores the provider reference issued at session start.
func (p *Payment) SetTransactionID(txID string) {
	if txID != "" {
		p.ProviderTransactionID = &txID
	}
}

// TransactionID returns the provider reference or "".
func (p *Payment) TransactionID() string {
	if p.ProviderTransactionID == nil {
		return ""
	}
	return *p.ProviderTransactionID
}

// Remaining is the amount that can still be refunded.
func (p *Payment) Remaining() int64 {
	return p.Amount.Value - p.CanceledAmount
}

// IsPaid reports whether money has been captured for this payment.
func (p *Payment) IsPaid() bool {
	switch p.Status {
	case StatusCompleted, StatusPartiallyCanceled, StatusCancelPending, StatusCanceled:
		return true
	}
	return false
}

// Expired reports whether an INITIATED payment has outlived its session.
func (p *Payment) Expired(now time.Time) bool {
	return p.Status == StatusInitiated && !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

// BeginCancel moves the payment to CANCEL_PENDING before the provider is
// asked to refund pc.Amount.
func (p *Payment) BeginCancel(pc PendingCancel, now time.Time) error {
	if pc.Amount <= 0 {
		return errors.NewValidationError("amount", "must be greater than 0")
	}
	if pc.Amount > p.Remaining() {
		return errors.ErrAmountExceedsRemaining
	}
	prior := p.Status
	if err := p.TransitionTo(StatusCancelPending, now); err != nil {
		return err
	}
	pc.PriorStatus = prior
	pc.RequestedAt = now
	p.PendingCancel = &pc
	return nil
}

// FinishCancel applies the confirmed pending cancellation.
func (p *Payment) FinishCancel(now time.Time) error {
	if p.PendingCancel == nil {
		return errors.NewDomainError("no_pending_cancel", "payment has no pending cancellation", errors.ErrInvalidStateTransition)
	}
	canceled := p.CanceledAmount + p.PendingCancel.Amount
	next := StatusPartiallyCanceled
	if canceled >= p.Amount.Value {
		next = StatusCanceled
	}
	if err := p.TransitionTo(next, now); err != nil {
		return err
	}
	p.CanceledAmount = canceled
	p.PendingCancel = nil
	p.LastError = nil
	return nil
}

// AbortCancel restores the status held before BeginCancel.
func (p *Payment) AbortCancel(reason string, now time.Time) error {
	if p.PendingCancel == nil {
		return errors.NewDomainError("no_pending_cancel", "payment has no pending cancellation", errors.ErrInvalidStateTransition)
	}
	prior := p.PendingCancel.PriorStatus
	if err := p.TransitionTo(prior, now); err != nil {
		return err
	}
	p.PendingCancel = nil
	p.LastError = &reason
	return nil
}
