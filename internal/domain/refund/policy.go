package refund

import (
	"time"

	"github.com/cassiomorais/checkout/internal/domain/payment"
)

// GlobalMaxDays caps every day-based refund window.
const GlobalMaxDays = 14

// Kind is the shape of a refund rule.
type Kind int

const (
	NotRefundable Kind = iota
	EndOfMonth
	Days
)

// Rule is one entry of the policy table.
type Rule struct {
	Kind Kind
	Days int
}

func NoRefund() Rule { return Rule{Kind: NotRefundable} }
func UntilEndOfMonth() Rule { return Rule{Kind: EndOfMonth} }
func ForDays(n int) Rule { return Rule{Kind: Days, Days: n} }

// DefaultTable is the reference mapping from payment method to refund rule.
func DefaultTable() map[payment.Method]Rule {
	return map[payment.Method]Rule{
		payment.MethodCard:            ForDays(365),
		payment.MethodEasyPay:         ForDays(365),
		payment.MethodBankTransfer:    ForDays(180),
		payment.MethodVirtualAccount:  ForDays(7),
		payment.MethodMobilePhone:     UntilEndOfMonth(),
		payment.MethodGiftCertificate: NoRefund(),
	}
}

// Engine computes refund deadlines. It holds no mutable state and is safe
// for concurrent use.
type Engine struct {
	table   map[payment.Method]Rule
	maxDays int
}

// NewEngine copies table so later changes by the caller have no effect.
// A non-positive maxDays falls back to GlobalMaxDays.
func NewEngine(table map[payment.Method]Rule, maxDays int) *Engine {
	if maxDays <= 0 {
		maxDays = GlobalMaxDays
	}
	t := make(map[payment.Method]Rule, len(table))
	for k, v := range table {
		t[k] = v
	}
	return &Engine{table: t, maxDays: maxDays}
}

// Default returns an engine over DefaultTable with the global cap.
func Default() *Engine {
	return NewEngine(DefaultTable(), GlobalMaxDays)
}

// RefundableUntil returns the last instant a payment made with method at
// paidAt may be cancelled, or nil when it may never be cancelled. Unknown
// methods are not refundable.
func (e *Engine) RefundableUntil(method payment.Method, paidAt time.Time) *time.Time {
	rule, ok := e.table[method]
	if !ok {
		return nil
	}

	switch rule.Kind {
	case EndOfMonth:
		// Last nanosecond of paidAt's month, in paidAt's location.
		firstOfNext := time.Date(paidAt.Year(), paidAt.Month()+1, 1, 0, 0, 0, 0, paidAt.Location())
		until := firstOfNext.Add(-time.Nanosecond)
		return &until
	case Days:
		if rule.Days <= 0 {
			return nil
		}
		until := paidAt.AddDate(0, 0, min(rule.Days, e.maxDays))
		return &until
	default:
		return nil
	}
}

// Eligible reports whether now is within the refund window.
func Eligible(refundableUntil *time.Time, now time.Time) bool {
	return refundableUntil != nil && !now.After(*refundableUntil)
}
