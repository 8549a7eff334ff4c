package money

import (
	"fmt"

	"github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/shopspring/decimal"
)

// exponents holds the number of minor-unit digits per supported currency.
var exponents = map[string]int32{
	"KRW": 0,
	"JPY": 0,
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"PTS": 0,
}

// Amount is a monetary value in the smallest unit of its currency.
type Amount struct {
	Value    int64
	Currency string
}

// New builds an amount and validates it.
func New(value int64, currency string) (Amount, error) {
	a := Amount{Value: value, Currency: currency}
	if err := a.Validate(); err != nil {
		return Amount{}, err
	}
	return a, nil
}

// Exponent returns the minor-unit exponent for currency and whether it is known.
func Exponent(currency string) (int32, bool) {
	e, ok := exponents[currency]
	return e, ok
}

// Validate checks that the amount is non-negative and the currency known.
func (a Amount) Validate() error {
	if a.Value < 0 {
		return errors.NewValidationError("amount", "cannot be negative")
	}
	if len(a.Currency) != 3 {
		return errors.NewValidationError("currency", "must be a 3-letter ISO code")
	}
	if _, ok := exponents[a.Currency]; !ok {
		return errors.NewValidationError("currency", fmt.Sprintf("unsupported currency %q", a.Currency))
	}
	return nil
}

// Decimal returns the amount in major units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(a.Value, -exponents[a.Currency])
}

// FromDecimal converts a major-unit value into minor units, rejecting
// values with more precision than the currency allows.
func FromDecimal(d decimal.Decimal, currency string) (Amount, error) {
	exp, ok := exponents[currency]
	if !ok {
		return Amount{}, errors.NewValidationError("currency", fmt.Sprintf("unsupported currency %q", currency))
	}
	scaled := d.Shift(exp)
	if !scaled.Equal(scaled.Truncate(0)) {
		return Amount{}, errors.NewValidationError("amount", fmt.Sprintf("too many decimal places for %s", currency))
	}
	return New(scaled.IntPart(), currency)
}

// String returns a human-readable representation of the amount.
func (a Amount) String() string {
	return a.Decimal().StringFixed(exponents[a.Currency]) + " " + a.Currency
}

func (a Amount) IsZero() bool { return a.Value == 0 }

// Add returns a+b. Both must share a currency.
func (a Amount) Add(b Amount) (Amount, error) {
	if a.Currency != b.Currency {
		return Amount{}, errors.ErrInvalidCurrency
	}
	return Amount{Value: a.Value + b.Value, Currency: a.Currency}, nil
}

// Sub returns a-b. Both must share a currency and the result must not be negative.
func (a Amount) Sub(b Amount) (Amount, error) {
	if a.Currency != b.Currency {
		return Amount{}, errors.ErrInvalidCurrency
	}
	if b.Value > a.Value {
		return Amount{}, errors.ErrInvalidAmount
	}
	return Amount{Value: a.Value - b.Value, Currency: a.Currency}, nil
}

// Mul multiplies the amount by a quantity.
func (a Amount) Mul(qty int) Amount {
	return Amount{Value: a.Value * int64(qty), Currency: a.Currency}
}
