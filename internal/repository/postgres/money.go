package postgres

import (
	"fmt"

	"github.com/cassiomorais/checkout/internal/domain/money"
	"github.com/shopspring/decimal"
)

// Amounts are stored as NUMERIC in major units next to a currency column.

func toNumeric(a money.Amount) decimal.Decimal {
	return a.Decimal()
}

// minorToNumeric stores a bare minor-unit value of currency.
func minorToNumeric(value int64, currency string) decimal.Decimal {
	return money.Amount{Value: value, Currency: currency}.Decimal()
}

func fromNumeric(d decimal.Decimal, currency string) (money.Amount, error) {
	a, err := money.FromDecimal(d, currency)
	if err != nil {
		return money.Amount{}, fmt.Errorf("numeric %s %s: %w", d.String(), currency, err)
	}
	return a, nil
}

func minorFromNumeric(d decimal.Decimal, currency string) (int64, error) {
	a, err := fromNumeric(d, currency)
	if err != nil {
		return 0, err
	}
	return a.Value, nil
}
