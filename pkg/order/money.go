package order

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Money is an amount in a single ISO 4217 currency.
type Money struct {
	Amount   decimal.Decimal
	Currency string
}

// NewMoney normalizes the currency code.
func NewMoney(amount decimal.Decimal, currency string) Money {
	return Money{Amount: amount, Currency: strings.ToUpper(currency)}
}

// Zero returns a zero amount in currency.
func Zero(currency string) Money {
	return NewMoney(decimal.Zero, currency)
}

func (m Money) String() string {
	return m.Amount.StringFixed(2) + " " + m.Currency
}
