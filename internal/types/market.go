package types

import (
	"regexp"

	"github.com/shopspring/decimal"
)

// MoneyPlaces is the scale of every price and cash column
const MoneyPlaces = 4

var tickerPattern = regexp.MustCompile(`^[A-Z0-9.\-]{1,10}$`)

// ValidTicker expects an upper-cased symbol of 1-10 letters, digits, '.' or '-'
func ValidTicker(ticker string) bool {
	return tickerPattern.MatchString(ticker)
}

// FitsMoneyScale reports whether d is stored without rounding
func FitsMoneyScale(d decimal.Decimal) bool {
	return d.Equal(d.Round(MoneyPlaces))
}
