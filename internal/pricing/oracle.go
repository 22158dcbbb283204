// Package pricing adapts external price sources to the engine. Every
// failure a source can produce, including a slow answer, is reported as
// ErrQuoteUnavailable so callers can leave orders pending and retry.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var ErrQuoteUnavailable = errors.New("quote unavailable")

// Oracle returns the latest reference price for a ticker
type Oracle interface {
	Price(ctx context.Context, ticker string) (decimal.Decimal, error)
}

// Unavailable builds an ErrQuoteUnavailable with a reason
func Unavailable(ticker, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrQuoteUnavailable, ticker, reason)
}

// TimeoutOracle bounds every call to the wrapped oracle
type TimeoutOracle struct {
	oracle  Oracle
	timeout time.Duration
}

var _ Oracle = (*TimeoutOracle)(nil)

// WithTimeout wraps o so a call that outlives timeout, fails, or returns a
// non-positive price is reported as unavailable
func WithTimeout(o Oracle, timeout time.Duration) *TimeoutOracle {
	return &TimeoutOracle{oracle: o, timeout: timeout}
}

type quote struct {
	price decimal.Decimal
	err   error
}

func (t *TimeoutOracle) Price(ctx context.Context, ticker string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	// buffered so a late answer never blocks the sender
	done := make(chan quote, 1)
	go func() {
		p, err := t.oracle.Price(ctx, ticker)
		done <- quote{price: p, err: err}
	}()

	select {
	case <-ctx.Done():
		return decimal.Zero, Unavailable(ticker, "timed out after "+t.timeout.String())
	case q := <-done:
		switch {
		case q.err != nil && errors.Is(q.err, ErrQuoteUnavailable):
			return decimal.Zero, q.err
		case q.err != nil:
			return decimal.Zero, Unavailable(ticker, q.err.Error())
		case !q.price.IsPositive():
			return decimal.Zero, Unavailable(ticker, "non-positive price "+q.price.String())
		}
		return q.price, nil
	}
}
