package pricing

import (
	"context"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/ksred/papertrade/internal/types"
)

// StaticOracle serves prices set in memory, rounded to the money scale
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

var _ Oracle = (*StaticOracle)(nil)

func NewStaticOracle(prices map[string]decimal.Decimal) *StaticOracle {
	s := &StaticOracle{prices: make(map[string]decimal.Decimal, len(prices))}
	for ticker, p := range prices {
		s.prices[strings.ToUpper(ticker)] = p.Round(types.MoneyPlaces)
	}
	return s
}

func (s *StaticOracle) Price(_ context.Context, ticker string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prices[strings.ToUpper(ticker)]
	if !ok {
		return decimal.Zero, Unavailable(ticker, "no price set")
	}
	return p, nil
}

func (s *StaticOracle) Set(ticker string, price decimal.Decimal) {
	s.mu.Lock()
	s.prices[strings.ToUpper(ticker)] = price.Round(types.MoneyPlaces)
	s.mu.Unlock()
}

func (s *StaticOracle) Remove(ticker string) {
	s.mu.Lock()
	delete(s.prices, strings.ToUpper(ticker))
	s.mu.Unlock()
}

// Record satisfies Recorder
func (s *StaticOracle) Record(_ context.Context, ticker string, price decimal.Decimal) error {
	s.Set(ticker, price)
	return nil
}
