package pricing

import (
	"context"
	"fmt"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"github.com/ksred/papertrade/internal/types"
)

// latestTrader is the part of the Alpaca market-data client the oracle uses
type latestTrader interface {
	GetLatestTrade(symbol string, req marketdata.GetLatestTradeRequest) (*marketdata.Trade, error)
}

// AlpacaOracle quotes the latest trade from the Alpaca market-data API
type AlpacaOracle struct {
	client latestTrader
}

var _ Oracle = (*AlpacaOracle)(nil)

// NewAlpacaOracle builds a market-data client. An empty dataURL uses the
// SDK default endpoint.
func NewAlpacaOracle(apiKey, apiSecret, dataURL string) *AlpacaOracle {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return &AlpacaOracle{client: marketdata.NewClient(opts)}
}

// Price does not observe ctx; the SDK call has no context parameter, so
// callers bound it with WithTimeout.
func (a *AlpacaOracle) Price(_ context.Context, ticker string) (decimal.Decimal, error) {
	trade, err := a.client.GetLatestTrade(strings.ToUpper(ticker), marketdata.GetLatestTradeRequest{})
	if err != nil {
		return decimal.Zero, fmt.Errorf("alpaca latest trade: %w", err)
	}
	if trade == nil {
		return decimal.Zero, Unavailable(ticker, "no trades reported")
	}
	return decimal.NewFromFloat(trade.Price).Round(types.MoneyPlaces), nil
}
