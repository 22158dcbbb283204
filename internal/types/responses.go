package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountSummary is the client view of an Account, including the derived total
type AccountSummary struct {
	UserID           string          `json:"user_id"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	FrozenBalance    decimal.Decimal `json:"frozen_balance"`
	TotalBalance     decimal.Decimal `json:"total_balance"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func NewAccountSummary(a *Account) AccountSummary {
	return AccountSummary{
		UserID:           a.UserID,
		AvailableBalance: a.AvailableBalance,
		FrozenBalance:    a.FrozenBalance,
		TotalBalance:     a.Total(),
		UpdatedAt:        a.UpdatedAt,
	}
}

// PositionSummary adds the cost basis to a Position
type PositionSummary struct {
	Ticker       string          `json:"ticker"`
	Quantity     int64           `json:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
	CostBasis    decimal.Decimal `json:"cost_basis"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func NewPositionSummary(p *Position) PositionSummary {
	return PositionSummary{
		Ticker:       p.Ticker,
		Quantity:     p.Quantity,
		AveragePrice: p.AveragePrice,
		CostBasis:    p.CostBasis(),
		UpdatedAt:    p.UpdatedAt,
	}
}

// OrderPage is one page of a user's order history
type OrderPage struct {
	Orders      []Order `json:"orders"`
	Total       int64   `json:"total"`
	Pages       int     `json:"pages"`
	CurrentPage int     `json:"current_page"`
}
