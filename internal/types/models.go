package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Order is one user's instruction to trade. LimitPrice is set iff
// ExecutionType is LIMIT; ReservedAmount is the cash frozen for a LIMIT BUY.
type Order struct {
	gorm.Model     `json:"-"`
	OrderID        string           `gorm:"uniqueIndex;size:36" json:"order_id"`
	UserID         string           `gorm:"index;size:64;not null" json:"user_id"`
	Ticker         string           `gorm:"index;size:10;not null" json:"ticker"`
	Side           OrderSide        `gorm:"size:4;not null" json:"side"`
	ExecutionType  ExecutionType    `gorm:"size:6;not null" json:"execution_type"`
	LimitPrice     *decimal.Decimal `gorm:"type:decimal(20,4)" json:"limit_price,omitempty"`
	Quantity       int64            `gorm:"not null" json:"quantity"`
	Status         OrderStatus      `gorm:"size:10;index;not null" json:"status"`
	ReservedAmount decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"reserved_amount"`
	Remark         string           `gorm:"type:text" json:"remark,omitempty"`
	ExecutedAt     *time.Time       `json:"executed_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// ReservesFunds reports whether the order froze cash at submission
func (o *Order) ReservesFunds() bool {
	return o.Side == OrderSideBuy && o.ExecutionType == ExecutionTypeLimit
}

// Account holds a user's cash. The total is derived, never stored.
type Account struct {
	ID               uint            `gorm:"primaryKey" json:"-"`
	UserID           string          `gorm:"uniqueIndex;size:64;not null" json:"user_id"`
	AvailableBalance decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"available_balance"`
	FrozenBalance    decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"frozen_balance"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (a *Account) Total() decimal.Decimal {
	return a.AvailableBalance.Add(a.FrozenBalance)
}

// Position is a user's holding in one ticker. Rows are hard-deleted when the
// quantity reaches zero so the (user, ticker) key can be reused.
type Position struct {
	ID           uint            `gorm:"primaryKey" json:"-"`
	UserID       string          `gorm:"uniqueIndex:idx_positions_user_ticker;size:64;not null" json:"user_id"`
	Ticker       string          `gorm:"uniqueIndex:idx_positions_user_ticker;size:10;not null" json:"ticker"`
	Quantity     int64           `gorm:"not null" json:"quantity"`
	AveragePrice decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"average_price"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// CostBasis is quantity times average price
func (p *Position) CostBasis() decimal.Decimal {
	return p.AveragePrice.Mul(decimal.NewFromInt(p.Quantity))
}

// TradeRecord is the immutable record of a fill, 1:1 with its order
type TradeRecord struct {
	gorm.Model `json:"-"`
	TradeID    string          `gorm:"uniqueIndex;size:40" json:"trade_id"`
	OrderID    string          `gorm:"uniqueIndex;size:36;not null" json:"order_id"`
	UserID     string          `gorm:"index;size:64;not null" json:"user_id"`
	Ticker     string          `gorm:"index;size:10;not null" json:"ticker"`
	Side       OrderSide       `gorm:"size:4;not null" json:"side"`
	Price      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"price"`
	Quantity   int64           `gorm:"not null" json:"quantity"`
	Amount     decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	Status     TradeStatus     `gorm:"size:10;not null" json:"status"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// FundTransaction is a deposit or withdrawal awaiting admin review
type FundTransaction struct {
	gorm.Model    `json:"-"`
	TransactionID string                `gorm:"uniqueIndex;size:40" json:"transaction_id"`
	UserID        string                `gorm:"index;size:64;not null" json:"user_id"`
	Type          FundTransactionType   `gorm:"size:10;not null" json:"type"`
	Amount        decimal.Decimal       `gorm:"type:decimal(20,4);not null" json:"amount"`
	Status        FundTransactionStatus `gorm:"size:10;index;not null" json:"status"`
	Remark        string                `gorm:"type:text" json:"remark,omitempty"`
	OperatorID    string                `gorm:"size:64" json:"operator_id,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// MarketPrice is one observed reference price for a ticker
type MarketPrice struct {
	gorm.Model `json:"-"`
	Ticker     string          `gorm:"size:10;not null" json:"ticker"`
	Price      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"price"`
	AsOf       time.Time       `gorm:"not null" json:"as_of"`
}

type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// APICredential binds an API key to a user and role. Only the bcrypt hash
// of the secret is stored.
type APICredential struct {
	gorm.Model `json:"-"`
	APIKey     string `gorm:"uniqueIndex;size:128;not null" json:"api_key"`
	SecretHash string `gorm:"size:72;not null" json:"-"`
	UserID     string `gorm:"index;size:64;not null" json:"user_id"`
	Role       Role   `gorm:"size:5;not null" json:"role"`
}
