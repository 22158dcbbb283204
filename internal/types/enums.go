package types

import "strings"

// OrderSide is the direction of an order
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// ParseOrderSide accepts any casing and surrounding whitespace
func ParseOrderSide(v string) (OrderSide, bool) {
	side := OrderSide(strings.ToUpper(strings.TrimSpace(v)))
	return side, side.Valid()
}

func (s OrderSide) Valid() bool {
	switch s {
	case OrderSideBuy, OrderSideSell:
		return true
	}
	return false
}

// ExecutionType decides whether an order fills at any price or only at its limit
type ExecutionType string

const (
	ExecutionTypeMarket ExecutionType = "MARKET"
	ExecutionTypeLimit  ExecutionType = "LIMIT"
)

func ParseExecutionType(v string) (ExecutionType, bool) {
	kind := ExecutionType(strings.ToUpper(strings.TrimSpace(v)))
	return kind, kind.Valid()
}

func (e ExecutionType) Valid() bool {
	switch e {
	case ExecutionTypeMarket, ExecutionTypeLimit:
		return true
	}
	return false
}

// OrderStatus is the lifecycle state of an order. PENDING is the only
// non-terminal state.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusExecuted  OrderStatus = "EXECUTED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
	OrderStatusFailed    OrderStatus = "FAILED"
)

func ParseOrderStatus(v string) (OrderStatus, bool) {
	status := OrderStatus(strings.ToUpper(strings.TrimSpace(v)))
	return status, status.Valid()
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusExecuted, OrderStatusCancelled, OrderStatusRejected, OrderStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusPending:
		return false
	case OrderStatusExecuted, OrderStatusCancelled, OrderStatusRejected, OrderStatusFailed:
		return true
	}
	return true
}

// CanTransitionTo reports whether s -> next is a legal lifecycle edge.
// Orders only ever leave PENDING, and only once.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	switch s {
	case OrderStatusPending:
		switch next {
		case OrderStatusExecuted, OrderStatusCancelled, OrderStatusRejected, OrderStatusFailed:
			return true
		case OrderStatusPending:
			return false
		}
		return false
	case OrderStatusExecuted, OrderStatusCancelled, OrderStatusRejected, OrderStatusFailed:
		return false
	}
	return false
}

// TradeStatus marks a fill record. Reversals are new records, never edits.
type TradeStatus string

const (
	TradeStatusCompleted TradeStatus = "COMPLETED"
	TradeStatusReversed  TradeStatus = "REVERSED"
)

type FundTransactionType string

const (
	FundTransactionDeposit    FundTransactionType = "DEPOSIT"
	FundTransactionWithdrawal FundTransactionType = "WITHDRAWAL"
)

func (t FundTransactionType) Valid() bool {
	switch t {
	case FundTransactionDeposit, FundTransactionWithdrawal:
		return true
	}
	return false
}

type FundTransactionStatus string

const (
	FundTransactionPending  FundTransactionStatus = "PENDING"
	FundTransactionApproved FundTransactionStatus = "APPROVED"
	FundTransactionRejected FundTransactionStatus = "REJECTED"
)

// Role distinguishes regular users from administrators on an authenticated principal
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

func ParseRole(v string) (Role, bool) {
	role := Role(strings.ToUpper(strings.TrimSpace(v)))
	return role, role.Valid()
}

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAdmin:
		return true
	}
	return false
}

// Principal is the authenticated caller of an operation
type Principal struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

func (p Principal) IsAdmin() bool {
	switch p.Role {
	case RoleAdmin:
		return true
	case RoleUser:
		return false
	}
	return false
}
