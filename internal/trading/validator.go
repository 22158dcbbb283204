package trading

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ksred/papertrade/internal/ledger"
	"github.com/ksred/papertrade/internal/portfolio"
	"github.com/ksred/papertrade/internal/types"
	"github.com/shopspring/decimal"
)

// SubmitRequest is an order request as received from a client. Numeric
// fields are kept as text so malformed input is reported, not coerced.
type SubmitRequest struct {
	UserID        string
	Ticker        string
	Side          string
	ExecutionType string
	Quantity      string
	LimitPrice    string
}

// OrderParams is a structurally valid, normalized order request
type OrderParams struct {
	UserID        string
	Ticker        string
	Side          types.OrderSide
	ExecutionType types.ExecutionType
	Quantity      int64
	LimitPrice    *decimal.Decimal
}

// Reservation is the cash a LIMIT BUY freezes at submission
func (p OrderParams) Reservation() decimal.Decimal {
	if p.Side != types.OrderSideBuy || p.ExecutionType != types.ExecutionTypeLimit || p.LimitPrice == nil {
		return decimal.Zero
	}
	return p.LimitPrice.Mul(decimal.NewFromInt(p.Quantity))
}

// BusinessRejection means the request was well formed but the order cannot
// proceed. The order is still recorded, in a terminal status.
type BusinessRejection struct {
	Status types.OrderStatus
	Reason string
}

type ValidationResult struct {
	Params    OrderParams
	Rejection *BusinessRejection
}

// ValidateRequest runs the strict checks. It has no side effects and returns
// a *RequestError on failure.
func ValidateRequest(req SubmitRequest) (OrderParams, error) {
	var missing []string
	if strings.TrimSpace(req.UserID) == "" {
		missing = append(missing, "user_id")
	}
	if strings.TrimSpace(req.Ticker) == "" {
		missing = append(missing, "ticker")
	}
	if strings.TrimSpace(req.Side) == "" {
		missing = append(missing, "side")
	}
	if strings.TrimSpace(req.ExecutionType) == "" {
		missing = append(missing, "execution_type")
	}
	if strings.TrimSpace(req.Quantity) == "" {
		missing = append(missing, "quantity")
	}
	if len(missing) > 0 {
		return OrderParams{}, missingFields(missing)
	}

	ticker := strings.ToUpper(strings.TrimSpace(req.Ticker))
	if !types.ValidTicker(ticker) {
		return OrderParams{}, invalidField("ticker", "ticker must be 1-10 letters, digits, '.' or '-'")
	}

	side, ok := types.ParseOrderSide(req.Side)
	if !ok {
		return OrderParams{}, invalidField("side", "side must be BUY or SELL")
	}
	kind, ok := types.ParseExecutionType(req.ExecutionType)
	if !ok {
		return OrderParams{}, invalidField("execution_type", "execution_type must be MARKET or LIMIT")
	}

	qty, err := strconv.ParseInt(strings.TrimSpace(req.Quantity), 10, 64)
	if err != nil || qty <= 0 {
		return OrderParams{}, invalidField("quantity", "quantity must be a positive integer")
	}

	params := OrderParams{
		UserID:        strings.TrimSpace(req.UserID),
		Ticker:        ticker,
		Side:          side,
		ExecutionType: kind,
		Quantity:      qty,
	}

	rawLimit := strings.TrimSpace(req.LimitPrice)
	switch kind {
	case types.ExecutionTypeLimit:
		if rawLimit == "" {
			return OrderParams{}, invalidField("limit_price", "limit orders require a limit_price")
		}
		limit, err := decimal.NewFromString(rawLimit)
		if err != nil || !limit.IsPositive() {
			return OrderParams{}, invalidField("limit_price", "limit_price must be a positive number")
		}
		if !types.FitsMoneyScale(limit) {
			return OrderParams{}, invalidField("limit_price", "limit_price allows at most 4 decimal places")
		}
		params.LimitPrice = &limit
	case types.ExecutionTypeMarket:
		if rawLimit != "" {
			return OrderParams{}, invalidField("limit_price", "market orders must not carry a limit_price")
		}
	}

	return params, nil
}

// Validator runs the strict checks and then the business checks that need
// the store
type Validator struct {
	db     *Database
	ledger *ledger.Ledger
	book   *portfolio.Book
}

func NewValidator(db *Database, l *ledger.Ledger, book *portfolio.Book) *Validator {
	return &Validator{db: db, ledger: l, book: book}
}

// Validate returns a *RequestError for malformed requests. Business failures
// are reported in ValidationResult.Rejection with a nil error.
func (v *Validator) Validate(ctx context.Context, req SubmitRequest) (ValidationResult, error) {
	params, err := ValidateRequest(req)
	if err != nil {
		return ValidationResult{}, err
	}

	if _, err := v.ledger.Get(v.db.db.WithContext(ctx), params.UserID); err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return ValidationResult{Params: params, Rejection: &BusinessRejection{
				Status: types.OrderStatusRejected,
				Reason: "no trading account for user",
			}}, nil
		}
		return ValidationResult{}, err
	}

	switch params.Side {
	case types.OrderSideSell:
		rejection, err := v.checkHoldings(ctx, params)
		if err != nil {
			return ValidationResult{}, err
		}
		return ValidationResult{Params: params, Rejection: rejection}, nil
	case types.OrderSideBuy:
		// funds are reserved, and checked, inside the submission transaction
	}
	return ValidationResult{Params: params}, nil
}

// checkHoldings requires the position minus shares already promised to other
// pending sells to cover the request
func (v *Validator) checkHoldings(ctx context.Context, p OrderParams) (*BusinessRejection, error) {
	tx := v.db.db.WithContext(ctx)
	position, err := v.book.Get(tx, p.UserID, p.Ticker)
	if err != nil {
		return nil, err
	}
	var held int64
	if position != nil {
		held = position.Quantity
	}

	promised, err := v.db.WithContext(ctx).PendingSellQuantity(p.UserID, p.Ticker, "")
	if err != nil {
		return nil, err
	}

	if free := held - promised; free < p.Quantity {
		return &BusinessRejection{
			Status: types.OrderStatusRejected,
			Reason: fmt.Sprintf("insufficient holdings: %d %s available, %d requested", max(free, 0), p.Ticker, p.Quantity),
		}, nil
	}
	return nil, nil
}
