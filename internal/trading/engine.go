package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/papertrade/internal/ledger"
	"github.com/ksred/papertrade/internal/portfolio"
	"github.com/ksred/papertrade/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ExecutionResult reports the outcome of one execution attempt. Status is
// EXECUTED on a fill or FAILED when the failure was recorded on the order.
type ExecutionResult struct {
	OrderID   string            `json:"order_id"`
	TradeID   string            `json:"trade_id,omitempty"`
	Status    types.OrderStatus `json:"status"`
	FillPrice decimal.Decimal   `json:"fill_price"`
	Quantity  int64             `json:"quantity"`
	Amount    decimal.Decimal   `json:"amount"`
	Refund    decimal.Decimal   `json:"refund"`
	Remark    string            `json:"remark,omitempty"`
}

// Engine fills pending orders against a reference price
type Engine struct {
	db     *Database
	ledger *ledger.Ledger
	book   *portfolio.Book
	closer *closer
}

func NewEngine(gormDB *gorm.DB, l *ledger.Ledger, book *portfolio.Book) *Engine {
	db := NewDatabase(gormDB)
	return &Engine{
		db:     db,
		ledger: l,
		book:   book,
		closer: &closer{db: db, ledger: l},
	}
}

// Eligible reports whether order may fill at price. MARKET orders always
// may; a LIMIT BUY needs price <= limit and a LIMIT SELL price >= limit.
func Eligible(order *types.Order, price decimal.Decimal) bool {
	switch order.ExecutionType {
	case types.ExecutionTypeMarket:
		return true
	case types.ExecutionTypeLimit:
		if order.LimitPrice == nil {
			return false
		}
		switch order.Side {
		case types.OrderSideBuy:
			return price.LessThanOrEqual(*order.LimitPrice)
		case types.OrderSideSell:
			return price.GreaterThanOrEqual(*order.LimitPrice)
		}
	}
	return false
}

// executionFailure reports errors that are the order's fault rather than the
// store's, so they are recorded on the order even if no lock was taken
func executionFailure(err error) bool {
	return errors.Is(err, ledger.ErrInsufficientFunds) ||
		errors.Is(err, ledger.ErrAccountNotFound) ||
		errors.Is(err, ledger.ErrInvariantViolation) ||
		errors.Is(err, portfolio.ErrInsufficientHoldings) ||
		errors.Is(err, portfolio.ErrInvalidFill)
}

// Execute fills order at fillPrice in one transaction: lock Account, Order
// and Position in that order, move cash and shares, insert the trade record
// and mark the order EXECUTED last. If anything fails after the order was
// confirmed PENDING, the transaction rolls back and a separate transaction
// marks the order FAILED; the result then has status FAILED and err is nil.
//
// ErrAlreadyProcessed means another transaction closed the order first.
func (e *Engine) Execute(ctx context.Context, order *types.Order, fillPrice decimal.Decimal) (*ExecutionResult, error) {
	logger := log.With().
		Str("service", "execution_engine").
		Str("order_id", order.OrderID).
		Str("user_id", order.UserID).
		Str("ticker", order.Ticker).
		Logger()

	if !fillPrice.IsPositive() {
		return nil, ErrInvalidFillPrice
	}
	if !Eligible(order, fillPrice) {
		return nil, fmt.Errorf("%w: %s at %s", ErrLimitNotReached, order.OrderID, fillPrice)
	}

	var (
		locked bool
		result *ExecutionResult
	)
	err := e.db.Transaction(ctx, func(tx *gorm.DB) error {
		store := e.db.with(tx)

		if _, err := e.ledger.Lock(tx, order.UserID); err != nil {
			return err
		}
		current, err := store.LockOrder(order.OrderID)
		if err != nil {
			return err
		}
		if current == nil {
			return ErrNotFound
		}
		if current.Status != types.OrderStatusPending {
			return ErrAlreadyProcessed
		}
		locked = true

		qty := decimal.NewFromInt(current.Quantity)
		total := fillPrice.Mul(qty)
		refund := decimal.Zero

		switch current.Side {
		case types.OrderSideBuy:
			switch current.ExecutionType {
			case types.ExecutionTypeLimit:
				refund, err = e.ledger.SettleBuy(tx, current.UserID, current.ReservedAmount, total)
			case types.ExecutionTypeMarket:
				_, err = e.ledger.Debit(tx, current.UserID, total)
			default:
				err = fmt.Errorf("unknown execution type %q", current.ExecutionType)
			}
			if err != nil {
				return err
			}
			if _, err := e.book.Increase(tx, current.UserID, current.Ticker, current.Quantity, fillPrice); err != nil {
				return err
			}
		case types.OrderSideSell:
			if _, err := e.book.Decrease(tx, current.UserID, current.Ticker, current.Quantity); err != nil {
				return err
			}
			if _, err := e.ledger.Credit(tx, current.UserID, total); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown order side %q", current.Side)
		}

		now := time.Now()
		trade := &types.TradeRecord{
			TradeID:    "TRD_" + uuid.New().String(),
			OrderID:    current.OrderID,
			UserID:     current.UserID,
			Ticker:     current.Ticker,
			Side:       current.Side,
			Price:      fillPrice,
			Quantity:   current.Quantity,
			Amount:     total,
			Status:     types.TradeStatusCompleted,
			ExecutedAt: now,
		}
		if err := store.CreateTrade(trade); err != nil {
			return fmt.Errorf("failed to record trade: %w", err)
		}

		if err := store.TransitionOrder(current.OrderID, types.OrderStatusExecuted, "", &now); err != nil {
			return err
		}

		result = &ExecutionResult{
			OrderID:   current.OrderID,
			TradeID:   trade.TradeID,
			Status:    types.OrderStatusExecuted,
			FillPrice: fillPrice,
			Quantity:  current.Quantity,
			Amount:    total,
			Refund:    refund,
		}
		return nil
	})
	if err == nil {
		logger.Info().
			Str("trade_id", result.TradeID).
			Str("fill_price", fillPrice.String()).
			Str("amount", result.Amount.String()).
			Msg("order executed")
		return result, nil
	}

	if errors.Is(err, ErrAlreadyProcessed) || errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if !locked && !executionFailure(err) {
		return nil, fmt.Errorf("execute order %s: %w", order.OrderID, err)
	}

	logger.Warn().Err(err).Msg("execution failed, recording failure")
	return e.fail(ctx, order, fillPrice, err)
}

// fail records an execution failure in its own transaction, releasing any
// reservation the order still holds
func (e *Engine) fail(ctx context.Context, order *types.Order, fillPrice decimal.Decimal, cause error) (*ExecutionResult, error) {
	remark := "execution failed: " + cause.Error()

	closed, err := e.closer.close(ctx, order.OrderID, closeOptions{
		status:            types.OrderStatusFailed,
		remark:            remark,
		keepOnLedgerFault: true,
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			return nil, err
		}
		return nil, fmt.Errorf("record failure of order %s: %w (cause: %v)", order.OrderID, err, cause)
	}

	return &ExecutionResult{
		OrderID:   closed.OrderID,
		Status:    closed.Status,
		FillPrice: fillPrice,
		Quantity:  closed.Quantity,
		Remark:    closed.Remark,
	}, nil
}
