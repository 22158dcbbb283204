package trading

import (
	"context"
	"errors"

	"github.com/ksred/papertrade/internal/ledger"
	"github.com/ksred/papertrade/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// closer ends a pending order without a fill: cancellation, admin rejection
// and recorded execution failures all go through close.
type closer struct {
	db     *Database
	ledger *ledger.Ledger
}

type closeOptions struct {
	status types.OrderStatus
	remark string
	// authorize inspects the locked order; a non-nil error aborts
	authorize func(*types.Order) error
	// keepOnLedgerFault still closes the order when releasing the reservation
	// hits a ledger invariant violation, noting it in the remark
	keepOnLedgerFault bool
}

// close locks Account then Order, releases a LIMIT BUY reservation and
// transitions the order. It returns the order as stored after the update.
func (c *closer) close(ctx context.Context, orderID string, opts closeOptions) (*types.Order, error) {
	logger := log.With().Str("service", "trading").Str("order_id", orderID).Str("to", string(opts.status)).Logger()

	peek, err := c.db.WithContext(ctx).GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if peek == nil {
		return nil, ErrNotFound
	}

	var closed *types.Order
	err = c.db.Transaction(ctx, func(tx *gorm.DB) error {
		store := c.db.with(tx)

		if _, err := c.ledger.Lock(tx, peek.UserID); err != nil && !errors.Is(err, ledger.ErrAccountNotFound) {
			return err
		}
		order, err := store.LockOrder(orderID)
		if err != nil {
			return err
		}
		if order == nil {
			return ErrNotFound
		}
		if opts.authorize != nil {
			if err := opts.authorize(order); err != nil {
				return err
			}
		}
		if order.Status != types.OrderStatusPending {
			return ErrAlreadyProcessed
		}

		remark := opts.remark
		if order.ReservesFunds() && order.ReservedAmount.IsPositive() {
			if _, err := c.ledger.Unfreeze(tx, order.UserID, order.ReservedAmount); err != nil {
				if !opts.keepOnLedgerFault || !errors.Is(err, ledger.ErrInvariantViolation) {
					return err
				}
				logger.Error().Err(err).
					Str("reserved", order.ReservedAmount.String()).
					Msg("reservation not released for closed order")
				remark += "; reservation of " + order.ReservedAmount.String() + " not released"
			}
		}

		if err := store.TransitionOrder(orderID, opts.status, remark, nil); err != nil {
			return err
		}
		closed, err = store.GetOrder(orderID)
		return err
	})
	if err != nil {
		return nil, err
	}

	logger.Info().Str("user_id", closed.UserID).Msg("order closed")
	return closed, nil
}
