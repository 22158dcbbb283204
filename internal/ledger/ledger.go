// Package ledger owns users' cash balances. Every operation runs inside the
// caller's transaction, re-reads the account row under a row lock and never
// commits on its own.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/ksred/papertrade/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInvariantViolation = errors.New("ledger invariant violation")
	ErrInvalidAmount      = errors.New("amount must be a positive number")
	ErrInvalidState       = errors.New("fund transaction already processed")
)

// Ledger is stateless; it exists so callers receive it as a dependency
type Ledger struct{}

func New() *Ledger {
	return &Ledger{}
}

// Open creates a zero-balance account for userID if none exists
func (l *Ledger) Open(tx *gorm.DB, userID string) (*types.Account, error) {
	account := types.Account{
		UserID:           userID,
		AvailableBalance: decimal.Zero,
		FrozenBalance:    decimal.Zero,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&account).Error
	if err != nil {
		return nil, fmt.Errorf("failed to open account: %w", err)
	}
	return l.Get(tx, userID)
}

// Get reads the account without locking it
func (l *Ledger) Get(tx *gorm.DB, userID string) (*types.Account, error) {
	var account types.Account
	if err := tx.Where("user_id = ?", userID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, userID)
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return &account, nil
}

// Lock reads the account with SELECT ... FOR UPDATE. The lock is held until
// the surrounding transaction ends.
func (l *Ledger) Lock(tx *gorm.DB, userID string) (*types.Account, error) {
	var account types.Account
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, userID)
		}
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}
	return &account, nil
}

// Freeze moves amount from available to frozen
func (l *Ledger) Freeze(tx *gorm.DB, userID string, amount decimal.Decimal) (*types.Account, error) {
	return l.mutate(tx, userID, "freeze", func(b Balance) (Balance, error) {
		return freeze(b, amount)
	})
}

// Unfreeze moves amount from frozen back to available
func (l *Ledger) Unfreeze(tx *gorm.DB, userID string, amount decimal.Decimal) (*types.Account, error) {
	return l.mutate(tx, userID, "unfreeze", func(b Balance) (Balance, error) {
		return unfreeze(b, amount)
	})
}

// SettleBuy releases frozenAmount for a filled limit buy and refunds
// frozenAmount-actualAmount to available. It returns the refund.
func (l *Ledger) SettleBuy(tx *gorm.DB, userID string, frozenAmount, actualAmount decimal.Decimal) (decimal.Decimal, error) {
	var refund decimal.Decimal
	_, err := l.mutate(tx, userID, "settle_buy", func(b Balance) (Balance, error) {
		next, r, err := settleBuy(b, frozenAmount, actualAmount)
		refund = r
		return next, err
	})
	if err != nil {
		return decimal.Zero, err
	}
	return refund, nil
}

func (l *Ledger) Credit(tx *gorm.DB, userID string, amount decimal.Decimal) (*types.Account, error) {
	return l.mutate(tx, userID, "credit", func(b Balance) (Balance, error) {
		return credit(b, amount)
	})
}

func (l *Ledger) Debit(tx *gorm.DB, userID string, amount decimal.Decimal) (*types.Account, error) {
	return l.mutate(tx, userID, "debit", func(b Balance) (Balance, error) {
		return debit(b, amount)
	})
}

// DebitFrozen removes previously frozen cash from the account
func (l *Ledger) DebitFrozen(tx *gorm.DB, userID string, amount decimal.Decimal) (*types.Account, error) {
	return l.mutate(tx, userID, "debit_frozen", func(b Balance) (Balance, error) {
		return debitFrozen(b, amount)
	})
}

// mutate is the single write path for account balances
func (l *Ledger) mutate(tx *gorm.DB, userID, op string, apply func(Balance) (Balance, error)) (*types.Account, error) {
	logger := log.With().Str("service", "ledger").Str("op", op).Str("user_id", userID).Logger()

	account, err := l.Lock(tx, userID)
	if err != nil {
		return nil, err
	}

	current := Balance{Available: account.AvailableBalance, Frozen: account.FrozenBalance}
	next, err := apply(current)
	if err == nil {
		err = next.check()
	}
	if err != nil {
		if errors.Is(err, ErrInvariantViolation) {
			logger.Error().Err(err).
				Str("available", current.Available.String()).
				Str("frozen", current.Frozen.String()).
				Msg("ledger invariant violation")
		}
		return nil, err
	}

	now := time.Now()
	result := tx.Model(&types.Account{}).
		Where("id = ?", account.ID).
		Updates(map[string]interface{}{
			"available_balance": next.Available,
			"frozen_balance":    next.Frozen,
			"updated_at":        now,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to update account: %w", result.Error)
	}

	account.AvailableBalance = next.Available
	account.FrozenBalance = next.Frozen
	account.UpdatedAt = now

	logger.Debug().
		Str("available", next.Available.String()).
		Str("frozen", next.Frozen.String()).
		Msg("account updated")
	return account, nil
}
