package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Balance is the available/frozen split of an account. The functions below
// are pure: they return the next balance or an error and never touch storage.
type Balance struct {
	Available decimal.Decimal
	Frozen    decimal.Decimal
}

func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Frozen)
}

// check enforces that neither component is negative
func (b Balance) check() error {
	if b.Available.IsNegative() || b.Frozen.IsNegative() {
		return fmt.Errorf("%w: negative balance available=%s frozen=%s", ErrInvariantViolation, b.Available, b.Frozen)
	}
	return nil
}

func requirePositive(op string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s amount must be positive, got %s", ErrInvariantViolation, op, amount)
	}
	return nil
}

func freeze(b Balance, amount decimal.Decimal) (Balance, error) {
	if err := requirePositive("freeze", amount); err != nil {
		return b, err
	}
	if b.Available.LessThan(amount) {
		return b, fmt.Errorf("%w: available %s, required %s", ErrInsufficientFunds, b.Available, amount)
	}
	return Balance{Available: b.Available.Sub(amount), Frozen: b.Frozen.Add(amount)}, nil
}

func unfreeze(b Balance, amount decimal.Decimal) (Balance, error) {
	if err := requirePositive("unfreeze", amount); err != nil {
		return b, err
	}
	if b.Frozen.LessThan(amount) {
		return b, fmt.Errorf("%w: unfreeze %s exceeds frozen %s", ErrInvariantViolation, amount, b.Frozen)
	}
	return Balance{Available: b.Available.Add(amount), Frozen: b.Frozen.Sub(amount)}, nil
}

// settleBuy consumes frozenAmount and returns the refund credited back to
// available when the fill cost less than was reserved.
func settleBuy(b Balance, frozenAmount, actualAmount decimal.Decimal) (Balance, decimal.Decimal, error) {
	if err := requirePositive("settle", frozenAmount); err != nil {
		return b, decimal.Zero, err
	}
	if actualAmount.IsNegative() {
		return b, decimal.Zero, fmt.Errorf("%w: settle actual amount %s is negative", ErrInvariantViolation, actualAmount)
	}
	if actualAmount.GreaterThan(frozenAmount) {
		return b, decimal.Zero, fmt.Errorf("%w: fill cost %s exceeds reservation %s", ErrInvariantViolation, actualAmount, frozenAmount)
	}
	if b.Frozen.LessThan(frozenAmount) {
		return b, decimal.Zero, fmt.Errorf("%w: settle %s exceeds frozen %s", ErrInvariantViolation, frozenAmount, b.Frozen)
	}
	refund := frozenAmount.Sub(actualAmount)
	return Balance{Available: b.Available.Add(refund), Frozen: b.Frozen.Sub(frozenAmount)}, refund, nil
}

func credit(b Balance, amount decimal.Decimal) (Balance, error) {
	if err := requirePositive("credit", amount); err != nil {
		return b, err
	}
	return Balance{Available: b.Available.Add(amount), Frozen: b.Frozen}, nil
}

func debit(b Balance, amount decimal.Decimal) (Balance, error) {
	if err := requirePositive("debit", amount); err != nil {
		return b, err
	}
	if b.Available.LessThan(amount) {
		return b, fmt.Errorf("%w: available %s, required %s", ErrInsufficientFunds, b.Available, amount)
	}
	return Balance{Available: b.Available.Sub(amount), Frozen: b.Frozen}, nil
}

// debitFrozen removes reserved cash from the account entirely (an approved withdrawal)
func debitFrozen(b Balance, amount decimal.Decimal) (Balance, error) {
	if err := requirePositive("withdraw", amount); err != nil {
		return b, err
	}
	if b.Frozen.LessThan(amount) {
		return b, fmt.Errorf("%w: withdraw %s exceeds frozen %s", ErrInvariantViolation, amount, b.Frozen)
	}
	return Balance{Available: b.Available, Frozen: b.Frozen.Sub(amount)}, nil
}
