package ledger

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertBalance(t *testing.T, b Balance, available, frozen string) {
	t.Helper()
	if !b.Available.Equal(d(available)) || !b.Frozen.Equal(d(frozen)) {
		t.Fatalf("balance = available %s frozen %s, want available %s frozen %s", b.Available, b.Frozen, available, frozen)
	}
}

func TestFreezeUnfreeze_RoundTrip(t *testing.T) {
	start := Balance{Available: d("1000"), Frozen: d("25.5")}

	frozen, err := freeze(start, d("500"))
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	assertBalance(t, frozen, "500", "525.5")
	if !frozen.Total().Equal(start.Total()) {
		t.Errorf("total changed from %s to %s", start.Total(), frozen.Total())
	}

	back, err := unfreeze(frozen, d("500"))
	if err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	assertBalance(t, back, "1000", "25.5")
}

func TestFreeze_InsufficientFunds(t *testing.T) {
	_, err := freeze(Balance{Available: d("10"), Frozen: decimal.Zero}, d("10.0001"))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
}

func TestUnfreeze_MoreThanFrozenIsInvariantViolation(t *testing.T) {
	_, err := unfreeze(Balance{Available: d("100"), Frozen: d("5")}, d("6"))
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("err = %v, want ErrInvariantViolation", err)
	}
}

func TestSettleBuy_RefundsBetterPrice(t *testing.T) {
	b := Balance{Available: d("500"), Frozen: d("500")}

	next, refund, err := settleBuy(b, d("500"), d("480"))
	if err != nil {
		t.Fatalf("settleBuy: %v", err)
	}
	if !refund.Equal(d("20")) {
		t.Errorf("refund = %s, want 20", refund)
	}
	assertBalance(t, next, "520", "0")
}

func TestSettleBuy_ExactFillNoRefund(t *testing.T) {
	next, refund, err := settleBuy(Balance{Available: d("0"), Frozen: d("300")}, d("300"), d("300"))
	if err != nil {
		t.Fatalf("settleBuy: %v", err)
	}
	if !refund.IsZero() {
		t.Errorf("refund = %s, want 0", refund)
	}
	assertBalance(t, next, "0", "0")
}

func TestSettleBuy_Invariants(t *testing.T) {
	b := Balance{Available: d("100"), Frozen: d("50")}
	cases := []struct {
		name           string
		frozen, actual string
	}{
		{"cost above reservation", "50", "51"},
		{"reservation above frozen", "60", "40"},
		{"zero reservation", "0", "0"},
		{"negative cost", "50", "-1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := settleBuy(b, d(tc.frozen), d(tc.actual)); !errors.Is(err, ErrInvariantViolation) {
				t.Errorf("err = %v, want ErrInvariantViolation", err)
			}
		})
	}
}

func TestCreditDebit(t *testing.T) {
	b := Balance{Available: d("100"), Frozen: d("0")}

	b, err := debit(b, d("100"))
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	assertBalance(t, b, "0", "0")

	if _, err := debit(b, d("0.01")); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("debit on empty account err = %v, want ErrInsufficientFunds", err)
	}

	b, err = credit(b, d("42.42"))
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	assertBalance(t, b, "42.42", "0")
}

func TestNonPositiveAmountsRejected(t *testing.T) {
	b := Balance{Available: d("100"), Frozen: d("100")}
	ops := map[string]func(decimal.Decimal) error{
		"freeze":   func(a decimal.Decimal) error { _, err := freeze(b, a); return err },
		"unfreeze": func(a decimal.Decimal) error { _, err := unfreeze(b, a); return err },
		"credit":   func(a decimal.Decimal) error { _, err := credit(b, a); return err },
		"debit":    func(a decimal.Decimal) error { _, err := debit(b, a); return err },
		"withdraw": func(a decimal.Decimal) error { _, err := debitFrozen(b, a); return err },
	}
	for name, op := range ops {
		for _, amount := range []string{"0", "-5"} {
			if err := op(d(amount)); !errors.Is(err, ErrInvariantViolation) {
				t.Errorf("%s(%s) err = %v, want ErrInvariantViolation", name, amount, err)
			}
		}
	}
}

func TestBalanceCheck(t *testing.T) {
	if err := (Balance{Available: d("-1"), Frozen: d("1")}).check(); !errors.Is(err, ErrInvariantViolation) {
		t.Errorf("negative available passed check: %v", err)
	}
	if err := (Balance{Available: d("0"), Frozen: d("0")}).check(); err != nil {
		t.Errorf("zero balance failed check: %v", err)
	}
}
