package trading

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ksred/papertrade/internal/types"
)

// Scenario: a pending LIMIT BUY 10 @ 50 fills at 48 during a scan.
func TestExecute_LimitBuyBetterPriceRefundsDifference(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "u1", "1000")
	h.prices.Set("TICK", d("55"))

	res := h.submit(t, limitBuy("u1", "TICK", "10", "50"))
	if res.Status != types.OrderStatusPending {
		t.Fatalf("status = %s, want PENDING", res.Status)
	}

	result, err := h.svc.Engine().Execute(context.Background(), h.order(t, res.OrderID), d("48"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Status != types.OrderStatusExecuted {
		t.Fatalf("result = %+v", result)
	}
	if !result.Amount.Equal(d("480")) || !result.Refund.Equal(d("20")) {
		t.Errorf("amount %s refund %s, want 480 and 20", result.Amount, result.Refund)
	}

	h.assertAccount(t, "u1", "520", "0")
	h.assertPosition(t, "u1", "TICK", 10, "48")

	o := h.order(t, res.OrderID)
	if o.Status != types.OrderStatusExecuted || o.ExecutedAt == nil {
		t.Errorf("order = %s executed_at %v", o.Status, o.ExecutedAt)
	}

	var trades []types.TradeRecord
	h.db.Where("order_id = ?", res.OrderID).Find(&trades)
	if len(trades) != 1 || !trades[0].Amount.Equal(d("480")) || !trades[0].Price.Equal(d("48")) || trades[0].Status != types.TradeStatusCompleted {
		t.Errorf("trades = %+v", trades)
	}
}

func TestExecute_AtMostOnce(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "u1", "1000")
	h.prices.Set("TICK", d("55"))
	res := h.submit(t, limitBuy("u1", "TICK", "10", "50"))
	order := h.order(t, res.OrderID)

	if _, err := h.svc.Engine().Execute(context.Background(), order, d("50")); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	// the stale copy still says PENDING; the store does not
	if _, err := h.svc.Engine().Execute(context.Background(), order, d("49")); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("second execute err = %v, want ErrAlreadyProcessed", err)
	}

	if n := h.tradeCount(t, res.OrderID); n != 1 {
		t.Errorf("trades = %d, want 1", n)
	}
	if tr := h.trade(t, res.OrderID); tr == nil || !tr.Price.Equal(d("50")) || tr.Quantity != 10 || !tr.Amount.Equal(d("500")) {
		t.Errorf("trade = %+v, want the first fill 10 @ 50", tr)
	}
	h.assertAccount(t, "u1", "500", "0")
	h.assertPosition(t, "u1", "TICK", 10, "50")
}

func TestExecute_SellRaceRecordsFailure(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "u1", "0")
	h.hold(t, "u1", "TICK", 10, "40")
	h.prices.Set("TICK", d("90"))

	res := h.submit(t, limitSell("u1", "TICK", "10", "100"))
	if res.Status != types.OrderStatusPending {
		t.Fatalf("status = %s, want PENDING", res.Status)
	}

	// holdings shrink between submission and execution
	if _, err := h.book.Decrease(h.db, "u1", "TICK", 5); err != nil {
		t.Fatal(err)
	}

	result, err := h.svc.Engine().Execute(context.Background(), h.order(t, res.OrderID), d("100"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Status != types.OrderStatusFailed || !strings.Contains(result.Remark, "insufficient holdings") {
		t.Fatalf("result = %+v", result)
	}

	o := h.order(t, res.OrderID)
	if o.Status != types.OrderStatusFailed || o.Remark == "" {
		t.Errorf("order = %s %q", o.Status, o.Remark)
	}
	if n := h.tradeCount(t, res.OrderID); n != 0 {
		t.Errorf("trades = %d, want 0", n)
	}
	h.assertAccount(t, "u1", "0", "0")
	h.assertPosition(t, "u1", "TICK", 5, "40")
}

func TestExecute_MarketBuyInsufficientFundsFails(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "u1", "10")

	res := h.submit(t, marketBuy("u1", "TICK", "5"))
	if res.Status != types.OrderStatusPending {
		t.Fatalf("status = %s, want PENDING without a quote", res.Status)
	}

	result, err := h.svc.Engine().Execute(context.Background(), h.order(t, res.OrderID), d("20"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Status != types.OrderStatusFailed {
		t.Fatalf("result = %+v", result)
	}
	h.assertAccount(t, "u1", "10", "0")
	h.assertPosition(t, "u1", "TICK", 0, "")
}

func TestExecute_LedgerFaultStillFailsOrder(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "u1", "1000")
	h.prices.Set("TICK", d("55"))
	res := h.submit(t, limitBuy("u1", "TICK", "10", "50"))

	// corrupt the reservation so neither settlement nor release can succeed
	if err := h.db.Model(&types.Account{}).Where("user_id = ?", "u1").Update("frozen_balance", d("0")).Error; err != nil {
		t.Fatal(err)
	}

	result, err := h.svc.Engine().Execute(context.Background(), h.order(t, res.OrderID), d("50"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Status != types.OrderStatusFailed || !strings.Contains(result.Remark, "not released") {
		t.Fatalf("result = %+v", result)
	}
	h.assertAccount(t, "u1", "500", "0")
	h.assertPosition(t, "u1", "TICK", 0, "")
}

func TestExecute_PreconditionsLeaveOrderUntouched(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "u1", "1000")
	h.prices.Set("TICK", d("55"))
	res := h.submit(t, limitBuy("u1", "TICK", "10", "50"))
	order := h.order(t, res.OrderID)

	if _, err := h.svc.Engine().Execute(context.Background(), order, d("0")); !errors.Is(err, ErrInvalidFillPrice) {
		t.Errorf("zero price err = %v", err)
	}
	if _, err := h.svc.Engine().Execute(context.Background(), order, d("50.01")); !errors.Is(err, ErrLimitNotReached) {
		t.Errorf("above limit err = %v", err)
	}
	if o := h.order(t, res.OrderID); o.Status != types.OrderStatusPending {
		t.Errorf("status = %s, want PENDING", o.Status)
	}
	h.assertAccount(t, "u1", "500", "500")
}

func TestExecute_SellClosesPositionAndCredits(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "u1", "0")
	h.hold(t, "u1", "TICK", 10, "40")

	res := h.submit(t, marketSell("u1", "TICK", "10"))
	result, err := h.svc.Engine().Execute(context.Background(), h.order(t, res.OrderID), d("45.5"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Status != types.OrderStatusExecuted || !result.Amount.Equal(d("455")) {
		t.Fatalf("result = %+v", result)
	}
	h.assertAccount(t, "u1", "455", "0")
	h.assertPosition(t, "u1", "TICK", 0, "")
}

func TestEligible(t *testing.T) {
	limit := d("50")
	cases := []struct {
		order types.Order
		price string
		want  bool
	}{
		{types.Order{Side: types.OrderSideBuy, ExecutionType: types.ExecutionTypeMarket}, "999", true},
		{types.Order{Side: types.OrderSideSell, ExecutionType: types.ExecutionTypeMarket}, "1", true},
		{types.Order{Side: types.OrderSideBuy, ExecutionType: types.ExecutionTypeLimit, LimitPrice: &limit}, "50", true},
		{types.Order{Side: types.OrderSideBuy, ExecutionType: types.ExecutionTypeLimit, LimitPrice: &limit}, "50.0001", false},
		{types.Order{Side: types.OrderSideSell, ExecutionType: types.ExecutionTypeLimit, LimitPrice: &limit}, "50", true},
		{types.Order{Side: types.OrderSideSell, ExecutionType: types.ExecutionTypeLimit, LimitPrice: &limit}, "49.9999", false},
		{types.Order{Side: types.OrderSideBuy, ExecutionType: types.ExecutionTypeLimit}, "1", false},
	}
	for _, tc := range cases {
		if got := Eligible(&tc.order, d(tc.price)); got != tc.want {
			t.Errorf("Eligible(%s %s, %s) = %v, want %v", tc.order.Side, tc.order.ExecutionType, tc.price, got, tc.want)
		}
	}
}
