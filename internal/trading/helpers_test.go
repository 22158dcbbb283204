package trading

import (
	"context"
	"testing"
	"time"

	"github.com/ksred/papertrade/internal/database"
	"github.com/ksred/papertrade/internal/ledger"
	"github.com/ksred/papertrade/internal/portfolio"
	"github.com/ksred/papertrade/internal/pricing"
	"github.com/ksred/papertrade/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type harness struct {
	db     *gorm.DB
	ledger *ledger.Ledger
	book   *portfolio.Book
	prices *pricing.StaticOracle
	svc    *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	l := ledger.New()
	book := portfolio.NewBook()
	prices := pricing.NewStaticOracle(nil)
	return &harness{
		db:     db,
		ledger: l,
		book:   book,
		prices: prices,
		svc:    NewService(db, l, book, pricing.WithTimeout(prices, time.Second)),
	}
}

// fund opens an account for userID holding available cash
func (h *harness) fund(t *testing.T, userID, available string) {
	t.Helper()
	if _, err := h.ledger.Open(h.db, userID); err != nil {
		t.Fatalf("open account: %v", err)
	}
	if amount := d(available); amount.IsPositive() {
		if _, err := h.ledger.Credit(h.db, userID, amount); err != nil {
			t.Fatalf("fund account: %v", err)
		}
	}
}

// hold gives userID an existing position
func (h *harness) hold(t *testing.T, userID, ticker string, qty int64, price string) {
	t.Helper()
	if _, err := h.book.Increase(h.db, userID, ticker, qty, d(price)); err != nil {
		t.Fatalf("seed position: %v", err)
	}
}

func (h *harness) submit(t *testing.T, req SubmitRequest) *SubmitResult {
	t.Helper()
	res, err := h.svc.Submit(context.Background(), req, "")
	if err != nil {
		t.Fatalf("submit %+v: %v", req, err)
	}
	return res
}

func (h *harness) order(t *testing.T, orderID string) *types.Order {
	t.Helper()
	o, err := NewDatabase(h.db).GetOrder(orderID)
	if err != nil || o == nil {
		t.Fatalf("load order %s: %v, %v", orderID, o, err)
	}
	return o
}

func (h *harness) assertAccount(t *testing.T, userID, available, frozen string) {
	t.Helper()
	a, err := h.ledger.Get(h.db, userID)
	if err != nil {
		t.Fatalf("load account: %v", err)
	}
	if !a.AvailableBalance.Equal(d(available)) || !a.FrozenBalance.Equal(d(frozen)) {
		t.Fatalf("account %s = available %s frozen %s, want available %s frozen %s",
			userID, a.AvailableBalance, a.FrozenBalance, available, frozen)
	}
	if a.AvailableBalance.IsNegative() || a.FrozenBalance.IsNegative() {
		t.Fatalf("negative balance: %+v", a)
	}
}

func (h *harness) assertPosition(t *testing.T, userID, ticker string, qty int64, avg string) {
	t.Helper()
	p, err := h.book.Get(h.db, userID, ticker)
	if err != nil {
		t.Fatalf("load position: %v", err)
	}
	if qty == 0 {
		if p != nil {
			t.Fatalf("position %s/%s = %d, want none", userID, ticker, p.Quantity)
		}
		return
	}
	if p == nil {
		t.Fatalf("position %s/%s missing, want %d @ %s", userID, ticker, qty, avg)
	}
	if p.Quantity != qty || !p.AveragePrice.Equal(d(avg)) {
		t.Fatalf("position %s/%s = %d @ %s, want %d @ %s", userID, ticker, p.Quantity, p.AveragePrice, qty, avg)
	}
}

func (h *harness) tradeCount(t *testing.T, orderID string) int64 {
	t.Helper()
	var n int64
	if err := h.db.Model(&types.TradeRecord{}).Where("order_id = ?", orderID).Count(&n).Error; err != nil {
		t.Fatalf("count trades: %v", err)
	}
	return n
}

// trade returns the fill recorded for orderID, or nil
func (h *harness) trade(t *testing.T, orderID string) *types.TradeRecord {
	t.Helper()
	tr, err := NewDatabase(h.db).GetTradeByOrder(orderID)
	if err != nil {
		t.Fatalf("load trade for %s: %v", orderID, err)
	}
	return tr
}

func limitBuy(user, ticker, qty, limit string) SubmitRequest {
	return SubmitRequest{UserID: user, Ticker: ticker, Side: "BUY", ExecutionType: "LIMIT", Quantity: qty, LimitPrice: limit}
}

func limitSell(user, ticker, qty, limit string) SubmitRequest {
	return SubmitRequest{UserID: user, Ticker: ticker, Side: "SELL", ExecutionType: "LIMIT", Quantity: qty, LimitPrice: limit}
}

func marketBuy(user, ticker, qty string) SubmitRequest {
	return SubmitRequest{UserID: user, Ticker: ticker, Side: "BUY", ExecutionType: "MARKET", Quantity: qty}
}

func marketSell(user, ticker, qty string) SubmitRequest {
	return SubmitRequest{UserID: user, Ticker: ticker, Side: "SELL", ExecutionType: "MARKET", Quantity: qty}
}
