package pricing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/gin-gonic/gin"
	"github.com/ksred/papertrade/internal/database"
	"github.com/shopspring/decimal"
)

type oracleFunc func(ctx context.Context, ticker string) (decimal.Decimal, error)

func (f oracleFunc) Price(ctx context.Context, ticker string) (decimal.Decimal, error) {
	return f(ctx, ticker)
}

func TestWithTimeout_SlowQuoteIsUnavailable(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := oracleFunc(func(ctx context.Context, _ string) (decimal.Decimal, error) {
		<-release
		return decimal.NewFromInt(10), nil
	})

	start := time.Now()
	_, err := WithTimeout(slow, 20*time.Millisecond).Price(context.Background(), "TICK")
	if !errors.Is(err, ErrQuoteUnavailable) {
		t.Fatalf("err = %v, want ErrQuoteUnavailable", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
}

func TestWithTimeout_ErrorsBecomeUnavailable(t *testing.T) {
	cases := map[string]oracleFunc{
		"source error": func(context.Context, string) (decimal.Decimal, error) {
			return decimal.Zero, errors.New("connection refused")
		},
		"zero price": func(context.Context, string) (decimal.Decimal, error) {
			return decimal.Zero, nil
		},
		"negative price": func(context.Context, string) (decimal.Decimal, error) {
			return decimal.NewFromInt(-3), nil
		},
	}
	for name, o := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := WithTimeout(o, time.Second).Price(context.Background(), "TICK"); !errors.Is(err, ErrQuoteUnavailable) {
				t.Errorf("err = %v, want ErrQuoteUnavailable", err)
			}
		})
	}
}

func TestWithTimeout_PassesGoodQuote(t *testing.T) {
	o := NewStaticOracle(map[string]decimal.Decimal{"tick": decimal.RequireFromString("48.5")})
	p, err := WithTimeout(o, time.Second).Price(context.Background(), "TICK")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if !p.Equal(decimal.RequireFromString("48.5")) {
		t.Errorf("price = %s, want 48.5", p)
	}
}

func TestStaticOracle_SetRemove(t *testing.T) {
	o := NewStaticOracle(nil)
	ctx := context.Background()

	if _, err := o.Price(ctx, "AAA"); !errors.Is(err, ErrQuoteUnavailable) {
		t.Fatalf("unset err = %v", err)
	}
	o.Set("aaa", decimal.NewFromInt(7))
	if p, err := o.Price(ctx, "AAA"); err != nil || !p.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("price = %s, %v", p, err)
	}
	o.Remove("AAA")
	if _, err := o.Price(ctx, "AAA"); !errors.Is(err, ErrQuoteUnavailable) {
		t.Fatalf("removed err = %v", err)
	}

	o.Set("BBB", decimal.RequireFromString("12.345678"))
	if p, _ := o.Price(ctx, "BBB"); !p.Equal(decimal.RequireFromString("12.3457")) {
		t.Errorf("price = %s, want 12.3457", p)
	}
}

func TestDatabaseOracle_LatestWins(t *testing.T) {
	db, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	o := NewDatabaseOracle(db)
	ctx := context.Background()

	if _, err := o.Price(ctx, "TICK"); !errors.Is(err, ErrQuoteUnavailable) {
		t.Fatalf("empty table err = %v", err)
	}
	if err := o.Record(ctx, "tick", decimal.NewFromInt(50)); err != nil {
		t.Fatal(err)
	}
	if err := o.Record(ctx, "TICK", decimal.NewFromInt(48)); err != nil {
		t.Fatal(err)
	}
	p, err := o.Price(ctx, "TICK")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if !p.Equal(decimal.NewFromInt(48)) {
		t.Errorf("price = %s, want 48", p)
	}
}

type fakeTrader struct {
	trade *marketdata.Trade
	err   error
	asked string
}

func (f *fakeTrader) GetLatestTrade(symbol string, _ marketdata.GetLatestTradeRequest) (*marketdata.Trade, error) {
	f.asked = symbol
	return f.trade, f.err
}

func TestAlpacaOracle_LatestTrade(t *testing.T) {
	fake := &fakeTrader{trade: &marketdata.Trade{Price: 187.235}}
	o := &AlpacaOracle{client: fake}

	p, err := o.Price(context.Background(), "aapl")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if fake.asked != "AAPL" {
		t.Errorf("asked for %q, want AAPL", fake.asked)
	}
	if !p.Equal(decimal.RequireFromString("187.235")) {
		t.Errorf("price = %s", p)
	}

	fake.err = errors.New("forbidden")
	if _, err := WithTimeout(o, time.Second).Price(context.Background(), "AAPL"); !errors.Is(err, ErrQuoteUnavailable) {
		t.Errorf("api error not mapped to unavailable: %v", err)
	}
}

func TestSetPriceHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	o := NewStaticOracle(nil)
	h := NewGinHandlers(o, o)
	router := gin.New()
	router.PUT("/admin/prices/:ticker", h.SetPriceHandler())
	router.GET("/prices/:ticker", h.GetPriceHandler())

	put := func(ticker, body string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPut, "/admin/prices/"+ticker, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)
		return w.Code
	}

	if code := put("tick", `{"price":"48.25"}`); code != http.StatusOK {
		t.Fatalf("set price status = %d", code)
	}
	if code := put("TICK", `{"price":"0"}`); code != http.StatusBadRequest {
		t.Errorf("zero price status = %d, want 400", code)
	}
	if code := put("TICK", `{"price":"1.23456"}`); code != http.StatusBadRequest {
		t.Errorf("5 decimals status = %d, want 400", code)
	}
	if code := put("WAYTOOLONGTICKER", `{"price":"1"}`); code != http.StatusBadRequest {
		t.Errorf("bad ticker status = %d, want 400", code)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/prices/TICK", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"48.25"`) {
		t.Errorf("get price = %d %s", w.Code, w.Body.String())
	}

	readOnly := gin.New()
	readOnly.PUT("/admin/prices/:ticker", NewGinHandlers(o, nil).SetPriceHandler())
	w = httptest.NewRecorder()
	readOnly.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/admin/prices/TICK", strings.NewReader(`{"price":"1"}`)))
	if w.Code != http.StatusConflict {
		t.Errorf("read-only source status = %d, want 409", w.Code)
	}
}
