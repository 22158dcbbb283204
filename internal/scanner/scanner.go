package scanner

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/papertrade/internal/pricing"
	"github.com/ksred/papertrade/internal/trading"
	"github.com/ksred/papertrade/internal/types"
	"github.com/ksred/papertrade/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultWorkers  = 4
)

// Source lists the orders still waiting for a fill
type Source interface {
	PendingOrders(ctx context.Context) ([]types.Order, error)
}

// Executor fills one order at a price
type Executor interface {
	Execute(ctx context.Context, order *types.Order, fillPrice decimal.Decimal) (*trading.ExecutionResult, error)
}

type Options struct {
	Interval time.Duration
	Workers  int
}

// SweepReport counts what one pass over the pending orders did
type SweepReport struct {
	Checked     int `json:"checked"`
	Executed    int `json:"executed"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
	QuoteErrors int `json:"quote_errors"`
}

func (r *SweepReport) add(o SweepReport) {
	r.Checked += o.Checked
	r.Executed += o.Executed
	r.Failed += o.Failed
	r.Skipped += o.Skipped
	r.QuoteErrors += o.QuoteErrors
}

// Scanner periodically re-prices pending orders and executes the ones whose
// condition is met
type Scanner struct {
	source   Source
	oracle   pricing.Oracle
	executor Executor
	interval time.Duration
	workers  int

	// one sweep at a time, whether from the loop or an admin trigger
	mu sync.Mutex
}

func New(source Source, oracle pricing.Oracle, executor Executor, opts Options) *Scanner {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	return &Scanner{
		source:   source,
		oracle:   oracle,
		executor: executor,
		interval: opts.Interval,
		workers:  opts.Workers,
	}
}

// Start runs a sweep every interval until ctx is cancelled
func (s *Scanner) Start(ctx context.Context) {
	logger := log.With().Str("component", "order_scanner").Logger()
	logger.Info().Dur("interval", s.interval).Int("workers", s.workers).Msg("starting order scanner")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down order scanner")
			return
		case <-ticker.C:
			report, err := s.Sweep(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Error().Err(err).Msg("failed to sweep pending orders")
				}
				continue
			}
			if report.Checked > 0 {
				logger.Debug().
					Int("checked", report.Checked).
					Int("executed", report.Executed).
					Int("failed", report.Failed).
					Int("skipped", report.Skipped).
					Int("quote_errors", report.QuoteErrors).
					Msg("sweep complete")
			}
		}
	}
}

// Sweep makes one pass: pending orders are grouped by ticker, each ticker is
// quoted once and its orders are evaluated with that quote. A failing quote
// or order never stops the others. The error is non-nil only when the
// pending orders could not be listed.
func (s *Scanner) Sweep(ctx context.Context) (SweepReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orders, err := s.source.PendingOrders(ctx)
	if err != nil {
		return SweepReport{}, err
	}

	byTicker := make(map[string][]types.Order)
	for _, o := range orders {
		byTicker[o.Ticker] = append(byTicker[o.Ticker], o)
	}
	tickers := make([]string, 0, len(byTicker))
	for t := range byTicker {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)

	var (
		mu     sync.Mutex
		report SweepReport
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, ticker := range tickers {
		ticker, group := ticker, byTicker[ticker]
		g.Go(func() error {
			r := s.sweepTicker(gctx, ticker, group)
			mu.Lock()
			report.add(r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return report, nil
}

func (s *Scanner) sweepTicker(ctx context.Context, ticker string, orders []types.Order) SweepReport {
	logger := log.With().Str("component", "order_scanner").Str("ticker", ticker).Logger()
	report := SweepReport{Checked: len(orders)}

	price, err := s.oracle.Price(ctx, ticker)
	if err != nil {
		logger.Warn().Err(err).Int("orders", len(orders)).Msg("quote unavailable, skipping ticker")
		report.QuoteErrors++
		report.Skipped += len(orders)
		return report
	}

	for i := range orders {
		order := &orders[i]
		if ctx.Err() != nil {
			report.Skipped++
			continue
		}
		if !trading.Eligible(order, price) {
			report.Skipped++
			continue
		}

		result, err := s.executor.Execute(ctx, order, price)
		switch {
		case err == nil && result.Status == types.OrderStatusExecuted:
			report.Executed++
		case err == nil:
			report.Failed++
		case errors.Is(err, trading.ErrAlreadyProcessed), errors.Is(err, trading.ErrNotFound):
			report.Skipped++
		default:
			logger.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to execute order")
			report.Skipped++
		}
	}
	return report
}

// SweepHandler runs one sweep on demand for administrators
func (s *Scanner) SweepHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := s.Sweep(c.Request.Context())
		if err != nil {
			log.Error().Err(err).Str("component", "order_scanner").Msg("manual sweep failed")
			response.InternalError(c, "An unexpected error occurred")
			return
		}
		response.WithStatus(c, http.StatusOK, report)
	}
}
