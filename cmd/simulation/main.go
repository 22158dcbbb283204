package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/papertrade/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var (
	symbols     = []string{"AAPL", "GOOGL", "MSFT", "AMZN", "META"}
	sides       = []string{"BUY", "SELL"}
	startPrices = map[string]float64{"AAPL": 190, "GOOGL": 140, "MSFT": 410, "AMZN": 180, "META": 490}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate returns min, max, mean, median, 95th and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the order API
type simulationClient struct {
	baseURL string
	client  *http.Client

	mu    sync.Mutex
	stats map[string]*routeStats
}

func newSimulationClient(baseURL string) *simulationClient {
	return &simulationClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":    {name: "Authentication"},
			"user":    {name: "Create User"},
			"funds":   {name: "Fund Account"},
			"price":   {name: "Set Price"},
			"submit":  {name: "Submit Order"},
			"cancel":  {name: "Cancel Order"},
			"sweep":   {name: "Scanner Sweep"},
			"account": {name: "Get Account"},
		},
	}
}

func (sc *simulationClient) record(route string, d time.Duration, failed bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	rs := sc.stats[route]
	rs.addDuration(d)
	if failed {
		rs.failures++
	}
}

// call sends body as JSON and decodes the envelope's data into out
func (sc *simulationClient) call(route, method, path, token string, body, out interface{}) (int, error) {
	start := time.Now()
	status, err := sc.do(method, path, token, body, out)
	sc.record(route, time.Since(start), err != nil)
	return status, err
}

func (sc *simulationClient) do(method, path, token string, body, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if method == http.MethodPost && strings.HasPrefix(path, "/api/v1/orders") {
		req.Header.Set("Idempotency-Key", uuid.New().String())
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Int("status", resp.StatusCode).Str("response", string(respBody)).Msg("API response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return resp.StatusCode, fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return resp.StatusCode, nil
	}
	envelope := struct {
		Success bool        `json:"success"`
		Data    interface{} `json:"data"`
	}{Data: out}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return resp.StatusCode, nil
}

func (sc *simulationClient) authenticate(apiKey, apiSecret string) (string, error) {
	var result struct {
		Token string `json:"jwt_token"`
	}
	_, err := sc.call("auth", http.MethodPost, "/api/v1/auth/token", "", map[string]string{
		"api_key":    apiKey,
		"api_secret": apiSecret,
	}, &result)
	if err != nil {
		return "", err
	}
	return result.Token, nil
}

type trader struct {
	userID string
	token  string
}

// newTrader registers a user, logs in and funds the account through an
// approved deposit
func (sc *simulationClient) newTrader(adminToken, userID string, cash decimal.Decimal) (*trader, error) {
	var creds struct {
		APIKey    string `json:"api_key"`
		APISecret string `json:"api_secret"`
	}
	if _, err := sc.call("user", http.MethodPost, "/api/v1/admin/users", adminToken, map[string]string{"user_id": userID}, &creds); err != nil {
		return nil, err
	}

	token, err := sc.authenticate(creds.APIKey, creds.APISecret)
	if err != nil {
		return nil, err
	}

	var deposit types.FundTransaction
	if _, err := sc.call("funds", http.MethodPost, "/api/v1/funds/deposits", token, map[string]interface{}{
		"amount": cash,
		"remark": "simulation seed",
	}, &deposit); err != nil {
		return nil, err
	}
	if _, err := sc.call("funds", http.MethodPost, "/api/v1/admin/funds/"+deposit.TransactionID+"/approve", adminToken, nil, nil); err != nil {
		return nil, err
	}
	return &trader{userID: userID, token: token}, nil
}

type submitResult struct {
	OrderID string            `json:"order_id"`
	Status  types.OrderStatus `json:"status"`
	Message string            `json:"message"`
}

// market is a random walk per symbol, pushed to the server as admin prices
type market struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (m *market) step() map[string]decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(m.prices))
	for symbol, p := range m.prices {
		p *= 1 + (rand.Float64()-0.5)*0.04
		m.prices[symbol] = p
		out[symbol] = decimal.NewFromFloat(p).Round(2)
	}
	return out
}

func (m *market) price(symbol string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prices[symbol]
}

func (sc *simulationClient) publish(adminToken string, prices map[string]decimal.Decimal) {
	for symbol, p := range prices {
		if _, err := sc.call("price", http.MethodPut, "/api/v1/admin/prices/"+symbol, adminToken, map[string]interface{}{"price": p}, nil); err != nil {
			log.Error().Err(err).Str("ticker", symbol).Msg("Failed to set price")
		}
	}
}

type simulationStats struct {
	mu        sync.Mutex
	submitted int
	byStatus  map[types.OrderStatus]int
	symbols   map[string]int
	sides     map[string]int
	cancelled int
	pending   []struct{ orderID, token string }
}

func (s *simulationStats) add(res *submitResult, symbol, side, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted++
	s.byStatus[res.Status]++
	s.symbols[symbol]++
	s.sides[side]++
	if res.Status == types.OrderStatusPending {
		s.pending = append(s.pending, struct{ orderID, token string }{res.OrderID, token})
	}
}

// tradeLoop submits random orders for one trader. Limit prices sit a few
// percent away from the market so some orders wait for the scanner.
func tradeLoop(sc *simulationClient, t *trader, m *market, numOrders int, stats *simulationStats) {
	for i := 0; i < numOrders; i++ {
		symbol := symbols[rand.Intn(len(symbols))]
		side := sides[rand.Intn(len(sides))]
		body := map[string]interface{}{
			"ticker":         symbol,
			"side":           side,
			"execution_type": "MARKET",
			"quantity":       rand.Intn(10) + 1,
		}
		if rand.Intn(2) == 0 {
			offset := 1 + (rand.Float64()-0.5)*0.06
			body["execution_type"] = "LIMIT"
			body["limit_price"] = decimal.NewFromFloat(m.price(symbol) * offset).Round(2)
		}

		var res submitResult
		if _, err := sc.call("submit", http.MethodPost, "/api/v1/orders", t.token, body, &res); err != nil {
			log.Error().Err(err).Str("user_id", t.userID).Str("ticker", symbol).Msg("Failed to submit order")
			continue
		}
		stats.add(&res, symbol, side, t.token)

		log.Info().
			Str("user_id", t.userID).
			Str("order_id", res.OrderID).
			Str("ticker", symbol).
			Str("side", side).
			Str("status", string(res.Status)).
			Msg("Order submitted")

		time.Sleep(time.Duration(rand.Intn(200)) * time.Millisecond)
	}
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "server base URL")
	adminKey := flag.String("admin-key", os.Getenv("ADMIN_API_KEY"), "admin API key")
	adminSecret := flag.String("admin-secret", os.Getenv("ADMIN_API_SECRET"), "admin API secret")
	numTraders := flag.Int("traders", 5, "number of simulated users")
	ordersPerTrader := flag.Int("orders", 20, "orders submitted per user")
	rounds := flag.Int("rounds", 5, "price moves and scanner sweeps after trading")
	flag.Parse()

	sc := newSimulationClient(*addr)
	adminToken, err := sc.authenticate(*adminKey, *adminSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to authenticate as admin")
	}

	m := &market{prices: make(map[string]float64, len(startPrices))}
	for symbol, p := range startPrices {
		m.prices[symbol] = p
	}
	sc.publish(adminToken, m.step())

	run := uuid.New().String()[:8]
	var traders []*trader
	for i := 0; i < *numTraders; i++ {
		t, err := sc.newTrader(adminToken, fmt.Sprintf("sim_%s_%d", run, i), decimal.NewFromInt(50000))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create trader")
		}
		traders = append(traders, t)
	}
	log.Info().Int("traders", len(traders)).Msg("Starting simulation")

	stats := &simulationStats{
		byStatus: make(map[types.OrderStatus]int),
		symbols:  make(map[string]int),
		sides:    make(map[string]int),
	}
	startTime := time.Now()

	var wg sync.WaitGroup
	for _, t := range traders {
		wg.Add(1)
		go func(t *trader) {
			defer wg.Done()
			tradeLoop(sc, t, m, *ordersPerTrader, stats)
		}(t)
	}
	wg.Wait()

	// Move prices and sweep so waiting limit orders get their chance
	sweeps := struct{ checked, executed, failed int }{}
	for i := 0; i < *rounds; i++ {
		sc.publish(adminToken, m.step())
		var report struct {
			Checked  int `json:"checked"`
			Executed int `json:"executed"`
			Failed   int `json:"failed"`
		}
		if _, err := sc.call("sweep", http.MethodPost, "/api/v1/admin/scanner/sweep", adminToken, nil, &report); err != nil {
			log.Error().Err(err).Msg("Sweep failed")
			continue
		}
		sweeps.checked += report.Checked
		sweeps.executed += report.Executed
		sweeps.failed += report.Failed
	}

	// Cancel half of whatever is still pending; some will already be gone
	for i, p := range stats.pending {
		if i%2 != 0 {
			continue
		}
		status, err := sc.call("cancel", http.MethodPost, "/api/v1/orders/"+p.orderID+"/cancel", p.token, nil, nil)
		switch {
		case err == nil:
			stats.cancelled++
		case status == http.StatusConflict:
			log.Debug().Str("order_id", p.orderID).Msg("Order already processed")
		default:
			log.Error().Err(err).Str("order_id", p.orderID).Msg("Failed to cancel order")
		}
	}

	totalCash := decimal.Zero
	for _, t := range traders {
		var account types.AccountSummary
		if _, err := sc.call("account", http.MethodGet, "/api/v1/account", t.token, nil, &account); err != nil {
			continue
		}
		totalCash = totalCash.Add(account.TotalBalance)
	}

	duration := time.Since(startTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("PAPER TRADING SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
Order Statistics
----------------
Submitted:         %d
Executed:          %d
Pending:           %d
Rejected:          %d
Failed:            %d
Cancelled later:   %d
Scanner checked:   %d
Scanner executed:  %d
Scanner failed:    %d
Cash remaining:    %s
Duration:          %v

Symbol Distribution
-------------------
`, stats.submitted,
		stats.byStatus[types.OrderStatusExecuted],
		stats.byStatus[types.OrderStatusPending],
		stats.byStatus[types.OrderStatusRejected],
		stats.byStatus[types.OrderStatusFailed],
		stats.cancelled,
		sweeps.checked, sweeps.executed, sweeps.failed,
		totalCash.StringFixed(2),
		duration.Round(time.Millisecond))

	maxSymbolCount := 0
	for _, count := range stats.symbols {
		if count > maxSymbolCount {
			maxSymbolCount = count
		}
	}
	for symbol, count := range stats.symbols {
		barLength := int(float64(count) / float64(maxSymbolCount) * 20)
		fmt.Printf("%-6s: %s (%d)\n", symbol, strings.Repeat("#", barLength), count)
	}

	fmt.Println("\nSide Distribution")
	fmt.Println("-----------------")
	for side, count := range stats.sides {
		barLength := int(float64(count) / float64(max(stats.submitted, 1)) * 20)
		fmt.Printf("%-4s: %s (%d)\n", side, strings.Repeat("#", barLength), count)
	}
	fmt.Println("\n" + strings.Repeat("=", 80))

	log.Info().
		Int("submitted", stats.submitted).
		Int("executed", stats.byStatus[types.OrderStatusExecuted]+sweeps.executed).
		Dur("duration", duration).
		Msg("Simulation completed")

	sc.printPerformanceStats()
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	sc.mu.Lock()
	defer sc.mu.Unlock()
	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}
