package trading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/papertrade/internal/ledger"
	"github.com/ksred/papertrade/internal/portfolio"
	"github.com/ksred/papertrade/internal/pricing"
	"github.com/ksred/papertrade/internal/types"
	"github.com/ksred/papertrade/pkg/middleware"
	"github.com/ksred/papertrade/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	defaultPerPage = 20
	maxPerPage     = 100
	maxTrades      = 500
)

// Service handles order submission, cancellation and history
type Service struct {
	db        *Database
	ledger    *ledger.Ledger
	validator *Validator
	engine    *Engine
	oracle    pricing.Oracle
	closer    *closer
}

// NewService wires the submission path. The oracle should already be
// bounded by a timeout.
func NewService(gormDB *gorm.DB, l *ledger.Ledger, book *portfolio.Book, oracle pricing.Oracle) *Service {
	db := NewDatabase(gormDB)
	engine := NewEngine(gormDB, l, book)
	return &Service{
		db:        db,
		ledger:    l,
		validator: NewValidator(db, l, book),
		engine:    engine,
		oracle:    oracle,
		closer:    engine.closer,
	}
}

// Engine returns the execution engine shared with the scanner
func (s *Service) Engine() *Engine {
	return s.engine
}

// SubmitResult is what a client sees after submitting an order
type SubmitResult struct {
	OrderID       string            `json:"order_id"`
	Status        types.OrderStatus `json:"status"`
	Message       string            `json:"message"`
	CurrentPrice  *decimal.Decimal  `json:"current_price,omitempty"`
	LimitPrice    *decimal.Decimal  `json:"limit_price,omitempty"`
	ExecutedPrice *decimal.Decimal  `json:"executed_price,omitempty"`
	TotalAmount   *decimal.Decimal  `json:"total_amount,omitempty"`
	Refund        *decimal.Decimal  `json:"refund,omitempty"`
}

// Submit validates, records and, when the quote allows, executes an order.
// A *RequestError means nothing was recorded. Business rejections come back
// as a result with status REJECTED and a nil error.
//
// A non-empty idempotencyKey seen within the last 24 hours returns the
// current state of the order created for it.
func (s *Service) Submit(ctx context.Context, req SubmitRequest, idempotencyKey string) (*SubmitResult, error) {
	logger := log.With().Str("service", "trading").Str("user_id", req.UserID).Logger()

	if idempotencyKey != "" {
		existing, err := s.replay(ctx, idempotencyKey, req.UserID)
		if err != nil || existing != nil {
			return existing, err
		}
	}

	vr, err := s.validator.Validate(ctx, req)
	if err != nil {
		return nil, err
	}
	p := vr.Params
	rejection := vr.Rejection

	now := time.Now()
	order := &types.Order{
		OrderID:        uuid.New().String(),
		UserID:         p.UserID,
		Ticker:         p.Ticker,
		Side:           p.Side,
		ExecutionType:  p.ExecutionType,
		LimitPrice:     p.LimitPrice,
		Quantity:       p.Quantity,
		Status:         types.OrderStatusPending,
		ReservedAmount: decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	// A MARKET BUY is priced up front so its cost can be checked against
	// the account inside the creating transaction
	var (
		quote    decimal.Decimal
		quoteErr error
		quoted   bool
	)
	if rejection == nil && order.Side == types.OrderSideBuy && order.ExecutionType == types.ExecutionTypeMarket {
		quote, quoteErr = s.oracle.Price(ctx, order.Ticker)
		quoted = true
	}

	err = s.db.Transaction(ctx, func(tx *gorm.DB) error {
		store := s.db.with(tx)

		if rejection == nil && order.ReservesFunds() {
			reserve := p.Reservation()
			_, err := s.ledger.Freeze(tx, order.UserID, reserve)
			switch {
			case err == nil:
				order.ReservedAmount = reserve
			case errors.Is(err, ledger.ErrInsufficientFunds):
				rejection = &BusinessRejection{
					Status: types.OrderStatusRejected,
					Reason: err.Error(),
				}
			default:
				return err
			}
		}
		if rejection == nil && quoted && quoteErr == nil {
			account, err := s.ledger.Lock(tx, order.UserID)
			if err != nil {
				return err
			}
			if cost := quote.Mul(decimal.NewFromInt(order.Quantity)); account.AvailableBalance.LessThan(cost) {
				rejection = &BusinessRejection{
					Status: types.OrderStatusRejected,
					Reason: fmt.Sprintf("%s: available %s, required %s at %s",
						ledger.ErrInsufficientFunds, account.AvailableBalance, cost, quote),
				}
			}
		}
		if rejection != nil {
			order.Status = rejection.Status
			order.Remark = rejection.Reason
		}

		if err := store.CreateOrder(order); err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		if idempotencyKey != "" {
			if err := store.SaveIdempotencyRecord(idempotencyKey, order.OrderID); err != nil {
				return fmt.Errorf("failed to save idempotency record: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		// A concurrent request may have claimed the key after our first
		// lookup; its order is the answer for this one too
		if idempotencyKey != "" {
			if existing, rerr := s.replay(ctx, idempotencyKey, req.UserID); rerr == nil && existing != nil {
				logger.Info().Str("order_id", existing.OrderID).Msg("idempotency key claimed concurrently, replaying")
				return existing, nil
			}
		}
		return nil, err
	}

	logger = logger.With().Str("order_id", order.OrderID).Str("ticker", order.Ticker).Logger()
	if order.Status != types.OrderStatusPending {
		logger.Info().Str("status", string(order.Status)).Str("remark", order.Remark).Msg("order rejected")
		return &SubmitResult{OrderID: order.OrderID, Status: order.Status, Message: order.Remark}, nil
	}
	logger.Info().
		Str("side", string(order.Side)).
		Str("execution_type", string(order.ExecutionType)).
		Int64("quantity", order.Quantity).
		Msg("order created")

	if !quoted {
		quote, quoteErr = s.oracle.Price(ctx, order.Ticker)
	}
	if quoteErr != nil {
		logger.Warn().Err(quoteErr).Msg("quote unavailable, order queued")
		return &SubmitResult{
			OrderID:    order.OrderID,
			Status:     types.OrderStatusPending,
			Message:    "order queued: quote currently unavailable",
			LimitPrice: order.LimitPrice,
		}, nil
	}

	if !Eligible(order, quote) {
		return &SubmitResult{
			OrderID:      order.OrderID,
			Status:       types.OrderStatusPending,
			Message:      fmt.Sprintf("order pending: current price %s, limit %s", quote, order.LimitPrice),
			CurrentPrice: &quote,
			LimitPrice:   order.LimitPrice,
		}, nil
	}

	result, err := s.engine.Execute(ctx, order, quote)
	if err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			current, gerr := s.db.WithContext(ctx).GetOrder(order.OrderID)
			if gerr != nil {
				return nil, gerr
			}
			return resultFromOrder(current, "order already processed"), nil
		}
		return nil, err
	}

	switch result.Status {
	case types.OrderStatusExecuted:
		return &SubmitResult{
			OrderID:       order.OrderID,
			Status:        types.OrderStatusExecuted,
			Message:       "order executed",
			CurrentPrice:  &quote,
			LimitPrice:    order.LimitPrice,
			ExecutedPrice: &result.FillPrice,
			TotalAmount:   &result.Amount,
			Refund:        nonZero(result.Refund),
		}, nil
	default:
		return &SubmitResult{
			OrderID:      order.OrderID,
			Status:       result.Status,
			Message:      result.Remark,
			CurrentPrice: &quote,
			LimitPrice:   order.LimitPrice,
		}, nil
	}
}

// replay returns the state of the order created for a live idempotency key
func (s *Service) replay(ctx context.Context, key, userID string) (*SubmitResult, error) {
	store := s.db.WithContext(ctx)
	record, err := store.GetIdempotencyRecord(key)
	if err != nil {
		return nil, err
	}
	if record == nil || !record.ExpiresAt.After(time.Now()) {
		return nil, nil
	}

	order, err := store.GetOrder(record.ResourceID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrNotFound
	}
	if order.UserID != userID {
		return nil, invalidField("Idempotency-Key", "idempotency key already used")
	}
	return resultFromOrder(order, "duplicate request"), nil
}

func resultFromOrder(order *types.Order, message string) *SubmitResult {
	if order.Remark != "" {
		message += ": " + order.Remark
	}
	return &SubmitResult{
		OrderID:    order.OrderID,
		Status:     order.Status,
		Message:    message,
		LimitPrice: order.LimitPrice,
	}
}

func nonZero(d decimal.Decimal) *decimal.Decimal {
	if d.IsZero() {
		return nil
	}
	return &d
}

// CancelResult is returned for a successful cancellation
type CancelResult struct {
	OrderID  string            `json:"order_id"`
	Status   types.OrderStatus `json:"status"`
	Released decimal.Decimal   `json:"released"`
	Message  string            `json:"message"`
}

// Cancel cancels the principal's own pending order and releases any
// reservation. ErrAlreadyProcessed means the order reached a terminal state
// first.
func (s *Service) Cancel(ctx context.Context, orderID string, principal types.Principal) (*CancelResult, error) {
	order, err := s.closer.close(ctx, orderID, closeOptions{
		status: types.OrderStatusCancelled,
		remark: "cancelled by user",
		authorize: func(o *types.Order) error {
			if o.UserID != principal.UserID {
				return ErrForbidden
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return &CancelResult{
		OrderID:  order.OrderID,
		Status:   order.Status,
		Released: order.ReservedAmount,
		Message:  "order cancelled",
	}, nil
}

// ForceReject lets an administrator reject a pending order. It releases the
// reservation the same way cancellation does.
func (s *Service) ForceReject(ctx context.Context, orderID, reason string, principal types.Principal) (*types.Order, error) {
	switch principal.Role {
	case types.RoleAdmin:
	case types.RoleUser:
		return nil, ErrForbidden
	default:
		return nil, ErrForbidden
	}

	remark := "rejected by admin"
	if reason = strings.TrimSpace(reason); reason != "" {
		remark += ": " + reason
	}

	log.Info().Str("service", "trading").
		Str("order_id", orderID).
		Str("admin_id", principal.UserID).
		Msg("force rejecting order")
	return s.closer.close(ctx, orderID, closeOptions{status: types.OrderStatusRejected, remark: remark})
}

// GetOrder returns the order if the principal owns it or is an administrator
func (s *Service) GetOrder(ctx context.Context, orderID string, principal types.Principal) (*types.Order, error) {
	order, err := s.db.WithContext(ctx).GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrNotFound
	}
	if order.UserID != principal.UserID && !principal.IsAdmin() {
		return nil, ErrForbidden
	}
	return order, nil
}

// ListOrders returns one page of the user's order history
func (s *Service) ListOrders(ctx context.Context, userID string, f OrderFilter) (*types.OrderPage, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage < 1 {
		f.PerPage = defaultPerPage
	}
	if f.PerPage > maxPerPage {
		f.PerPage = maxPerPage
	}
	f.Ticker = strings.ToUpper(f.Ticker)

	orders, total, err := s.db.WithContext(ctx).ListOrders(userID, f)
	if err != nil {
		return nil, err
	}
	return &types.OrderPage{
		Orders:      orders,
		Total:       total,
		Pages:       int(math.Ceil(float64(total) / float64(f.PerPage))),
		CurrentPage: f.Page,
	}, nil
}

// ListTrades returns up to limit fills for the user, newest first
func (s *Service) ListTrades(ctx context.Context, userID string, limit int) ([]types.TradeRecord, error) {
	if limit < 1 || limit > maxTrades {
		limit = maxTrades
	}
	return s.db.WithContext(ctx).ListTrades(userID, limit)
}

// PendingOrders lists every order still waiting for a fill
func (s *Service) PendingOrders(ctx context.Context) ([]types.Order, error) {
	return s.db.WithContext(ctx).ListPendingOrders()
}

// GinHandlers contains HTTP handlers for trading endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for trading endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

type submitOrderRequest struct {
	Ticker        string      `json:"ticker"`
	Side          string      `json:"side"`
	ExecutionType string      `json:"execution_type"`
	Quantity      json.Number `json:"quantity"`
	LimitPrice    json.Number `json:"limit_price"`
}

type rejectOrderRequest struct {
	Reason string `json:"reason"`
}

// SubmitOrderHandler handles POST requests to submit orders. An optional
// Idempotency-Key header makes retries safe. Executed orders answer 200,
// every other recorded order 201.
func (h *GinHandlers) SubmitOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := middleware.PrincipalFrom(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}

		var body submitOrderRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		result, err := h.service.Submit(c.Request.Context(), SubmitRequest{
			UserID:        p.UserID,
			Ticker:        body.Ticker,
			Side:          body.Side,
			ExecutionType: body.ExecutionType,
			Quantity:      body.Quantity.String(),
			LimitPrice:    body.LimitPrice.String(),
		}, c.GetHeader("Idempotency-Key"))
		if err != nil {
			writeError(c, err)
			return
		}

		status := http.StatusCreated
		if result.Status == types.OrderStatusExecuted {
			status = http.StatusOK
		}
		response.WithStatus(c, status, result)
	}
}

// ListOrdersHandler handles GET requests for the caller's orders.
// Query: status, side, ticker, execution_type, page, per_page
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := middleware.PrincipalFrom(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}

		f, err := parseFilter(c)
		if err != nil {
			writeError(c, err)
			return
		}

		page, err := h.service.ListOrders(c.Request.Context(), p.UserID, f)
		if err != nil {
			writeError(c, err)
			return
		}
		response.Success(c, page)
	}
}

func parseFilter(c *gin.Context) (OrderFilter, error) {
	var f OrderFilter
	if v := c.Query("status"); v != "" {
		status, ok := types.ParseOrderStatus(v)
		if !ok {
			return f, invalidField("status", "unknown order status")
		}
		f.Status = status
	}
	if v := c.Query("side"); v != "" {
		side, ok := types.ParseOrderSide(v)
		if !ok {
			return f, invalidField("side", "side must be BUY or SELL")
		}
		f.Side = side
	}
	if v := c.Query("execution_type"); v != "" {
		kind, ok := types.ParseExecutionType(v)
		if !ok {
			return f, invalidField("execution_type", "execution_type must be MARKET or LIMIT")
		}
		f.ExecutionType = kind
	}
	f.Ticker = c.Query("ticker")

	var err error
	if f.Page, err = intQuery(c, "page", 1); err != nil {
		return f, err
	}
	if f.PerPage, err = intQuery(c, "per_page", defaultPerPage); err != nil {
		return f, err
	}
	return f, nil
}

func intQuery(c *gin.Context, key string, fallback int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, invalidField(key, key+" must be a positive integer")
	}
	return n, nil
}

// GetOrderHandler handles GET requests for one order. URL parameter: order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := middleware.PrincipalFrom(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}

		order, err := h.service.GetOrder(c.Request.Context(), c.Param("order_id"), p)
		if err != nil {
			writeError(c, err)
			return
		}
		response.Success(c, order)
	}
}

// CancelOrderHandler handles POST requests to cancel a pending order
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := middleware.PrincipalFrom(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}

		result, err := h.service.Cancel(c.Request.Context(), c.Param("order_id"), p)
		if err != nil {
			writeError(c, err)
			return
		}
		response.WithStatus(c, http.StatusOK, result)
	}
}

// ForceRejectHandler handles admin POST requests to reject a pending order
func (h *GinHandlers) ForceRejectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := middleware.PrincipalFrom(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}

		var body rejectOrderRequest
		_ = c.ShouldBindJSON(&body)

		order, err := h.service.ForceReject(c.Request.Context(), c.Param("order_id"), body.Reason, p)
		if err != nil {
			writeError(c, err)
			return
		}
		response.WithStatus(c, http.StatusOK, order)
	}
}

// ListTradesHandler handles GET requests for the caller's fills. Query: limit
func (h *GinHandlers) ListTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := middleware.PrincipalFrom(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}

		limit, err := intQuery(c, "limit", maxTrades)
		if err != nil {
			writeError(c, err)
			return
		}
		trades, err := h.service.ListTrades(c.Request.Context(), p.UserID, limit)
		if err != nil {
			writeError(c, err)
			return
		}
		response.Success(c, trades)
	}
}

func writeError(c *gin.Context, err error) {
	var reqErr *RequestError
	switch {
	case errors.As(err, &reqErr):
		response.ValidationFailed(c, reqErr.Error())
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, "Order not found")
	case errors.Is(err, ErrForbidden):
		response.Forbidden(c, "Order belongs to another user")
	case errors.Is(err, ErrAlreadyProcessed):
		response.InvalidState(c, "Order already processed")
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("trading request failed")
		response.InternalError(c, "An unexpected error occurred")
	}
}
