package pricing

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/ksred/papertrade/internal/types"
	"github.com/ksred/papertrade/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Recorder accepts reference prices pushed by an administrator
type Recorder interface {
	Record(ctx context.Context, ticker string, price decimal.Decimal) error
}

// GinHandlers contains HTTP handlers for price endpoints
type GinHandlers struct {
	oracle   Oracle
	recorder Recorder
}

// NewGinHandlers takes a nil recorder when the price source is read-only
func NewGinHandlers(oracle Oracle, recorder Recorder) *GinHandlers {
	return &GinHandlers{oracle: oracle, recorder: recorder}
}

type setPriceRequest struct {
	Price decimal.Decimal `json:"price"`
}

type priceResponse struct {
	Ticker string          `json:"ticker"`
	Price  decimal.Decimal `json:"price"`
}

// GetPriceHandler handles GET requests for the current quote. URL parameter: ticker
func (h *GinHandlers) GetPriceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ticker := strings.ToUpper(c.Param("ticker"))
		price, err := h.oracle.Price(c.Request.Context(), ticker)
		if err != nil {
			response.Fail(c, http.StatusServiceUnavailable, "QUOTE_UNAVAILABLE", err.Error())
			return
		}
		response.Success(c, priceResponse{Ticker: ticker, Price: price})
	}
}

// SetPriceHandler handles admin PUT requests that publish a reference price
func (h *GinHandlers) SetPriceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.recorder == nil {
			response.Fail(c, http.StatusConflict, response.ErrCodeInvalidState, "Price source does not accept manual prices")
			return
		}

		ticker := strings.ToUpper(c.Param("ticker"))
		if !types.ValidTicker(ticker) {
			response.ValidationFailed(c, "invalid ticker")
			return
		}

		var req setPriceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}
		if !req.Price.IsPositive() || !types.FitsMoneyScale(req.Price) {
			response.ValidationFailed(c, "price must be positive with at most 4 decimal places")
			return
		}

		if err := h.recorder.Record(c.Request.Context(), ticker, req.Price); err != nil {
			log.Error().Err(err).Str("ticker", ticker).Msg("failed to record price")
			response.InternalError(c, "An unexpected error occurred")
			return
		}

		log.Info().Str("ticker", ticker).Str("price", req.Price.String()).Msg("reference price updated")
		response.Success(c, priceResponse{Ticker: ticker, Price: req.Price})
	}
}
