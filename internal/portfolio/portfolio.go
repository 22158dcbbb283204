// Package portfolio owns per-ticker share holdings and their
// weighted-average cost.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/papertrade/internal/types"
	"github.com/ksred/papertrade/pkg/middleware"
	"github.com/ksred/papertrade/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrInvalidFill          = errors.New("fill quantity and price must be positive")
)

// avgPricePlaces matches the precision of the price columns
const avgPricePlaces = 4

// Book mutates positions inside the caller's transaction
type Book struct{}

func NewBook() *Book {
	return &Book{}
}

// Lock reads the position under a row lock. A missing position is (nil, nil).
func (b *Book) Lock(tx *gorm.DB, userID, ticker string) (*types.Position, error) {
	var position types.Position
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND ticker = ?", userID, ticker).
		First(&position).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lock position: %w", err)
	}
	return &position, nil
}

// Get reads the position without locking. A missing position is (nil, nil).
func (b *Book) Get(tx *gorm.DB, userID, ticker string) (*types.Position, error) {
	var position types.Position
	err := tx.Where("user_id = ? AND ticker = ?", userID, ticker).First(&position).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load position: %w", err)
	}
	return &position, nil
}

// List returns every open position of the user ordered by ticker
func (b *Book) List(tx *gorm.DB, userID string) ([]types.Position, error) {
	var positions []types.Position
	err := tx.Where("user_id = ?", userID).Order("ticker").Find(&positions).Error
	return positions, err
}

// WeightedAverage is (oldAvg*oldQty + price*qty) / (oldQty+qty)
func WeightedAverage(oldAvg decimal.Decimal, oldQty int64, price decimal.Decimal, qty int64) decimal.Decimal {
	total := oldQty + qty
	if total == 0 {
		return decimal.Zero
	}
	cost := oldAvg.Mul(decimal.NewFromInt(oldQty)).Add(price.Mul(decimal.NewFromInt(qty)))
	return cost.DivRound(decimal.NewFromInt(total), avgPricePlaces)
}

// Increase adds a buy fill, creating the position on first buy
func (b *Book) Increase(tx *gorm.DB, userID, ticker string, qty int64, price decimal.Decimal) (*types.Position, error) {
	if qty <= 0 || !price.IsPositive() {
		return nil, ErrInvalidFill
	}

	position, err := b.Lock(tx, userID, ticker)
	if err != nil {
		return nil, err
	}

	if position == nil {
		position = &types.Position{
			UserID:       userID,
			Ticker:       ticker,
			Quantity:     qty,
			AveragePrice: price.Round(avgPricePlaces),
		}
		if err := tx.Create(position).Error; err != nil {
			return nil, fmt.Errorf("failed to create position: %w", err)
		}
		return position, nil
	}

	position.AveragePrice = WeightedAverage(position.AveragePrice, position.Quantity, price, qty)
	position.Quantity += qty
	position.UpdatedAt = time.Now()
	err = tx.Model(&types.Position{}).
		Where("id = ?", position.ID).
		Updates(map[string]interface{}{
			"quantity":      position.Quantity,
			"average_price": position.AveragePrice,
			"updated_at":    position.UpdatedAt,
		}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to update position: %w", err)
	}
	return position, nil
}

// Decrease removes a sell fill. The row is deleted when nothing is left, in
// which case the returned position has zero quantity.
func (b *Book) Decrease(tx *gorm.DB, userID, ticker string, qty int64) (*types.Position, error) {
	if qty <= 0 {
		return nil, ErrInvalidFill
	}

	position, err := b.Lock(tx, userID, ticker)
	if err != nil {
		return nil, err
	}
	if position == nil {
		return nil, fmt.Errorf("%w: no %s position, need %d", ErrInsufficientHoldings, ticker, qty)
	}
	if position.Quantity < qty {
		return nil, fmt.Errorf("%w: hold %d %s, need %d", ErrInsufficientHoldings, position.Quantity, ticker, qty)
	}

	position.Quantity -= qty
	if position.Quantity == 0 {
		if err := tx.Delete(&types.Position{}, position.ID).Error; err != nil {
			return nil, fmt.Errorf("failed to delete position: %w", err)
		}
		log.Debug().Str("service", "portfolio").Str("user_id", userID).Str("ticker", ticker).Msg("position closed")
		return position, nil
	}

	position.UpdatedAt = time.Now()
	err = tx.Model(&types.Position{}).
		Where("id = ?", position.ID).
		Updates(map[string]interface{}{
			"quantity":   position.Quantity,
			"updated_at": position.UpdatedAt,
		}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to update position: %w", err)
	}
	return position, nil
}

// Service exposes read-only position queries to the web layer
type Service struct {
	db   *gorm.DB
	book *Book
}

func NewService(gormDB *gorm.DB, book *Book) *Service {
	return &Service{db: gormDB, book: book}
}

func (s *Service) Positions(ctx context.Context, userID string) ([]types.PositionSummary, error) {
	positions, err := s.book.List(s.db.WithContext(ctx), userID)
	if err != nil {
		return nil, err
	}
	summaries := make([]types.PositionSummary, 0, len(positions))
	for i := range positions {
		summaries = append(summaries, types.NewPositionSummary(&positions[i]))
	}
	return summaries, nil
}

// GinHandlers contains HTTP handlers for position endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// ListPositionsHandler handles GET requests for the caller's holdings
func (h *GinHandlers) ListPositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := middleware.PrincipalFrom(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}

		positions, err := h.service.Positions(c.Request.Context(), p.UserID)
		if err != nil {
			log.Error().Err(err).Str("user_id", p.UserID).Msg("failed to list positions")
		}
		response.Handle(c, positions, err)
	}
}
