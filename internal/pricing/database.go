package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ksred/papertrade/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DatabaseOracle quotes the most recent market_prices row for a ticker
type DatabaseOracle struct {
	db *gorm.DB
}

var _ Oracle = (*DatabaseOracle)(nil)

func NewDatabaseOracle(db *gorm.DB) *DatabaseOracle {
	return &DatabaseOracle{db: db}
}

func (o *DatabaseOracle) Price(ctx context.Context, ticker string) (decimal.Decimal, error) {
	var mp types.MarketPrice
	err := o.db.WithContext(ctx).
		Where("ticker = ?", strings.ToUpper(ticker)).
		Order("as_of DESC").
		Order("id DESC").
		First(&mp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, Unavailable(ticker, "no recorded price")
		}
		return decimal.Zero, fmt.Errorf("failed to load price: %w", err)
	}
	return mp.Price, nil
}

// Record appends an observation; the newest one becomes the quote
func (o *DatabaseOracle) Record(ctx context.Context, ticker string, price decimal.Decimal) error {
	mp := types.MarketPrice{
		Ticker: strings.ToUpper(ticker),
		Price:  price,
		AsOf:   time.Now(),
	}
	return o.db.WithContext(ctx).Create(&mp).Error
}
