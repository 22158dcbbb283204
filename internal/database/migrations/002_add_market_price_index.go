package migrations

import (
	"gorm.io/gorm"
)

// AddMarketPriceIndex backs the latest-quote lookup of the database oracle
func AddMarketPriceIndex(db *gorm.DB) error {
	return db.Exec(`CREATE INDEX IF NOT EXISTS idx_market_prices_ticker_as_of
		 ON market_prices(ticker, as_of)`).Error
}
