package migrations

import (
	"gorm.io/gorm"
)

// AddOrderIndexes creates the indexes the scanner and history queries rely on
func AddOrderIndexes(db *gorm.DB) error {
	// Using raw SQL for index creation to have more control over index types
	indexes := []string{
		// Scanner sweep: pending orders by execution type, oldest first
		`CREATE INDEX IF NOT EXISTS idx_orders_status_type_created
		 ON orders(status, execution_type, created_at)`,

		// Pending sell reservations per user and ticker
		`CREATE INDEX IF NOT EXISTS idx_orders_user_ticker_status
		 ON orders(user_id, ticker, status)`,

		// Trade history listing
		`CREATE INDEX IF NOT EXISTS idx_trade_records_user_executed
		 ON trade_records(user_id, executed_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
