package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/papertrade/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const idempotencyTTL = 24 * time.Hour

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// with binds the store to an open transaction
func (d *Database) with(tx *gorm.DB) *Database {
	return &Database{db: tx}
}

// WithContext binds the store to ctx
func (d *Database) WithContext(ctx context.Context) *Database {
	return &Database{db: d.db.WithContext(ctx)}
}

// Transaction runs fn in a single database transaction
func (d *Database) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return d.db.WithContext(ctx).Transaction(fn)
}

func (d *Database) CreateOrder(order *types.Order) error {
	return d.db.Create(order).Error
}

// GetOrder returns nil when the order does not exist
func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// LockOrder reads the order with SELECT ... FOR UPDATE; nil when absent
func (d *Database) LockOrder(orderID string) (*types.Order, error) {
	var order types.Order
	err := d.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("order_id = ?", orderID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// TransitionOrder moves a PENDING order to next. The update is conditional on
// the stored status, so a concurrent transition makes it fail with
// ErrAlreadyProcessed even where row locks are not available.
func (d *Database) TransitionOrder(orderID string, next types.OrderStatus, remark string, executedAt *time.Time) error {
	if !types.OrderStatusPending.CanTransitionTo(next) {
		return fmt.Errorf("illegal transition %s -> %s", types.OrderStatusPending, next)
	}

	updates := map[string]interface{}{
		"status":     next,
		"updated_at": time.Now(),
	}
	if remark != "" {
		updates["remark"] = remark
	}
	if executedAt != nil {
		updates["executed_at"] = *executedAt
	}

	result := d.db.Model(&types.Order{}).
		Where("order_id = ? AND status = ?", orderID, types.OrderStatusPending).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAlreadyProcessed
	}
	return nil
}

// OrderFilter narrows a user's order history. Zero values match everything.
type OrderFilter struct {
	Status        types.OrderStatus
	Side          types.OrderSide
	Ticker        string
	ExecutionType types.ExecutionType
	Page          int
	PerPage       int
}

// ListOrders returns one page of the user's orders, newest first, and the
// total number of matches
func (d *Database) ListOrders(userID string, f OrderFilter) ([]types.Order, int64, error) {
	q := d.db.Model(&types.Order{}).Where("user_id = ?", userID)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Side != "" {
		q = q.Where("side = ?", f.Side)
	}
	if f.Ticker != "" {
		q = q.Where("ticker = ?", f.Ticker)
	}
	if f.ExecutionType != "" {
		q = q.Where("execution_type = ?", f.ExecutionType)
	}

	q = q.Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var orders []types.Order
	err := q.Order("created_at DESC").Order("id DESC").
		Offset((f.Page - 1) * f.PerPage).
		Limit(f.PerPage).
		Find(&orders).Error
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

// ListPendingOrders returns every PENDING order, oldest first
func (d *Database) ListPendingOrders() ([]types.Order, error) {
	var orders []types.Order
	err := d.db.Where("status = ?", types.OrderStatusPending).
		Order("created_at ASC").Order("id ASC").
		Find(&orders).Error
	return orders, err
}

// PendingSellQuantity sums the shares already promised by the user's other
// pending sell orders for ticker
func (d *Database) PendingSellQuantity(userID, ticker, excludeOrderID string) (int64, error) {
	var total int64
	q := d.db.Model(&types.Order{}).
		Select("COALESCE(SUM(quantity), 0)").
		Where("user_id = ? AND ticker = ? AND side = ? AND status = ?",
			userID, ticker, types.OrderSideSell, types.OrderStatusPending)
	if excludeOrderID != "" {
		q = q.Where("order_id <> ?", excludeOrderID)
	}
	if err := q.Scan(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (d *Database) CreateTrade(trade *types.TradeRecord) error {
	return d.db.Create(trade).Error
}

// GetTradeByOrder returns nil when the order has not been filled
func (d *Database) GetTradeByOrder(orderID string) (*types.TradeRecord, error) {
	var trade types.TradeRecord
	if err := d.db.Where("order_id = ?", orderID).First(&trade).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trade, nil
}

// ListTrades returns the user's fills, newest first
func (d *Database) ListTrades(userID string, limit int) ([]types.TradeRecord, error) {
	var trades []types.TradeRecord
	err := d.db.Where("user_id = ?", userID).
		Order("executed_at DESC").Order("id DESC").
		Limit(limit).
		Find(&trades).Error
	return trades, err
}

// GetIdempotencyRecord returns nil when the key has not been seen
func (d *Database) GetIdempotencyRecord(key string) (*types.IdempotencyRecord, error) {
	var record types.IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// SaveIdempotencyRecord stores key -> orderID. An expired record for the same
// key is replaced.
func (d *Database) SaveIdempotencyRecord(key, orderID string) error {
	if err := d.db.Unscoped().Where("idempotency_key = ? AND expires_at <= ?", key, time.Now()).
		Delete(&types.IdempotencyRecord{}).Error; err != nil {
		return err
	}
	record := types.IdempotencyRecord{
		IdempotencyKey: key,
		ResourceID:     orderID,
		ResourceType:   "order",
		ExpiresAt:      time.Now().Add(idempotencyTTL),
	}
	return d.db.Create(&record).Error
}
