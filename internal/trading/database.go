package trading

import (
	"errors"
	"time"

	"github.com/ksred/trading-ledger/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateOrder(order *types.Order) error {
	return d.db.Create(order).Error
}

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

func (d *Database) GetOrderByClientOrderID(clientOrderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("client_order_id = ?", clientOrderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrdersByAccount(accountID string) ([]types.Order, error) {
	var orders []types.Order
	if err := d.db.Where("account_id = ?", accountID).Order("created_at desc, id desc").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// GetStaleOrders returns orders in the given state created before the cutoff,
// oldest first.
func (d *Database) GetStaleOrders(status string, olderThan time.Time) ([]types.Order, error) {
	var orders []types.Order
	if err := d.db.Where("status = ? AND created_at < ?", status, olderThan).
		Order("created_at asc").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// claimOrder performs the conditional PENDING -> EXECUTING transition inside
// tx. Exactly one concurrent caller sees claimed=true; everyone else finds
// zero rows matching the PENDING predicate. Because the claim runs in the
// execution transaction, a rollback releases the order back to PENDING.
func claimOrder(tx *gorm.DB, orderID string) (bool, error) {
	res := tx.Model(&types.Order{}).
		Where("order_id = ? AND status = ?", orderID, types.OrderPending).
		Updates(map[string]interface{}{
			"status":     types.OrderExecuting,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
