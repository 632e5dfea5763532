package matching

import (
	"github.com/marketsim/paper-exchange/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetPendingOrders loads every order still eligible for matching, oldest
// first
func (d *Database) GetPendingOrders() ([]*types.Order, error) {
	var orders []*types.Order
	err := d.db.
		Where("status IN ?", []types.OrderStatus{types.OrderPending, types.OrderPartiallyFilled}).
		Order("created_at asc").
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}
