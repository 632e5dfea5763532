package database

import (
	"os"

	"github.com/marketsim/paper-exchange/internal/orders"
	"github.com/marketsim/paper-exchange/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase() (*gorm.DB, error) {
	path := os.Getenv("DATABASE_PATH")
	if path == "" {
		path = "exchange.db"
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate creates or updates all schemas owned by the exchange
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.Order{},
		&types.Trade{},
		&types.Position{},
		&types.Balance{},
		&types.Asset{},
		&types.Notification{},
		&orders.IdempotencyRecord{},
	)
}
