package ledger

import (
	"errors"

	"github.com/marketsim/paper-exchange/internal/types"
	"gorm.io/gorm"
)

// Database wraps a gorm handle for position and balance records. Executors
// construct one around a transaction so every fill's reads and writes share
// the same transactional boundary.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetPosition(userID, portfolioID, assetID string) (*types.Position, error) {
	var position types.Position
	err := d.db.Where("user_id = ? AND portfolio_id = ? AND asset_id = ?", userID, portfolioID, assetID).
		First(&position).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &position, nil
}

func (d *Database) GetPositionsForPortfolio(userID, portfolioID string) ([]types.Position, error) {
	var positions []types.Position
	err := d.db.Where("user_id = ? AND portfolio_id = ?", userID, portfolioID).
		Order("asset_id asc").
		Find(&positions).Error
	if err != nil {
		return nil, err
	}
	return positions, nil
}

func (d *Database) SavePosition(position *types.Position) error {
	return d.db.Save(position).Error
}

func (d *Database) CreatePosition(position *types.Position) error {
	return d.db.Create(position).Error
}

// DeletePosition removes a flat position record entirely. Positions with
// zero quantity must not persist.
func (d *Database) DeletePosition(position *types.Position) error {
	return d.db.Unscoped().Delete(position).Error
}

func (d *Database) GetBalance(userID, portfolioID string) (*types.Balance, error) {
	var balance types.Balance
	err := d.db.Where("user_id = ? AND portfolio_id = ?", userID, portfolioID).
		First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &balance, nil
}

func (d *Database) SaveBalance(balance *types.Balance) error {
	return d.db.Save(balance).Error
}
