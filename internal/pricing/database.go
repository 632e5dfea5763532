package pricing

import (
	"errors"

	"github.com/marketsim/paper-exchange/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetAsset(assetID string) (*types.Asset, error) {
	var asset types.Asset
	if err := d.db.Where("asset_id = ?", assetID).First(&asset).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &asset, nil
}

func (d *Database) ListAssets() ([]types.Asset, error) {
	var assets []types.Asset
	if err := d.db.Order("symbol asc").Find(&assets).Error; err != nil {
		return nil, err
	}
	return assets, nil
}

func (d *Database) SaveAsset(asset *types.Asset) error {
	return d.db.Save(asset).Error
}

func (d *Database) CreateAsset(asset *types.Asset) error {
	return d.db.Create(asset).Error
}
