package pricing

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/marketsim/paper-exchange/internal/types"
	"github.com/marketsim/paper-exchange/pkg/response"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Service is the price oracle: it answers current-price lookups for every
// registered asset and owns the asset registry.
type Service struct {
	db *Database
}

// NewService creates a new pricing service with the given database connection
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// GetCurrentPrice returns the latest market price for an asset.
// Returns types.ErrAssetPriceUnavailable when the asset is unknown or has
// never been priced.
func (s *Service) GetCurrentPrice(assetID string) (decimal.Decimal, error) {
	asset, err := s.db.GetAsset(assetID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load asset %s: %w", assetID, err)
	}
	if asset == nil || asset.LastPrice.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%w: %s", types.ErrAssetPriceUnavailable, assetID)
	}
	return asset.LastPrice, nil
}

// ListAssets returns all registered assets with their latest prices
func (s *Service) ListAssets() ([]types.Asset, error) {
	return s.db.ListAssets()
}

// RegisterAsset adds a new tradeable asset with an initial price
func (s *Service) RegisterAsset(symbol, name string, initialPrice decimal.Decimal) (*types.Asset, error) {
	asset := &types.Asset{
		AssetID:   "AST_" + uuid.New().String(),
		Symbol:    symbol,
		Name:      name,
		LastPrice: initialPrice,
		UpdatedAt: time.Now(),
	}
	if err := s.db.CreateAsset(asset); err != nil {
		return nil, err
	}
	return asset, nil
}

// SeedDefaultAssets registers a demo asset universe if the registry is empty
func (s *Service) SeedDefaultAssets() error {
	assets, err := s.db.ListAssets()
	if err != nil {
		return err
	}
	if len(assets) > 0 {
		return nil
	}

	defaults := []struct {
		symbol string
		name   string
		price  float64
	}{
		{"AAPL", "Apple Inc.", 185.50},
		{"GOOGL", "Alphabet Inc.", 142.30},
		{"MSFT", "Microsoft Corporation", 410.20},
		{"AMZN", "Amazon.com Inc.", 178.90},
		{"META", "Meta Platforms Inc.", 505.60},
	}

	for _, def := range defaults {
		if _, err := s.RegisterAsset(def.symbol, def.name, decimal.NewFromFloat(def.price)); err != nil {
			return err
		}
	}
	return nil
}

// GinHandlers contains HTTP handlers for asset and price endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for asset endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// ListAssetsHandler handles GET requests for the asset universe with prices
func (h *GinHandlers) ListAssetsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		assets, err := h.service.ListAssets()
		response.Handle(c, assets, err)
	}
}
