package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/marketsim/paper-exchange/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ApplyBuyFill records a buy execution against the position ledger.
// A first buy creates the position at the execution price; subsequent buys
// re-weight the average cost:
//
//	newAvgCost = (oldQty*oldAvgCost + execQty*execPrice) / (oldQty + execQty)
func (s *Service) ApplyBuyFill(tx *gorm.DB, userID, portfolioID, assetID string, quantity, price decimal.Decimal, now time.Time) (*types.Position, error) {
	store := NewDatabase(tx)

	position, err := store.GetPosition(userID, portfolioID, assetID)
	if err != nil {
		return nil, fmt.Errorf("failed to load position: %w", err)
	}

	if position == nil {
		position = &types.Position{
			UserID:         userID,
			PortfolioID:    portfolioID,
			AssetID:        assetID,
			Quantity:       quantity,
			AverageCost:    price,
			TotalCostBasis: quantity.Mul(price),
			FirstBuyDate:   now,
			LastTradeDate:  now,
			TotalBuys:      1,
		}
		if err := store.CreatePosition(position); err != nil {
			return nil, fmt.Errorf("failed to create position: %w", err)
		}
		return position, nil
	}

	newQuantity := position.Quantity.Add(quantity)
	newAvgCost := position.Quantity.Mul(position.AverageCost).
		Add(quantity.Mul(price)).
		Div(newQuantity)

	position.Quantity = newQuantity
	position.AverageCost = newAvgCost
	position.TotalCostBasis = newQuantity.Mul(newAvgCost)
	position.LastTradeDate = now
	position.TotalBuys++

	if err := store.SavePosition(position); err != nil {
		return nil, fmt.Errorf("failed to save position: %w", err)
	}
	return position, nil
}

// SellFillResult carries the ledger outcome of a sell execution
type SellFillResult struct {
	RealizedPnl     decimal.Decimal
	CostBasisAtSale decimal.Decimal
	// Remaining is nil when the sell closed the position
	Remaining *types.Position
}

// ApplySellFill records a sell execution against the position ledger.
// Selling never changes the average cost of the remaining quantity.
// Selling the full quantity deletes the position record: flat positions do
// not persist.
func (s *Service) ApplySellFill(tx *gorm.DB, userID, portfolioID, assetID string, quantity, price, fees decimal.Decimal, now time.Time) (*SellFillResult, error) {
	store := NewDatabase(tx)

	position, err := store.GetPosition(userID, portfolioID, assetID)
	if err != nil {
		return nil, fmt.Errorf("failed to load position: %w", err)
	}
	if position == nil || position.Quantity.LessThan(quantity) {
		return nil, fmt.Errorf("%w: %s", types.ErrInsufficientPosition, assetID)
	}

	realizedPnl := price.Sub(position.AverageCost).Mul(quantity).Sub(fees)
	result := &SellFillResult{
		RealizedPnl:     realizedPnl,
		CostBasisAtSale: position.AverageCost,
	}

	newQuantity := position.Quantity.Sub(quantity)
	if newQuantity.IsZero() {
		if err := store.DeletePosition(position); err != nil {
			return nil, fmt.Errorf("failed to delete flat position: %w", err)
		}
		return result, nil
	}

	position.Quantity = newQuantity
	position.TotalCostBasis = newQuantity.Mul(position.AverageCost)
	position.LastTradeDate = now
	position.TotalSells++

	if err := store.SavePosition(position); err != nil {
		return nil, fmt.Errorf("failed to save position: %w", err)
	}
	result.Remaining = position
	return result, nil
}

// HasQuantity reports whether the ledger holds at least the given quantity
// of an asset for (user, portfolio)
func (s *Service) HasQuantity(userID, portfolioID, assetID string, quantity decimal.Decimal) (bool, error) {
	position, err := s.db.GetPosition(userID, portfolioID, assetID)
	if err != nil {
		return false, err
	}
	return position != nil && position.Quantity.GreaterThanOrEqual(quantity), nil
}

// GetPosition returns the current position for (user, portfolio, asset), or
// nil when flat
func (s *Service) GetPosition(userID, portfolioID, assetID string) (*types.Position, error) {
	return s.db.GetPosition(userID, portfolioID, assetID)
}

// PositionSummary is a position enriched with its current market valuation
type PositionSummary struct {
	types.Position
	CurrentPrice  decimal.Decimal `json:"current_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
}

// PortfolioPositions returns all open positions for a portfolio with
// unrealized P&L against current prices. Assets without a price are valued
// at cost.
func (s *Service) PortfolioPositions(userID, portfolioID string) ([]PositionSummary, error) {
	positions, err := s.db.GetPositionsForPortfolio(userID, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to load positions: %w", err)
	}

	summaries := make([]PositionSummary, 0, len(positions))
	for _, position := range positions {
		price, err := s.prices.GetCurrentPrice(position.AssetID)
		if err != nil {
			if !errors.Is(err, types.ErrAssetPriceUnavailable) {
				return nil, err
			}
			price = position.AverageCost
		}

		summaries = append(summaries, PositionSummary{
			Position:      position,
			CurrentPrice:  price,
			MarketValue:   position.MarketValue(price),
			UnrealizedPnl: position.UnrealizedPnl(price),
		})
	}
	return summaries, nil
}
