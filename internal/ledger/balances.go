package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/marketsim/paper-exchange/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// getOrCreateBalance loads the balance for (user, portfolio), creating an
// empty one on first trading activity
func getOrCreateBalance(store *Database, userID, portfolioID string) (*types.Balance, error) {
	balance, err := store.GetBalance(userID, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to load balance: %w", err)
	}
	if balance == nil {
		balance = &types.Balance{
			UserID:      userID,
			PortfolioID: portfolioID,
			UpdatedAt:   time.Now(),
		}
	}
	return balance, nil
}

// ApplyBuyCash settles the cash leg of a buy fill: cash decreases by
// totalValue + fees. For limit buys, reservationRelease returns the funds
// set aside at placement before the fill is charged; the balance check then
// runs against the restored buying power.
func (s *Service) ApplyBuyCash(tx *gorm.DB, userID, portfolioID string, totalValue, fees, reservationRelease decimal.Decimal) (*types.Balance, error) {
	store := NewDatabase(tx)

	balance, err := getOrCreateBalance(store, userID, portfolioID)
	if err != nil {
		return nil, err
	}

	if reservationRelease.IsPositive() {
		balance.ReservedFunds = balance.ReservedFunds.Sub(reservationRelease)
		if balance.ReservedFunds.IsNegative() {
			balance.ReservedFunds = decimal.Zero
		}
	}

	required := totalValue.Add(fees)
	if required.GreaterThan(balance.BuyingPower()) {
		return nil, fmt.Errorf("%w: required %s, buying power %s",
			types.ErrInsufficientFunds, required.String(), balance.BuyingPower().String())
	}

	balance.Cash = balance.Cash.Sub(required)
	balance.UpdatedAt = time.Now()

	if err := store.SaveBalance(balance); err != nil {
		return nil, fmt.Errorf("failed to save balance: %w", err)
	}
	return balance, nil
}

// ApplySellCash settles the cash leg of a sell fill: cash increases by
// totalValue - fees and the trade's realized P&L is accumulated.
func (s *Service) ApplySellCash(tx *gorm.DB, userID, portfolioID string, totalValue, fees, realizedPnl decimal.Decimal) (*types.Balance, error) {
	store := NewDatabase(tx)

	balance, err := getOrCreateBalance(store, userID, portfolioID)
	if err != nil {
		return nil, err
	}

	balance.Cash = balance.Cash.Add(totalValue.Sub(fees))
	balance.RealizedPnl = balance.RealizedPnl.Add(realizedPnl)
	balance.UpdatedAt = time.Now()

	if err := store.SaveBalance(balance); err != nil {
		return nil, fmt.Errorf("failed to save balance: %w", err)
	}
	return balance, nil
}

// ReserveFunds sets aside buying power for a pending buy limit order.
// Reservations reduce buying power but never cash.
func (s *Service) ReserveFunds(tx *gorm.DB, userID, portfolioID string, amount decimal.Decimal) (*types.Balance, error) {
	store := NewDatabase(tx)

	balance, err := getOrCreateBalance(store, userID, portfolioID)
	if err != nil {
		return nil, err
	}

	if amount.GreaterThan(balance.BuyingPower()) {
		return nil, fmt.Errorf("%w: required %s, buying power %s",
			types.ErrInsufficientFunds, amount.String(), balance.BuyingPower().String())
	}

	balance.ReservedFunds = balance.ReservedFunds.Add(amount)
	balance.UpdatedAt = time.Now()

	if err := store.SaveBalance(balance); err != nil {
		return nil, fmt.Errorf("failed to save balance: %w", err)
	}
	return balance, nil
}

// ReleaseFunds returns a reservation to buying power, on cancellation or
// ahead of a fill being charged
func (s *Service) ReleaseFunds(tx *gorm.DB, userID, portfolioID string, amount decimal.Decimal) (*types.Balance, error) {
	store := NewDatabase(tx)

	balance, err := getOrCreateBalance(store, userID, portfolioID)
	if err != nil {
		return nil, err
	}

	balance.ReservedFunds = balance.ReservedFunds.Sub(amount)
	if balance.ReservedFunds.IsNegative() {
		balance.ReservedFunds = decimal.Zero
	}
	balance.UpdatedAt = time.Now()

	if err := store.SaveBalance(balance); err != nil {
		return nil, fmt.Errorf("failed to save balance: %w", err)
	}
	return balance, nil
}

// RefreshBalance recomputes the derived balance fields from open positions
// and current prices: positionsValue, unrealizedPnl and totalValue. Assets
// without a price are valued at cost. Per-position high-water marks for
// unrealized profit are advanced as a side effect.
func (s *Service) RefreshBalance(tx *gorm.DB, userID, portfolioID string) (*types.Balance, error) {
	store := NewDatabase(tx)

	balance, err := getOrCreateBalance(store, userID, portfolioID)
	if err != nil {
		return nil, err
	}

	positions, err := store.GetPositionsForPortfolio(userID, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to load positions: %w", err)
	}

	positionsValue := decimal.Zero
	unrealizedPnl := decimal.Zero

	for i := range positions {
		position := &positions[i]

		price, err := s.prices.GetCurrentPrice(position.AssetID)
		if err != nil {
			if !errors.Is(err, types.ErrAssetPriceUnavailable) {
				return nil, err
			}
			price = position.AverageCost
		}

		positionsValue = positionsValue.Add(position.MarketValue(price))
		pnl := position.UnrealizedPnl(price)
		unrealizedPnl = unrealizedPnl.Add(pnl)

		if pnl.GreaterThan(position.MaxUnrealizedProfit) {
			position.MaxUnrealizedProfit = pnl
			if err := store.SavePosition(position); err != nil {
				return nil, fmt.Errorf("failed to save position high-water mark: %w", err)
			}
		}
	}

	balance.PositionsValue = positionsValue
	balance.UnrealizedPnl = unrealizedPnl
	balance.TotalValue = balance.Cash.Add(positionsValue)
	balance.UpdatedAt = time.Now()

	if err := store.SaveBalance(balance); err != nil {
		return nil, fmt.Errorf("failed to save balance: %w", err)
	}
	return balance, nil
}

// Deposit credits cash to a balance, creating it if needed
func (s *Service) Deposit(userID, portfolioID string, amount decimal.Decimal) (*types.Balance, error) {
	var balance *types.Balance
	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		store := NewDatabase(tx)
		b, err := getOrCreateBalance(store, userID, portfolioID)
		if err != nil {
			return err
		}
		b.Cash = b.Cash.Add(amount)
		b.TotalValue = b.Cash.Add(b.PositionsValue)
		b.UpdatedAt = time.Now()
		if err := store.SaveBalance(b); err != nil {
			return fmt.Errorf("failed to save balance: %w", err)
		}
		balance = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

// BalanceSummary returns the balance with derived fields freshly computed
func (s *Service) BalanceSummary(userID, portfolioID string) (*types.Balance, error) {
	var balance *types.Balance
	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		b, err := s.RefreshBalance(tx, userID, portfolioID)
		if err != nil {
			return err
		}
		balance = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}
