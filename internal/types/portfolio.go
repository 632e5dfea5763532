package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Position is a user's current holding of one asset within a portfolio.
// A position exists only while its quantity is positive; selling down to
// zero deletes the record.
type Position struct {
	gorm.Model          `json:"-"`
	UserID              string              `gorm:"uniqueIndex:idx_position_key" json:"user_id"`
	PortfolioID         string              `gorm:"uniqueIndex:idx_position_key" json:"portfolio_id"`
	AssetID             string              `gorm:"uniqueIndex:idx_position_key" json:"asset_id"`
	Quantity            decimal.Decimal     `gorm:"type:decimal(32,8)" json:"quantity"`
	AverageCost         decimal.Decimal     `gorm:"type:decimal(32,8)" json:"average_cost"`
	TotalCostBasis      decimal.Decimal     `gorm:"type:decimal(32,8)" json:"total_cost_basis"`
	FirstBuyDate        time.Time           `json:"first_buy_date"`
	LastTradeDate       time.Time           `json:"last_trade_date"`
	TotalBuys           int                 `json:"total_buys"`
	TotalSells          int                 `json:"total_sells"`
	StopLossPrice       decimal.NullDecimal `gorm:"type:decimal(32,8)" json:"stop_loss_price,omitempty"`
	TakeProfitPrice     decimal.NullDecimal `gorm:"type:decimal(32,8)" json:"take_profit_price,omitempty"`
	MaxUnrealizedProfit decimal.Decimal     `gorm:"type:decimal(32,8)" json:"max_unrealized_profit"`
}

// UnrealizedPnl is the paper profit on the held quantity at the given price.
func (p *Position) UnrealizedPnl(currentPrice decimal.Decimal) decimal.Decimal {
	return currentPrice.Sub(p.AverageCost).Mul(p.Quantity)
}

// MarketValue is the position's worth at the given price.
func (p *Position) MarketValue(currentPrice decimal.Decimal) decimal.Decimal {
	return p.Quantity.Mul(currentPrice)
}

// Balance tracks cash and derived portfolio value for one (user, portfolio).
// ReservedFunds holds the amounts set aside for pending buy limit orders;
// it reduces buying power but never cash.
type Balance struct {
	gorm.Model     `json:"-"`
	UserID         string          `gorm:"uniqueIndex:idx_balance_key" json:"user_id"`
	PortfolioID    string          `gorm:"uniqueIndex:idx_balance_key" json:"portfolio_id"`
	Cash           decimal.Decimal `gorm:"type:decimal(32,8)" json:"cash"`
	ReservedFunds  decimal.Decimal `gorm:"type:decimal(32,8)" json:"reserved_funds"`
	PositionsValue decimal.Decimal `gorm:"type:decimal(32,8)" json:"positions_value"`
	RealizedPnl    decimal.Decimal `gorm:"type:decimal(32,8)" json:"realized_pnl"`
	UnrealizedPnl  decimal.Decimal `gorm:"type:decimal(32,8)" json:"unrealized_pnl"`
	TotalValue     decimal.Decimal `gorm:"type:decimal(32,8)" json:"total_value"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// BuyingPower is the cash available for new buy orders after reservations.
func (b *Balance) BuyingPower() decimal.Decimal {
	return b.Cash.Sub(b.ReservedFunds)
}

// TotalPnl is the sum of realized and unrealized profit and loss.
func (b *Balance) TotalPnl() decimal.Decimal {
	return b.RealizedPnl.Add(b.UnrealizedPnl)
}

// Asset is a tradeable instrument with its most recent market price.
type Asset struct {
	gorm.Model `json:"-"`
	AssetID    string          `gorm:"uniqueIndex" json:"asset_id"`
	Symbol     string          `json:"symbol"`
	Name       string          `json:"name"`
	LastPrice  decimal.Decimal `gorm:"type:decimal(32,8)" json:"last_price"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Notification is a persisted fill or rejection event delivered to a user.
// Delivery is fire-and-forget; trade outcomes never depend on it.
type Notification struct {
	gorm.Model     `json:"-"`
	NotificationID string    `gorm:"uniqueIndex" json:"notification_id"`
	UserID         string    `gorm:"index" json:"user_id"`
	EventType      string    `json:"event_type"`
	Payload        string    `json:"payload"`
	CreatedAt      time.Time `json:"created_at"`
}
