package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// OrderSide indicates whether an order buys or sells an asset.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType distinguishes immediate market orders from resting limit orders.
type OrderType string

const (
	TypeMarket OrderType = "MARKET"
	TypeLimit  OrderType = "LIMIT"
)

// OrderStatus is the order lifecycle state. FILLED and CANCELLED are terminal.
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
)

// FeeRate is the flat execution fee applied to every fill: 0.1% of the
// fill's total value.
var FeeRate = decimal.NewFromFloat(0.001)

// ReservationFor is the amount of buying power a pending buy limit order
// sets aside: the limit value of the quantity plus the fee it would incur.
func ReservationFor(quantity, limitPrice decimal.Decimal) decimal.Decimal {
	value := quantity.Mul(limitPrice)
	return value.Add(value.Mul(FeeRate))
}

type Order struct {
	gorm.Model       `json:"-"`
	OrderID          string          `gorm:"uniqueIndex" json:"order_id"`
	UserID           string          `gorm:"index" json:"user_id"`
	PortfolioID      string          `gorm:"index" json:"portfolio_id"`
	AssetID          string          `gorm:"index" json:"asset_id"`
	Side             OrderSide       `json:"side"`
	OrderType        OrderType       `json:"order_type"`
	Quantity         decimal.Decimal `gorm:"type:decimal(32,8)" json:"quantity"`
	LimitPrice       decimal.Decimal `gorm:"type:decimal(32,8)" json:"limit_price"` // zero for market orders
	Status           OrderStatus     `gorm:"index" json:"status"`
	FilledQuantity   decimal.Decimal `gorm:"type:decimal(32,8)" json:"filled_quantity"`
	AverageFillPrice decimal.Decimal `gorm:"type:decimal(32,8)" json:"average_fill_price"`
	Fees             decimal.Decimal `gorm:"type:decimal(32,8)" json:"fees"`
	RejectionReason  string          `json:"rejection_reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	FilledAt         *time.Time      `json:"filled_at,omitempty"`
}

// RemainingQuantity is the portion of the order not yet filled.
func (o *Order) RemainingQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// IsOpen reports whether the order can still receive fills or be cancelled.
func (o *Order) IsOpen() bool {
	return o.Status == OrderPending || o.Status == OrderPartiallyFilled
}

// Trade is the append-only record of a single fill against an order.
// Trades are immutable once written.
type Trade struct {
	gorm.Model      `json:"-"`
	TradeID         string          `gorm:"uniqueIndex" json:"trade_id"`
	OrderID         string          `gorm:"index" json:"order_id"`
	UserID          string          `gorm:"index" json:"user_id"`
	PortfolioID     string          `json:"portfolio_id"`
	AssetID         string          `json:"asset_id"`
	Side            OrderSide       `json:"side"`
	Quantity        decimal.Decimal `gorm:"type:decimal(32,8)" json:"quantity"`
	Price           decimal.Decimal `gorm:"type:decimal(32,8)" json:"price"`
	TotalValue      decimal.Decimal `gorm:"type:decimal(32,8)" json:"total_value"`
	Fees            decimal.Decimal `gorm:"type:decimal(32,8)" json:"fees"`
	RealizedPnl     decimal.Decimal `gorm:"type:decimal(32,8)" json:"realized_pnl"`      // sell trades only
	CostBasisAtSale decimal.Decimal `gorm:"type:decimal(32,8)" json:"cost_basis_at_sale"` // sell trades only
	CreatedAt       time.Time       `json:"created_at"`
}
