package orders

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/marketsim/paper-exchange/internal/execution"
	"github.com/marketsim/paper-exchange/internal/ledger"
	"github.com/marketsim/paper-exchange/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PriceSource answers current-price lookups for market order execution
type PriceSource interface {
	GetCurrentPrice(assetID string) (decimal.Decimal, error)
}

// Service handles order placement, lookup and cancellation.
// Market orders execute immediately; limit orders rest as pending until the
// matching engine fills them. Pending buy limit orders reserve buying power
// at placement.
type Service struct {
	db       *Database
	gormDB   *gorm.DB
	ledger   *ledger.Service
	prices   PriceSource
	executor *execution.Executor
}

// NewService creates a new order service
func NewService(gormDB *gorm.DB, ledgerService *ledger.Service, prices PriceSource, executor *execution.Executor) *Service {
	return &Service{
		db:       NewDatabase(gormDB),
		gormDB:   gormDB,
		ledger:   ledgerService,
		prices:   prices,
		executor: executor,
	}
}

// PlaceOrderRequest carries the parameters for a new order
type PlaceOrderRequest struct {
	UserID      string
	PortfolioID string
	AssetID     string
	Side        types.OrderSide
	OrderType   types.OrderType
	Quantity    decimal.Decimal
	LimitPrice  decimal.Decimal
}

func (r *PlaceOrderRequest) validate() error {
	if r.UserID == "" || r.PortfolioID == "" || r.AssetID == "" {
		return fmt.Errorf("user_id, portfolio_id and asset_id are required")
	}
	if r.Side != types.SideBuy && r.Side != types.SideSell {
		return fmt.Errorf("side must be %s or %s", types.SideBuy, types.SideSell)
	}
	if r.OrderType != types.TypeMarket && r.OrderType != types.TypeLimit {
		return fmt.Errorf("order_type must be %s or %s", types.TypeMarket, types.TypeLimit)
	}
	if r.Quantity.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("quantity must be positive")
	}
	if r.OrderType == types.TypeLimit && r.LimitPrice.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("limit orders require a positive limit_price")
	}
	if r.OrderType == types.TypeMarket && !r.LimitPrice.IsZero() {
		return fmt.Errorf("market orders must not carry a limit_price")
	}
	return nil
}

// PlacementResult is the outcome of placing an order. Fill is set only for
// market orders, which execute immediately.
type PlacementResult struct {
	Order *types.Order          `json:"order"`
	Fill  *execution.FillResult `json:"fill,omitempty"`
}

// PlaceOrder validates and places an order with idempotency support.
// A repeated idempotency key returns the originally created order.
func (s *Service) PlaceOrder(req PlaceOrderRequest, idempotencyKey string) (*PlacementResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	// Check for existing idempotency record
	if idempotencyKey != "" {
		record, err := s.db.GetIdempotencyRecord(idempotencyKey)
		if err != nil {
			return nil, err
		}
		if record != nil && record.ExpiresAt.After(time.Now()) {
			existing, err := s.db.GetOrder(record.ResourceID)
			if err != nil {
				return nil, err
			}
			if existing == nil {
				return nil, types.ErrOrderNotFound
			}
			return &PlacementResult{Order: existing}, nil
		}
	}

	order := &types.Order{
		OrderID:     "ORD_" + uuid.New().String(),
		UserID:      req.UserID,
		PortfolioID: req.PortfolioID,
		AssetID:     req.AssetID,
		Side:        req.Side,
		OrderType:   req.OrderType,
		Quantity:    req.Quantity,
		LimitPrice:  req.LimitPrice,
		Status:      types.OrderPending,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	if req.OrderType == types.TypeMarket {
		return s.placeMarketOrder(order, idempotencyKey)
	}
	return s.placeLimitOrder(order, idempotencyKey)
}

// placeMarketOrder persists the order and executes it immediately at the
// current market price
func (s *Service) placeMarketOrder(order *types.Order, idempotencyKey string) (*PlacementResult, error) {
	logger := log.With().
		Str("service", "orders").
		Str("order_id", order.OrderID).
		Str("asset_id", order.AssetID).
		Logger()

	price, err := s.prices.GetCurrentPrice(order.AssetID)
	if err != nil {
		return nil, err
	}

	err = s.gormDB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		if idempotencyKey != "" {
			if err := s.db.CreateIdempotencyRecord(tx, idempotencyKey, order.OrderID); err != nil {
				return fmt.Errorf("failed to create idempotency record: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	fill, err := s.executor.ExecuteFill(order, price, order.Quantity)
	if err != nil {
		logger.Warn().Err(err).Msg("market order rejected")
		return nil, err
	}

	logger.Info().
		Str("trade_id", fill.Trade.TradeID).
		Str("price", price.String()).
		Msg("market order executed")

	return &PlacementResult{Order: order, Fill: fill}, nil
}

// placeLimitOrder validates funds or position and persists the order as
// pending. Buy orders reserve limit value plus fees from buying power; sell
// orders require the position to already hold the quantity.
func (s *Service) placeLimitOrder(order *types.Order, idempotencyKey string) (*PlacementResult, error) {
	logger := log.With().
		Str("service", "orders").
		Str("order_id", order.OrderID).
		Str("asset_id", order.AssetID).
		Str("side", string(order.Side)).
		Logger()

	if order.Side == types.SideSell {
		enough, err := s.ledger.HasQuantity(order.UserID, order.PortfolioID, order.AssetID, order.Quantity)
		if err != nil {
			return nil, err
		}
		if !enough {
			return nil, fmt.Errorf("%w: %s", types.ErrInsufficientPosition, order.AssetID)
		}
	}

	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		if order.Side == types.SideBuy {
			reserve := types.ReservationFor(order.Quantity, order.LimitPrice)
			if _, err := s.ledger.ReserveFunds(tx, order.UserID, order.PortfolioID, reserve); err != nil {
				return err
			}
		}
		if err := tx.Create(order).Error; err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		if idempotencyKey != "" {
			if err := s.db.CreateIdempotencyRecord(tx, idempotencyKey, order.OrderID); err != nil {
				return fmt.Errorf("failed to create idempotency record: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("limit_price", order.LimitPrice.String()).
		Str("quantity", order.Quantity.String()).
		Msg("limit order placed")

	return &PlacementResult{Order: order}, nil
}

// GetOrder retrieves an order owned by the given user
func (s *Service) GetOrder(orderID, userID string) (*types.Order, error) {
	order, err := s.db.GetOrderByOrderIDAndUserID(orderID, userID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, types.ErrOrderNotFound
	}
	return order, nil
}

// CancelOrder cancels an open order, releasing any reserved buy funds.
// Cancelling a terminal order returns the order alongside
// types.ErrInvalidOrderState and mutates nothing.
//
// The cancel serializes with the executor's fills for the same owner and
// re-checks the persisted status inside the transaction, so a fill landing
// between the lookup and the cancel cannot be overwritten or have its
// reservation double-released.
func (s *Service) CancelOrder(orderID, userID string) (*types.Order, error) {
	order, err := s.db.GetOrderByOrderIDAndUserID(orderID, userID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, types.ErrOrderNotFound
	}

	unlock := s.executor.LockOwner(order.UserID, order.PortfolioID)
	defer unlock()

	err = s.gormDB.Transaction(func(tx *gorm.DB) error {
		var current types.Order
		if err := tx.Where("order_id = ? AND user_id = ?", orderID, userID).First(&current).Error; err != nil {
			return fmt.Errorf("failed to load order %s: %w", orderID, err)
		}
		if !current.IsOpen() {
			*order = current
			return fmt.Errorf("%w: order %s is %s", types.ErrInvalidOrderState, current.OrderID, current.Status)
		}

		if current.Side == types.SideBuy && current.OrderType == types.TypeLimit {
			release := types.ReservationFor(current.RemainingQuantity(), current.LimitPrice)
			if _, err := s.ledger.ReleaseFunds(tx, current.UserID, current.PortfolioID, release); err != nil {
				return err
			}
		}

		current.Status = types.OrderCancelled
		current.UpdatedAt = time.Now()
		if err := tx.Save(&current).Error; err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}
		*order = current
		return nil
	})
	if err != nil {
		if errors.Is(err, types.ErrInvalidOrderState) {
			return order, err
		}
		return nil, err
	}

	log.Info().
		Str("service", "orders").
		Str("order_id", order.OrderID).
		Msg("order cancelled")

	return order, nil
}
