package execution

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marketsim/paper-exchange/internal/ledger"
	"github.com/marketsim/paper-exchange/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Notifier receives fill and rejection events. Delivery is fire-and-forget:
// implementations must never block or fail a trade.
type Notifier interface {
	TradeExecuted(userID string, trade *types.Trade)
	OrderRejected(userID string, order *types.Order, reason string)
}

// FillResult is the outcome of one executed fill
type FillResult struct {
	Trade *types.Trade `json:"trade"`
	// Position is nil when a sell closed the position
	Position *types.Position `json:"position,omitempty"`
	Balance  *types.Balance  `json:"balance"`
	Order    *types.Order    `json:"order"`
}

// keyedMutex serializes fills per (user, portfolio) so concurrent fills
// against the same owner cannot race on position or balance rows
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	lock, ok := k.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		k.locks[key] = lock
	}
	return lock
}

// Executor validates and settles fills. Every fill runs as a single
// transaction writing the trade, the position, the balance and the order;
// either all four apply or none do.
type Executor struct {
	gormDB   *gorm.DB
	ledger   *ledger.Service
	notifier Notifier
	locks    keyedMutex
}

// NewExecutor creates a new trade executor. notifier may be nil.
func NewExecutor(gormDB *gorm.DB, ledgerService *ledger.Service, notifier Notifier) *Executor {
	return &Executor{
		gormDB:   gormDB,
		ledger:   ledgerService,
		notifier: notifier,
	}
}

// ExecuteFill executes quantity of the order at the given price.
// Validation failures reject the order (status CANCELLED with a reason) and
// surface as typed errors; no ledger state is mutated in that case.
//
// The caller's order may be a stale copy of the persisted row: the matching
// processor and immediate market execution can both hold the same pending
// order. The persisted row is authoritative; it is re-read inside the fill
// transaction, and a fill against an order that has since been filled or
// cancelled fails with ErrInvalidOrderState.
func (e *Executor) ExecuteFill(order *types.Order, price, quantity decimal.Decimal) (*FillResult, error) {
	logger := log.With().
		Str("service", "execution").
		Str("order_id", order.OrderID).
		Str("side", string(order.Side)).
		Str("price", price.String()).
		Str("quantity", quantity.String()).
		Logger()

	if !order.IsOpen() {
		return nil, fmt.Errorf("%w: order %s is %s", types.ErrInvalidOrderState, order.OrderID, order.Status)
	}
	if quantity.LessThanOrEqual(decimal.Zero) || quantity.GreaterThan(order.RemainingQuantity()) {
		return nil, fmt.Errorf("invalid fill quantity %s for order %s", quantity.String(), order.OrderID)
	}

	lock := e.locks.get(order.UserID + ":" + order.PortfolioID)
	lock.Lock()
	defer lock.Unlock()

	totalValue := quantity.Mul(price)
	fees := totalValue.Mul(types.FeeRate)
	now := time.Now()

	var current types.Order
	result := &FillResult{}
	err := e.gormDB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("order_id = ?", order.OrderID).First(&current).Error; err != nil {
			return fmt.Errorf("failed to load order %s: %w", order.OrderID, err)
		}
		if !current.IsOpen() {
			return fmt.Errorf("%w: order %s is %s", types.ErrInvalidOrderState, current.OrderID, current.Status)
		}
		if quantity.GreaterThan(current.RemainingQuantity()) {
			return fmt.Errorf("%w: fill quantity %s exceeds remaining %s on order %s",
				types.ErrInvalidOrderState, quantity.String(), current.RemainingQuantity().String(), current.OrderID)
		}

		trade := &types.Trade{
			TradeID:     "TRD_" + uuid.New().String(),
			OrderID:     current.OrderID,
			UserID:      current.UserID,
			PortfolioID: current.PortfolioID,
			AssetID:     current.AssetID,
			Side:        current.Side,
			Quantity:    quantity,
			Price:       price,
			TotalValue:  totalValue,
			Fees:        fees,
			CreatedAt:   now,
		}

		switch current.Side {
		case types.SideBuy:
			// Funds reserved at placement are returned before the fill is
			// charged, so the validation runs against restored buying power.
			release := decimal.Zero
			if current.OrderType == types.TypeLimit {
				release = types.ReservationFor(quantity, current.LimitPrice)
			}
			if _, err := e.ledger.ApplyBuyCash(tx, current.UserID, current.PortfolioID, totalValue, fees, release); err != nil {
				return err
			}
			position, err := e.ledger.ApplyBuyFill(tx, current.UserID, current.PortfolioID, current.AssetID, quantity, price, now)
			if err != nil {
				return err
			}
			result.Position = position

		case types.SideSell:
			sellResult, err := e.ledger.ApplySellFill(tx, current.UserID, current.PortfolioID, current.AssetID, quantity, price, fees, now)
			if err != nil {
				return err
			}
			trade.RealizedPnl = sellResult.RealizedPnl
			trade.CostBasisAtSale = sellResult.CostBasisAtSale
			result.Position = sellResult.Remaining

			if _, err := e.ledger.ApplySellCash(tx, current.UserID, current.PortfolioID, totalValue, fees, sellResult.RealizedPnl); err != nil {
				return err
			}

		default:
			return fmt.Errorf("unknown order side %q", current.Side)
		}

		if err := tx.Create(trade).Error; err != nil {
			return fmt.Errorf("failed to save trade: %w", err)
		}
		result.Trade = trade

		applyFillToOrder(&current, price, quantity, fees, now)
		if err := tx.Save(&current).Error; err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}

		balance, err := e.ledger.RefreshBalance(tx, current.UserID, current.PortfolioID)
		if err != nil {
			return err
		}
		result.Balance = balance
		return nil
	})

	if err != nil {
		if errors.Is(err, types.ErrInsufficientFunds) || errors.Is(err, types.ErrInsufficientPosition) {
			logger.Warn().Err(err).Msg("fill rejected by validation")
			if rejectErr := e.rejectOrder(order, err.Error()); rejectErr != nil {
				logger.Error().Err(rejectErr).Msg("failed to reject order")
			}
			return nil, err
		}
		if errors.Is(err, types.ErrInvalidOrderState) {
			logger.Warn().Err(err).Msg("fill skipped, persisted order state changed")
			return nil, err
		}
		logger.Error().Err(err).Msg("fill transaction failed")
		return nil, fmt.Errorf("%w: %w", types.ErrPersistenceFailure, err)
	}

	*order = current
	result.Order = order

	logger.Info().
		Str("trade_id", result.Trade.TradeID).
		Str("total_value", totalValue.String()).
		Str("fees", fees.String()).
		Str("order_status", string(order.Status)).
		Msg("fill executed")

	e.notifyTrade(order.UserID, result.Trade)

	return result, nil
}

// RejectOrder cancels an order with a rejection reason, releasing any
// remaining buy reservation. Serializes with fills for the same owner.
func (e *Executor) RejectOrder(order *types.Order, reason string) error {
	if !order.IsOpen() {
		return fmt.Errorf("%w: order %s is %s", types.ErrInvalidOrderState, order.OrderID, order.Status)
	}

	lock := e.locks.get(order.UserID + ":" + order.PortfolioID)
	lock.Lock()
	defer lock.Unlock()

	return e.rejectOrder(order, reason)
}

// rejectOrder applies the rejection against the persisted row. The caller
// must hold the owner lock; ExecuteFill calls this directly while still
// holding it.
func (e *Executor) rejectOrder(order *types.Order, reason string) error {
	var current types.Order
	err := e.gormDB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("order_id = ?", order.OrderID).First(&current).Error; err != nil {
			return fmt.Errorf("failed to load order %s: %w", order.OrderID, err)
		}
		if !current.IsOpen() {
			return fmt.Errorf("%w: order %s is %s", types.ErrInvalidOrderState, current.OrderID, current.Status)
		}

		if current.Side == types.SideBuy && current.OrderType == types.TypeLimit {
			release := types.ReservationFor(current.RemainingQuantity(), current.LimitPrice)
			if _, err := e.ledger.ReleaseFunds(tx, current.UserID, current.PortfolioID, release); err != nil {
				return err
			}
		}

		current.Status = types.OrderCancelled
		current.RejectionReason = reason
		current.UpdatedAt = time.Now()
		if err := tx.Save(&current).Error; err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	*order = current
	e.notifyRejection(order.UserID, order, reason)
	return nil
}

// LockOwner serializes the caller with fills for the same (user, portfolio).
// The returned function releases the lock. Order cancellation takes this
// lock so a cancel cannot interleave with a fill on the same order.
func (e *Executor) LockOwner(userID, portfolioID string) (unlock func()) {
	lock := e.locks.get(userID + ":" + portfolioID)
	lock.Lock()
	return lock.Unlock
}

// applyFillToOrder advances the order's fill accounting: filled quantity,
// volume-weighted average fill price, accumulated fees and status
func applyFillToOrder(order *types.Order, price, quantity, fees decimal.Decimal, now time.Time) {
	newFilled := order.FilledQuantity.Add(quantity)
	order.AverageFillPrice = order.FilledQuantity.Mul(order.AverageFillPrice).
		Add(quantity.Mul(price)).
		Div(newFilled)
	order.FilledQuantity = newFilled
	order.Fees = order.Fees.Add(fees)
	order.UpdatedAt = now

	if order.FilledQuantity.Equal(order.Quantity) {
		order.Status = types.OrderFilled
		order.FilledAt = &now
	} else {
		order.Status = types.OrderPartiallyFilled
	}
}

func (e *Executor) notifyTrade(userID string, trade *types.Trade) {
	if e.notifier == nil {
		return
	}
	go e.notifier.TradeExecuted(userID, trade)
}

func (e *Executor) notifyRejection(userID string, order *types.Order, reason string) {
	if e.notifier == nil {
		return
	}
	go e.notifier.OrderRejected(userID, order, reason)
}
