package matching

import (
	"errors"
	"sort"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/marketsim/paper-exchange/internal/execution"
	"github.com/marketsim/paper-exchange/internal/types"
	"github.com/marketsim/paper-exchange/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PriceSource answers current-price lookups for matching
type PriceSource interface {
	GetCurrentPrice(assetID string) (decimal.Decimal, error)
}

// Engine turns the set of pending orders into fills. A pass processes each
// asset independently: market orders first, then limit-against-limit
// crossings, then a sweep of limit orders marketable at the current price.
//
// Only one pass runs at a time; a pass requested while another is in flight
// is a no-op. This guard is in-process only and assumes a single engine
// instance owns matching.
type Engine struct {
	db       *Database
	prices   PriceSource
	executor *execution.Executor
	mu       sync.Mutex
}

// NewEngine creates a new matching engine
func NewEngine(gormDB *gorm.DB, prices PriceSource, executor *execution.Executor) *Engine {
	return &Engine{
		db:       NewDatabase(gormDB),
		prices:   prices,
		executor: executor,
	}
}

// PassResult summarizes one matching pass
type PassResult struct {
	Skipped         bool `json:"skipped"`
	AssetsProcessed int  `json:"assets_processed"`
	AssetsDeferred  int  `json:"assets_deferred"`
	Fills           int  `json:"fills"`
	Rejections      int  `json:"rejections"`
}

// RunPass executes one matching pass over all pending orders.
// Returns a skipped result when a pass is already in flight.
func (e *Engine) RunPass() (*PassResult, error) {
	if !e.mu.TryLock() {
		return &PassResult{Skipped: true}, nil
	}
	defer e.mu.Unlock()

	logger := log.With().Str("component", "matching_engine").Logger()

	pending, err := e.db.GetPendingOrders()
	if err != nil {
		return nil, err
	}

	books := BuildBooks(pending)
	result := &PassResult{}

	// Deterministic asset order for logs; groups are independent.
	assetIDs := make([]string, 0, len(books))
	for assetID := range books {
		assetIDs = append(assetIDs, assetID)
	}
	sort.Strings(assetIDs)

	for _, assetID := range assetIDs {
		book := books[assetID]

		price, err := e.prices.GetCurrentPrice(assetID)
		if err != nil {
			if errors.Is(err, types.ErrAssetPriceUnavailable) {
				// Retried next pass.
				logger.Warn().Str("asset_id", assetID).Msg("no price for asset, deferring group")
				result.AssetsDeferred++
				continue
			}
			logger.Error().Err(err).Str("asset_id", assetID).Msg("price lookup failed, deferring group")
			result.AssetsDeferred++
			continue
		}

		fills, rejections := e.matchAsset(book, price)
		result.AssetsProcessed++
		result.Fills += fills
		result.Rejections += rejections
	}

	logger.Info().
		Int("pending_orders", len(pending)).
		Int("assets_processed", result.AssetsProcessed).
		Int("assets_deferred", result.AssetsDeferred).
		Int("fills", result.Fills).
		Int("rejections", result.Rejections).
		Msg("matching pass completed")

	return result, nil
}

// matchAsset runs the per-asset algorithm against the current market price
func (e *Engine) matchAsset(book *Book, marketPrice decimal.Decimal) (fills, rejections int) {
	// 1. Market orders execute immediately at the market price.
	for _, order := range append(book.MarketBuys, book.MarketSells...) {
		if !order.IsOpen() {
			continue
		}
		if e.fill(order, marketPrice, order.RemainingQuantity()) {
			fills++
		} else {
			rejections++
		}
	}

	// 2. Cross limit orders: while the best bid meets the best ask, match at
	// the midpoint of the two limit prices.
	two := decimal.NewFromInt(2)
	bi, si := 0, 0
	for bi < len(book.BuyLimits) && si < len(book.SellLimits) {
		buy, sell := book.BuyLimits[bi], book.SellLimits[si]
		if !buy.IsOpen() {
			bi++
			continue
		}
		if !sell.IsOpen() {
			si++
			continue
		}
		if buy.LimitPrice.LessThan(sell.LimitPrice) {
			break
		}

		matchQuantity := decimal.Min(buy.RemainingQuantity(), sell.RemainingQuantity())
		executionPrice := buy.LimitPrice.Add(sell.LimitPrice).Div(two)

		// Each leg settles independently; a rejected leg only removes that
		// order from the book.
		if !e.fill(buy, executionPrice, matchQuantity) {
			rejections++
			bi++
			continue
		}
		fills++

		if !e.fill(sell, executionPrice, matchQuantity) {
			rejections++
			si++
			continue
		}
		fills++

		if !buy.IsOpen() {
			bi++
		}
		if !sell.IsOpen() {
			si++
		}
	}

	// 3. Sweep remaining limit orders that are marketable at the current
	// price: buys priced at or above it, sells at or below it.
	for _, order := range book.BuyLimits {
		if !order.IsOpen() || order.LimitPrice.LessThan(marketPrice) {
			continue
		}
		if e.fill(order, marketPrice, order.RemainingQuantity()) {
			fills++
		} else {
			rejections++
		}
	}
	for _, order := range book.SellLimits {
		if !order.IsOpen() || order.LimitPrice.GreaterThan(marketPrice) {
			continue
		}
		if e.fill(order, marketPrice, order.RemainingQuantity()) {
			fills++
		} else {
			rejections++
		}
	}

	return fills, rejections
}

// fill delegates one execution to the trade executor. Returns false when
// the fill did not apply; validation failures have already rejected the
// order by the time this returns.
func (e *Engine) fill(order *types.Order, price, quantity decimal.Decimal) bool {
	_, err := e.executor.ExecuteFill(order, price, quantity)
	if err != nil {
		log.Warn().
			Err(err).
			Str("component", "matching_engine").
			Str("order_id", order.OrderID).
			Msg("fill not applied")
		return false
	}
	return true
}

// GinHandlers contains HTTP handlers for matching endpoints
type GinHandlers struct {
	engine *Engine
}

// NewGinHandlers creates a new set of HTTP handlers for matching endpoints
func NewGinHandlers(engine *Engine) *GinHandlers {
	return &GinHandlers{
		engine: engine,
	}
}

// RunPassHandler handles POST requests to trigger a matching pass
// Requires internal authentication
func (h *GinHandlers) RunPassHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := h.engine.RunPass()
		response.Handle(c, result, err)
	}
}
