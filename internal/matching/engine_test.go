package matching

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/marketsim/paper-exchange/internal/execution"
	"github.com/marketsim/paper-exchange/internal/ledger"
	"github.com/marketsim/paper-exchange/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type staticPrices map[string]decimal.Decimal

func (p staticPrices) GetCurrentPrice(assetID string) (decimal.Decimal, error) {
	price, ok := p[assetID]
	if !ok {
		return decimal.Zero, types.ErrAssetPriceUnavailable
	}
	return price, nil
}

type engineFixture struct {
	db     *gorm.DB
	ledger *ledger.Service
	engine *Engine
}

func newFixture(t *testing.T, prices staticPrices) *engineFixture {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.Order{}, &types.Trade{}, &types.Position{}, &types.Balance{}))

	ledgerService := ledger.NewService(db, prices)
	executor := execution.NewExecutor(db, ledgerService, nil)
	return &engineFixture{
		db:     db,
		ledger: ledgerService,
		engine: NewEngine(db, prices, executor),
	}
}

func (f *engineFixture) deposit(t *testing.T, userID, portfolioID, amount string) {
	t.Helper()
	_, err := f.ledger.Deposit(userID, portfolioID, dec(amount))
	require.NoError(t, err)
}

func (f *engineFixture) holdPosition(t *testing.T, userID, portfolioID, assetID, quantity, avgCost string) {
	t.Helper()
	_, err := f.ledger.ApplyBuyFill(f.db, userID, portfolioID, assetID, dec(quantity), dec(avgCost), time.Now())
	require.NoError(t, err)
}

func (f *engineFixture) createOrder(t *testing.T, userID, portfolioID, assetID string, side types.OrderSide, orderType types.OrderType, quantity, limitPrice string, createdAt time.Time) *types.Order {
	t.Helper()
	order := &types.Order{
		OrderID:     "ORD_" + uuid.NewString(),
		UserID:      userID,
		PortfolioID: portfolioID,
		AssetID:     assetID,
		Side:        side,
		OrderType:   orderType,
		Quantity:    dec(quantity),
		LimitPrice:  dec(limitPrice),
		Status:      types.OrderPending,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
	require.NoError(t, f.db.Create(order).Error)
	return order
}

func (f *engineFixture) reload(t *testing.T, order *types.Order) *types.Order {
	t.Helper()
	var fresh types.Order
	require.NoError(t, f.db.Where("order_id = ?", order.OrderID).First(&fresh).Error)
	return &fresh
}

func TestRunPass_MarketOrderExecutesAtCurrentPrice(t *testing.T) {
	f := newFixture(t, staticPrices{"a1": dec("50")})
	f.deposit(t, "u1", "p1", "1000")

	order := f.createOrder(t, "u1", "p1", "a1", types.SideBuy, types.TypeMarket, "10", "0", time.Now())

	result, err := f.engine.RunPass()
	require.NoError(t, err)
	assert.Equal(t, 1, result.Fills)
	assert.Equal(t, 1, result.AssetsProcessed)

	fresh := f.reload(t, order)
	assert.Equal(t, types.OrderFilled, fresh.Status)
	assert.True(t, fresh.AverageFillPrice.Equal(dec("50")), "averageFillPrice = %s", fresh.AverageFillPrice)
}

func TestRunPass_LimitOrdersCrossAtMidpoint(t *testing.T) {
	// Buy limit 5 @ 55 and sell limit 5 @ 52 cross at 53.50.
	f := newFixture(t, staticPrices{"a1": dec("100")})
	f.deposit(t, "buyer", "p1", "1000")
	f.holdPosition(t, "seller", "p1", "a1", "5", "40")

	buy := f.createOrder(t, "buyer", "p1", "a1", types.SideBuy, types.TypeLimit, "5", "55", time.Now())
	sell := f.createOrder(t, "seller", "p1", "a1", types.SideSell, types.TypeLimit, "5", "52", time.Now())

	result, err := f.engine.RunPass()
	require.NoError(t, err)
	assert.Equal(t, 2, result.Fills)

	freshBuy := f.reload(t, buy)
	freshSell := f.reload(t, sell)
	assert.Equal(t, types.OrderFilled, freshBuy.Status)
	assert.Equal(t, types.OrderFilled, freshSell.Status)
	assert.True(t, freshBuy.AverageFillPrice.Equal(dec("53.5")), "buy fill price = %s", freshBuy.AverageFillPrice)
	assert.True(t, freshSell.AverageFillPrice.Equal(dec("53.5")), "sell fill price = %s", freshSell.AverageFillPrice)
}

func TestRunPass_PartialCrossLeavesRemainder(t *testing.T) {
	f := newFixture(t, staticPrices{"a1": dec("100")})
	f.deposit(t, "buyer", "p1", "10000")
	f.holdPosition(t, "seller", "p1", "a1", "3", "40")

	buy := f.createOrder(t, "buyer", "p1", "a1", types.SideBuy, types.TypeLimit, "10", "55", time.Now())
	sell := f.createOrder(t, "seller", "p1", "a1", types.SideSell, types.TypeLimit, "3", "55", time.Now())

	_, err := f.engine.RunPass()
	require.NoError(t, err)

	freshBuy := f.reload(t, buy)
	freshSell := f.reload(t, sell)
	assert.Equal(t, types.OrderFilled, freshSell.Status)
	// Buy got 3 of 10 in the cross; at market 100 its limit 55 is not
	// marketable, so the remainder rests.
	assert.Equal(t, types.OrderPartiallyFilled, freshBuy.Status)
	assert.True(t, freshBuy.FilledQuantity.Equal(dec("3")), "filledQuantity = %s", freshBuy.FilledQuantity)
}

func TestRunPass_SweepExecutesMarketableLimits(t *testing.T) {
	f := newFixture(t, staticPrices{"a1": dec("50")})
	f.deposit(t, "buyer", "p1", "1000")
	f.holdPosition(t, "seller", "p1", "a1", "4", "30")

	// Buy limit above market and sell limit below market both sweep at 50.
	buy := f.createOrder(t, "buyer", "p1", "a1", types.SideBuy, types.TypeLimit, "2", "60", time.Now())
	sell := f.createOrder(t, "seller", "p1", "a1", types.SideSell, types.TypeLimit, "4", "45", time.Now().Add(time.Millisecond))

	result, err := f.engine.RunPass()
	require.NoError(t, err)

	freshBuy := f.reload(t, buy)
	freshSell := f.reload(t, sell)
	assert.Equal(t, types.OrderFilled, freshBuy.Status)
	assert.Equal(t, types.OrderFilled, freshSell.Status)
	assert.True(t, result.Fills >= 2)

	// The cross happens first at midpoint (60+45)/2 = 52.5 for 2 units;
	// the sell's remaining 2 sweep at the market price 50.
	assert.True(t, freshBuy.AverageFillPrice.Equal(dec("52.5")), "buy fill price = %s", freshBuy.AverageFillPrice)
	assert.True(t, freshSell.AverageFillPrice.Equal(dec("51.25")), "sell fill price = %s", freshSell.AverageFillPrice)
}

func TestRunPass_NonMarketableLimitsRest(t *testing.T) {
	f := newFixture(t, staticPrices{"a1": dec("50")})
	f.deposit(t, "buyer", "p1", "1000")
	f.holdPosition(t, "seller", "p1", "a1", "5", "30")

	buy := f.createOrder(t, "buyer", "p1", "a1", types.SideBuy, types.TypeLimit, "5", "45", time.Now())
	sell := f.createOrder(t, "seller", "p1", "a1", types.SideSell, types.TypeLimit, "5", "58", time.Now())

	result, err := f.engine.RunPass()
	require.NoError(t, err)
	assert.Zero(t, result.Fills)

	assert.Equal(t, types.OrderPending, f.reload(t, buy).Status)
	assert.Equal(t, types.OrderPending, f.reload(t, sell).Status)
}

func TestRunPass_MissingPriceDefersAssetGroup(t *testing.T) {
	f := newFixture(t, staticPrices{"a1": dec("50")})
	f.deposit(t, "u1", "p1", "1000")

	known := f.createOrder(t, "u1", "p1", "a1", types.SideBuy, types.TypeMarket, "1", "0", time.Now())
	unknown := f.createOrder(t, "u1", "p1", "ghost", types.SideBuy, types.TypeMarket, "1", "0", time.Now())

	result, err := f.engine.RunPass()
	require.NoError(t, err)
	assert.Equal(t, 1, result.AssetsProcessed)
	assert.Equal(t, 1, result.AssetsDeferred)

	// The unpriced asset's order is untouched and retried next pass.
	assert.Equal(t, types.OrderFilled, f.reload(t, known).Status)
	assert.Equal(t, types.OrderPending, f.reload(t, unknown).Status)
}

func TestRunPass_FailureIsolation(t *testing.T) {
	// One underfunded order must not abort the rest of the batch.
	f := newFixture(t, staticPrices{"a1": dec("100")})
	f.deposit(t, "rich", "p1", "10000")
	f.deposit(t, "poor", "p1", "5")

	funded := f.createOrder(t, "rich", "p1", "a1", types.SideBuy, types.TypeMarket, "10", "0", time.Now())
	underfunded := f.createOrder(t, "poor", "p1", "a1", types.SideBuy, types.TypeMarket, "10", "0", time.Now().Add(time.Millisecond))

	result, err := f.engine.RunPass()
	require.NoError(t, err)
	assert.Equal(t, 1, result.Fills)
	assert.Equal(t, 1, result.Rejections)

	assert.Equal(t, types.OrderFilled, f.reload(t, funded).Status)

	rejected := f.reload(t, underfunded)
	assert.Equal(t, types.OrderCancelled, rejected.Status)
	assert.NotEmpty(t, rejected.RejectionReason)
}

func TestRunPass_ConcurrentPassIsNoOp(t *testing.T) {
	f := newFixture(t, staticPrices{})

	f.engine.mu.Lock()
	defer f.engine.mu.Unlock()

	result, err := f.engine.RunPass()
	require.NoError(t, err)
	assert.True(t, result.Skipped)
}
