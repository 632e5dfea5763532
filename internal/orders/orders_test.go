package orders

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

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	db       *gorm.DB
	ledger   *ledger.Service
	executor *execution.Executor
	service  *Service
}

func newFixture(t *testing.T, prices staticPrices) *fixture {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&types.Order{}, &types.Trade{}, &types.Position{}, &types.Balance{}, &IdempotencyRecord{},
	))

	ledgerService := ledger.NewService(db, prices)
	executor := execution.NewExecutor(db, ledgerService, nil)
	return &fixture{
		db:       db,
		ledger:   ledgerService,
		executor: executor,
		service:  NewService(db, ledgerService, prices, executor),
	}
}

func marketBuy(quantity string) PlaceOrderRequest {
	return PlaceOrderRequest{
		UserID:      "u1",
		PortfolioID: "p1",
		AssetID:     "a1",
		Side:        types.SideBuy,
		OrderType:   types.TypeMarket,
		Quantity:    dec(quantity),
	}
}

func limitOrder(side types.OrderSide, quantity, limitPrice string) PlaceOrderRequest {
	return PlaceOrderRequest{
		UserID:      "u1",
		PortfolioID: "p1",
		AssetID:     "a1",
		Side:        side,
		OrderType:   types.TypeLimit,
		Quantity:    dec(quantity),
		LimitPrice:  dec(limitPrice),
	}
}

func TestPlaceOrder_MarketBuyExecutesImmediately(t *testing.T) {
	f := newFixture(t, staticPrices{"a1": dec("50")})
	_, err := f.ledger.Deposit("u1", "p1", dec("1000"))
	require.NoError(t, err)

	result, err := f.service.PlaceOrder(marketBuy("10"), "key-1")
	require.NoError(t, err)

	assert.Equal(t, types.OrderFilled, result.Order.Status)
	require.NotNil(t, result.Fill)
	assert.True(t, result.Fill.Trade.Price.Equal(dec("50")), "price = %s", result.Fill.Trade.Price)
	assert.True(t, result.Fill.Balance.Cash.Equal(dec("499.50")), "cash = %s", result.Fill.Balance.Cash)
}

func TestPlaceOrder_MarketOrderWithoutPriceFails(t *testing.T) {
	f := newFixture(t, staticPrices{})

	_, err := f.service.PlaceOrder(marketBuy("10"), "key-1")
	assert.ErrorIs(t, err, types.ErrAssetPriceUnavailable)
}

func TestPlaceOrder_LimitBuyReservesFunds(t *testing.T) {
	f := newFixture(t, staticPrices{"a1": dec("50")})
	_, err := f.ledger.Deposit("u1", "p1", dec("1000"))
	require.NoError(t, err)

	result, err := f.service.PlaceOrder(limitOrder(types.SideBuy, "10", "55"), "key-1")
	require.NoError(t, err)
	assert.Equal(t, types.OrderPending, result.Order.Status)
	assert.Nil(t, result.Fill)

	balance, err := f.ledger.BalanceSummary("u1", "p1")
	require.NoError(t, err)
	// Reserved 10*55*1.001 = 550.55; cash untouched.
	assert.True(t, balance.ReservedFunds.Equal(dec("550.55")), "reservedFunds = %s", balance.ReservedFunds)
	assert.True(t, balance.Cash.Equal(dec("1000")), "cash = %s", balance.Cash)
	assert.True(t, balance.BuyingPower().Equal(dec("449.45")), "buyingPower = %s", balance.BuyingPower())
}

func TestPlaceOrder_LimitBuyWithoutFundsRejected(t *testing.T) {
	f := newFixture(t, staticPrices{"a1": dec("50")})
	_, err := f.ledger.Deposit("u1", "p1", dec("100"))
	require.NoError(t, err)

	_, err = f.service.PlaceOrder(limitOrder(types.SideBuy, "10", "55"), "key-1")
	assert.ErrorIs(t, err, types.ErrInsufficientFunds)

	// Nothing was persisted.
	var count int64
	require.NoError(t, f.db.Model(&types.Order{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestPlaceOrder_LimitSellRequiresPosition(t *testing.T) {
	f := newFixture(t, staticPrices{"a1": dec("50")})

	_, err := f.service.PlaceOrder(limitOrder(types.SideSell, "5", "60"), "key-1")
	assert.ErrorIs(t, err, types.ErrInsufficientPosition)

	_, err = f.ledger.ApplyBuyFill(f.db, "u1", "p1", "a1", dec("5"), dec("40"), time.Now())
	require.NoError(t, err)

	result, err := f.service.PlaceOrder(limitOrder(types.SideSell, "5", "60"), "key-2")
	require.NoError(t, err)
	assert.Equal(t, types.OrderPending, result.Order.Status)
}

func TestPlaceOrder_IdempotentReplayReturnsExistingOrder(t *testing.T) {
	f := newFixture(t, staticPrices{"a1": dec("50")})
	_, err := f.ledger.Deposit("u1", "p1", dec("10000"))
	require.NoError(t, err)

	first, err := f.service.PlaceOrder(limitOrder(types.SideBuy, "10", "45"), "same-key")
	require.NoError(t, err)

	second, err := f.service.PlaceOrder(limitOrder(types.SideBuy, "10", "45"), "same-key")
	require.NoError(t, err)
	assert.Equal(t, first.Order.OrderID, second.Order.OrderID)

	// Only one reservation was taken.
	balance, err := f.ledger.BalanceSummary("u1", "p1")
	require.NoError(t, err)
	assert.True(t, balance.ReservedFunds.Equal(types.ReservationFor(dec("10"), dec("45"))),
		"reservedFunds = %s", balance.ReservedFunds)
}

func TestPlaceOrder_Validation(t *testing.T) {
	f := newFixture(t, staticPrices{"a1": dec("50")})

	cases := []struct {
		name string
		req  PlaceOrderRequest
	}{
		{"zero quantity", marketBuy("0")},
		{"negative quantity", marketBuy("-1")},
		{"limit without price", limitOrder(types.SideBuy, "1", "0")},
		{"bad side", PlaceOrderRequest{
			UserID: "u1", PortfolioID: "p1", AssetID: "a1",
			Side: "HOLD", OrderType: types.TypeMarket, Quantity: dec("1"),
		}},
		{"bad type", PlaceOrderRequest{
			UserID: "u1", PortfolioID: "p1", AssetID: "a1",
			Side: types.SideBuy, OrderType: "STOP", Quantity: dec("1"),
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.service.PlaceOrder(tc.req, "key")
			assert.Error(t, err)
		})
	}
}

func TestCancelOrder_ReleasesReservation(t *testing.T) {
	f := newFixture(t, staticPrices{"a1": dec("50")})
	_, err := f.ledger.Deposit("u1", "p1", dec("1000"))
	require.NoError(t, err)

	placed, err := f.service.PlaceOrder(limitOrder(types.SideBuy, "10", "45"), "key-1")
	require.NoError(t, err)

	cancelled, err := f.service.CancelOrder(placed.Order.OrderID, "u1")
	require.NoError(t, err)
	assert.Equal(t, types.OrderCancelled, cancelled.Status)

	balance, err := f.ledger.BalanceSummary("u1", "p1")
	require.NoError(t, err)
	assert.True(t, balance.ReservedFunds.IsZero(), "reservedFunds = %s", balance.ReservedFunds)
	assert.True(t, balance.BuyingPower().Equal(dec("1000")), "buyingPower = %s", balance.BuyingPower())
}

func TestCancelOrder_TerminalOrderFails(t *testing.T) {
	f := newFixture(t, staticPrices{"a1": dec("50")})
	_, err := f.ledger.Deposit("u1", "p1", dec("1000"))
	require.NoError(t, err)

	placed, err := f.service.PlaceOrder(marketBuy("10"), "key-1")
	require.NoError(t, err)
	require.Equal(t, types.OrderFilled, placed.Order.Status)

	before, err := f.ledger.BalanceSummary("u1", "p1")
	require.NoError(t, err)

	order, err := f.service.CancelOrder(placed.Order.OrderID, "u1")
	assert.ErrorIs(t, err, types.ErrInvalidOrderState)
	require.NotNil(t, order)
	assert.Equal(t, types.OrderFilled, order.Status)

	// Cancelling a terminal order never mutates balances.
	after, err := f.ledger.BalanceSummary("u1", "p1")
	require.NoError(t, err)
	assert.True(t, after.Cash.Equal(before.Cash), "cash changed: %s -> %s", before.Cash, after.Cash)
	assert.True(t, after.ReservedFunds.Equal(before.ReservedFunds))
}

func TestCancelOrder_FilledLimitOrderKeepsLedgerIntact(t *testing.T) {
	// A fill can land between the cancel's lookup and its transaction; the
	// cancel must then fail against the persisted status and release nothing.
	f := newFixture(t, staticPrices{"a1": dec("45")})
	_, err := f.ledger.Deposit("u1", "p1", dec("1000"))
	require.NoError(t, err)

	placed, err := f.service.PlaceOrder(limitOrder(types.SideBuy, "10", "45"), "key-1")
	require.NoError(t, err)

	_, err = f.executor.ExecuteFill(placed.Order, dec("45"), dec("10"))
	require.NoError(t, err)

	order, err := f.service.CancelOrder(placed.Order.OrderID, "u1")
	assert.ErrorIs(t, err, types.ErrInvalidOrderState)
	require.NotNil(t, order)
	assert.Equal(t, types.OrderFilled, order.Status)

	var fresh types.Order
	require.NoError(t, f.db.Where("order_id = ?", placed.Order.OrderID).First(&fresh).Error)
	assert.Equal(t, types.OrderFilled, fresh.Status)

	// The fill consumed the reservation; the failed cancel released nothing.
	balance, err := f.ledger.BalanceSummary("u1", "p1")
	require.NoError(t, err)
	assert.True(t, balance.ReservedFunds.IsZero(), "reservedFunds = %s", balance.ReservedFunds)
	assert.True(t, balance.Cash.Equal(dec("549.55")), "cash = %s", balance.Cash)
}

func TestCancelOrder_WaitsForOwnerLock(t *testing.T) {
	f := newFixture(t, staticPrices{"a1": dec("50")})
	_, err := f.ledger.Deposit("u1", "p1", dec("1000"))
	require.NoError(t, err)

	placed, err := f.service.PlaceOrder(limitOrder(types.SideBuy, "1", "45"), "key-1")
	require.NoError(t, err)

	unlock := f.executor.LockOwner("u1", "p1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.service.CancelOrder(placed.Order.OrderID, "u1")
	}()

	select {
	case <-done:
		t.Fatal("cancel completed while the owner lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cancel did not complete after the lock was released")
	}

	var fresh types.Order
	require.NoError(t, f.db.Where("order_id = ?", placed.Order.OrderID).First(&fresh).Error)
	assert.Equal(t, types.OrderCancelled, fresh.Status)
}

func TestPlaceOrder_ExpiredIdempotencyKeyIsReusable(t *testing.T) {
	f := newFixture(t, staticPrices{"a1": dec("50")})
	_, err := f.ledger.Deposit("u1", "p1", dec("10000"))
	require.NoError(t, err)

	first, err := f.service.PlaceOrder(limitOrder(types.SideBuy, "1", "45"), "same-key")
	require.NoError(t, err)

	require.NoError(t, f.db.Model(&IdempotencyRecord{}).
		Where("idempotency_key = ?", "same-key").
		Update("expires_at", time.Now().Add(-time.Hour)).Error)

	second, err := f.service.PlaceOrder(limitOrder(types.SideBuy, "1", "45"), "same-key")
	require.NoError(t, err)
	assert.NotEqual(t, first.Order.OrderID, second.Order.OrderID)

	// The key now replays the order that claimed it.
	third, err := f.service.PlaceOrder(limitOrder(types.SideBuy, "1", "45"), "same-key")
	require.NoError(t, err)
	assert.Equal(t, second.Order.OrderID, third.Order.OrderID)
}

func TestCancelOrder_NotFound(t *testing.T) {
	f := newFixture(t, staticPrices{})

	_, err := f.service.CancelOrder("ORD_missing", "u1")
	assert.ErrorIs(t, err, types.ErrOrderNotFound)
}

func TestCancelOrder_WrongUserCannotCancel(t *testing.T) {
	f := newFixture(t, staticPrices{"a1": dec("50")})
	_, err := f.ledger.Deposit("u1", "p1", dec("1000"))
	require.NoError(t, err)

	placed, err := f.service.PlaceOrder(limitOrder(types.SideBuy, "1", "45"), "key-1")
	require.NoError(t, err)

	_, err = f.service.CancelOrder(placed.Order.OrderID, "intruder")
	assert.ErrorIs(t, err, types.ErrOrderNotFound)
}
