package matching

import (
	"sort"

	"github.com/marketsim/paper-exchange/internal/types"
)

// Book holds one asset's pending orders partitioned by side and type.
// Buy limits are sorted best bid first (descending price), sell limits best
// ask first (ascending price). Orders at the same price rank FIFO by
// submission time.
type Book struct {
	AssetID     string
	MarketBuys  []*types.Order
	MarketSells []*types.Order
	BuyLimits   []*types.Order
	SellLimits  []*types.Order
}

// BuildBooks groups pending orders by asset and partitions each group
func BuildBooks(orders []*types.Order) map[string]*Book {
	books := make(map[string]*Book)

	for _, order := range orders {
		book, ok := books[order.AssetID]
		if !ok {
			book = &Book{AssetID: order.AssetID}
			books[order.AssetID] = book
		}

		switch {
		case order.OrderType == types.TypeMarket && order.Side == types.SideBuy:
			book.MarketBuys = append(book.MarketBuys, order)
		case order.OrderType == types.TypeMarket && order.Side == types.SideSell:
			book.MarketSells = append(book.MarketSells, order)
		case order.Side == types.SideBuy:
			book.BuyLimits = append(book.BuyLimits, order)
		default:
			book.SellLimits = append(book.SellLimits, order)
		}
	}

	for _, book := range books {
		sortLimits(book)
	}
	return books
}

func sortLimits(book *Book) {
	// Price priority first, then FIFO among equal prices.
	sort.SliceStable(book.BuyLimits, func(i, j int) bool {
		a, b := book.BuyLimits[i], book.BuyLimits[j]
		if !a.LimitPrice.Equal(b.LimitPrice) {
			return a.LimitPrice.GreaterThan(b.LimitPrice)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	sort.SliceStable(book.SellLimits, func(i, j int) bool {
		a, b := book.SellLimits[i], book.SellLimits[j]
		if !a.LimitPrice.Equal(b.LimitPrice) {
			return a.LimitPrice.LessThan(b.LimitPrice)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}
