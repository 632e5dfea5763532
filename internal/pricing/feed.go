package pricing

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Feed simulates a market data source by random-walking every registered
// asset's price on a fixed interval.
type Feed struct {
	db           *Database
	tickInterval time.Duration
	maxStep      float64 // maximum per-tick move as a fraction of price
}

func NewFeed(db *Database, tickInterval time.Duration) *Feed {
	return &Feed{
		db:           db,
		tickInterval: tickInterval,
		maxStep:      0.02, // +/- 2% per tick
	}
}

// Start begins the price feed loop
func (f *Feed) Start(ctx context.Context) {
	logger := log.With().Str("component", "price_feed").Logger()
	logger.Info().Dur("interval", f.tickInterval).Msg("starting price feed")

	ticker := time.NewTicker(f.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down price feed")
			return
		case <-ticker.C:
			if err := f.tick(); err != nil {
				logger.Error().Err(err).Msg("price tick failed")
			}
		}
	}
}

// tick moves every asset price by a random step within +/- maxStep
func (f *Feed) tick() error {
	logger := log.With().Str("component", "price_feed").Logger()

	assets, err := f.db.ListAssets()
	if err != nil {
		return err
	}

	floor := decimal.NewFromFloat(0.01)

	for i := range assets {
		asset := &assets[i]

		step := rand.Float64()*2*f.maxStep - f.maxStep
		next := asset.LastPrice.Mul(decimal.NewFromFloat(1 + step)).Round(8)
		if next.LessThan(floor) {
			next = floor
		}

		logger.Debug().
			Str("asset_id", asset.AssetID).
			Str("symbol", asset.Symbol).
			Str("previous_price", asset.LastPrice.String()).
			Str("new_price", next.String()).
			Msg("price updated")

		asset.LastPrice = next
		asset.UpdatedAt = time.Now()
		if err := f.db.SaveAsset(asset); err != nil {
			logger.Error().
				Err(err).
				Str("asset_id", asset.AssetID).
				Msg("failed to save asset price")
			continue
		}
	}

	return nil
}
