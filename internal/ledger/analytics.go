package ledger

import (
	"github.com/shopspring/decimal"
)

// concentrationThreshold marks a portfolio as concentrated when any single
// position exceeds 20% of total positions value.
var concentrationThreshold = decimal.NewFromFloat(0.20)

// PositionWeight is one position's share of total positions value
type PositionWeight struct {
	AssetID     string          `json:"asset_id"`
	MarketValue decimal.Decimal `json:"market_value"`
	Weight      decimal.Decimal `json:"weight"` // fraction of positions value, 0-1
}

// Analytics summarizes portfolio composition
type Analytics struct {
	PositionsValue decimal.Decimal  `json:"positions_value"`
	Weights        []PositionWeight `json:"weights"`
	IsConcentrated bool             `json:"is_concentrated"`
	// DiversificationScore is derived from the Herfindahl-Hirschman index of
	// position weights, normalized to 0-100. Higher is more diversified.
	DiversificationScore decimal.Decimal `json:"diversification_score"`
}

// PortfolioAnalytics computes concentration and diversification metrics for
// a portfolio's open positions
func (s *Service) PortfolioAnalytics(userID, portfolioID string) (*Analytics, error) {
	summaries, err := s.PortfolioPositions(userID, portfolioID)
	if err != nil {
		return nil, err
	}

	analytics := &Analytics{
		PositionsValue:       decimal.Zero,
		Weights:              make([]PositionWeight, 0, len(summaries)),
		DiversificationScore: decimal.Zero,
	}

	for _, summary := range summaries {
		analytics.PositionsValue = analytics.PositionsValue.Add(summary.MarketValue)
	}
	if analytics.PositionsValue.LessThanOrEqual(decimal.Zero) {
		return analytics, nil
	}

	hhi := decimal.Zero
	for _, summary := range summaries {
		weight := summary.MarketValue.Div(analytics.PositionsValue)
		analytics.Weights = append(analytics.Weights, PositionWeight{
			AssetID:     summary.AssetID,
			MarketValue: summary.MarketValue,
			Weight:      weight,
		})

		if weight.GreaterThan(concentrationThreshold) {
			analytics.IsConcentrated = true
		}
		hhi = hhi.Add(weight.Mul(weight))
	}

	// HHI ranges from 1/n (evenly spread) to 1 (single position); invert
	// onto a 0-100 scale.
	analytics.DiversificationScore = decimal.NewFromInt(1).Sub(hhi).Mul(decimal.NewFromInt(100))

	return analytics, nil
}
