package matching

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Processor drives the matching engine on a fixed interval
type Processor struct {
	engine   *Engine
	interval time.Duration
}

func NewProcessor(engine *Engine, interval time.Duration) *Processor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Processor{
		engine:   engine,
		interval: interval,
	}
}

// Start begins the periodic matching loop
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "matching_processor").Logger()
	logger.Info().Dur("interval", p.interval).Msg("starting matching processor")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down matching processor")
			return
		case <-ticker.C:
			result, err := p.engine.RunPass()
			if err != nil {
				logger.Error().Err(err).Msg("matching pass failed")
				continue
			}
			if result.Skipped {
				logger.Debug().Msg("matching pass skipped, previous pass still running")
			}
		}
	}
}
