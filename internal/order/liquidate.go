package order

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Rajchodisetti/ensemble-trader/internal/mode"
	"github.com/Rajchodisetti/ensemble-trader/internal/risk"
)

// Liquidate submits one exit order per close instruction, bypassing the
// gate. Each exit goes to the venue holding the position; the current
// trading mode is used only when that venue is unknown. A symbol that
// already has a liquidation in flight is skipped so a position is never
// closed twice. Blocks until every submission settles.
func (c *Controller) Liquidate(ctx context.Context, instructions []risk.CloseInstruction) {
	inFlight := make(map[string]bool)
	for _, o := range c.Orders(true) {
		if o.Purpose == PurposeLiquidation {
			inFlight[o.Symbol] = true
		}
	}

	fallback := mode.Paper
	if c.modes != nil && c.modes.Status().Trading == mode.Live {
		fallback = mode.Live
	}

	var wg sync.WaitGroup
	for _, in := range instructions {
		if inFlight[in.Symbol] || in.Quantity <= 0 {
			log.Info().Str("symbol", in.Symbol).Str("reason", in.Reason).Msg("liquidation already in flight, skipped")
			continue
		}
		inFlight[in.Symbol] = true
		venue := in.Venue
		if venue == "" {
			venue = fallback
		}
		o := Order{
			IdempotencyKey: liquidationKey(in.Symbol, in.Side, in.Reason, in.IssuedAt),
			Symbol:         in.Symbol,
			Side:           in.Side,
			RequestedSize:  in.Quantity,
			Price:          in.Price,
			Confidence:     1,
			Purpose:        PurposeLiquidation,
			Mode:           venue,
			Reason:         in.Reason,
		}
		wg.Add(1)
		go func(o Order) {
			defer wg.Done()
			if _, err := c.Submit(ctx, o); err != nil && !errors.Is(err, ErrDuplicate) {
				log.Error().Err(err).Str("symbol", o.Symbol).Msg("liquidation order failed")
			}
		}(o)
	}
	wg.Wait()
}
