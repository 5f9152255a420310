// Package pricer computes limit prices for single-leg option orders.
package pricer

import (
	"github.com/kdvalentine/spx-straddle-bot/internal/models"
	"github.com/kdvalentine/spx-straddle-bot/internal/util"
)

// urgencyStep is how much each retry shifts the fill fraction toward the ask.
const urgencyStep = 0.15

// Pricer maps a quote and an urgency level to a limit price. Urgency rises
// with each repriced retry so the order chases a moving market instead of
// repeatedly missing it.
type Pricer struct {
	tick         float64
	crossCeiling float64 // max limit as a multiple of ask, e.g. 1.01
}

func New(tick, crossCeiling float64) *Pricer {
	if crossCeiling < 1 {
		crossCeiling = 1
	}
	return &Pricer{tick: tick, crossCeiling: crossCeiling}
}

// Limit returns the limit price for a buy order. The spread regime picks the
// base fraction from bid toward ask: tight spreads fill passively, wide
// spreads cross deliberately because they never fill passively on a
// zero-day contract. Higher urgency is always at least as aggressive, and
// the result is clamped to [bid, ask*crossCeiling] then rounded to the tick.
func (p *Pricer) Limit(q models.Quote, urgency int) float64 {
	if urgency < 0 {
		urgency = 0
	}
	bid, ask := q.Bid, q.Ask
	if ask <= 0 {
		return 0
	}
	spread := ask - bid
	spreadPct := spread / ask
	ceiling := ask * p.crossCeiling

	var limit float64
	switch {
	case spreadPct > 0.05:
		// Wide spread: start past the ask, urgency walks up to the ceiling.
		limit = ask * 1.01
		limit += float64(urgency) * urgencyStep * (ceiling - limit)
	default:
		frac := 0.60
		if spreadPct >= 0.01 {
			frac = 0.75
		}
		frac += float64(urgency) * urgencyStep
		if frac > 1 {
			// Past the ask: convert the excess into a walk toward the ceiling.
			over := frac - 1
			if over > 1 {
				over = 1
			}
			limit = ask + over*(ceiling-ask)
		} else {
			limit = bid + frac*spread
		}
	}

	if limit > ceiling {
		limit = ceiling
	}
	if limit < bid {
		limit = bid
	}

	limit = util.RoundToTick(limit, p.tick)
	// Tick rounding must not push the limit outside the valid band.
	if limit > ceiling {
		limit = util.FloorToTick(ceiling, p.tick)
	}
	if limit < bid {
		limit = util.CeilToTick(bid, p.tick)
	}
	return limit
}
