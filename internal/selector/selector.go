// Package selector picks the straddle strike to trade from a scored
// candidate ladder.
package selector

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kdvalentine/spx-straddle-bot/internal/liquidity"
	"github.com/kdvalentine/spx-straddle-bot/internal/models"
	"github.com/kdvalentine/spx-straddle-bot/internal/quotes"
)

// ErrNoValidStraddle is returned when no candidate survives the spread
// filter.
var ErrNoValidStraddle = errors.New("no candidate strike passed the spread filter")

// Selector filters candidates by per-leg spread and ranks survivors by
// distance from the money, breaking ties on combined leg liquidity.
type Selector struct {
	maxSpreadPct float64
	logger       *logrus.Logger
}

func New(maxSpreadPct float64, logger *logrus.Logger) *Selector {
	return &Selector{maxSpreadPct: maxSpreadPct, logger: logger}
}

// Select returns the straddle to trade. Both legs must quote a spread at or
// under maxSpreadPct; among survivors the strike closest to the underlying
// price wins, with higher combined liquidity breaking ties.
func (s *Selector) Select(pairs map[float64]quotes.Pair, underlyingPrice float64,
	optionRoot string, expiry time.Time) (*models.StraddleSelection, error) {

	allQuotes := make([]models.Quote, 0, 2*len(pairs))
	for _, p := range pairs {
		allQuotes = append(allQuotes, p.Call, p.Put)
	}
	scorer := liquidity.NewScorer(allQuotes)

	var survivors []models.Candidate
	for strike, p := range pairs {
		if p.Call.SpreadPct() > s.maxSpreadPct || p.Put.SpreadPct() > s.maxSpreadPct {
			continue
		}
		callScore, callOK := scorer.Score(p.Call)
		putScore, putOK := scorer.Score(p.Put)
		if !callOK || !putOK {
			continue
		}
		survivors = append(survivors, models.Candidate{
			Strike:          strike,
			Call:            p.Call,
			Put:             p.Put,
			DistanceFromATM: math.Abs(strike - underlyingPrice),
			LiquidityScore:  callScore + putScore,
		})
	}

	if len(survivors) == 0 {
		return nil, ErrNoValidStraddle
	}

	sort.Slice(survivors, func(i, j int) bool {
		if survivors[i].DistanceFromATM != survivors[j].DistanceFromATM {
			return survivors[i].DistanceFromATM < survivors[j].DistanceFromATM
		}
		if survivors[i].LiquidityScore != survivors[j].LiquidityScore {
			return survivors[i].LiquidityScore > survivors[j].LiquidityScore
		}
		// Stable fallback so equal candidates rank deterministically.
		return survivors[i].Strike < survivors[j].Strike
	})

	best := survivors[0]
	s.logger.WithFields(logrus.Fields{
		"strike":    best.Strike,
		"distance":  best.DistanceFromATM,
		"liquidity": best.LiquidityScore,
		"survivors": len(survivors),
	}).Info("selected straddle strike")

	return &models.StraddleSelection{
		Strike:     best.Strike,
		Expiry:     expiry,
		CallSymbol: models.OptionSymbol(optionRoot, expiry, models.LegCall, best.Strike),
		PutSymbol:  models.OptionSymbol(optionRoot, expiry, models.LegPut, best.Strike),
		Call:       best.Call,
		Put:        best.Put,
	}, nil
}
