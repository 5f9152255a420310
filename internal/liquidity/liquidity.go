// Package liquidity scores option quotes by how safely they can be traded.
package liquidity

import "github.com/kdvalentine/spx-straddle-bot/internal/models"

// Scorer normalizes volume against a batch-wide maximum and combines it with
// a spread tightness score. Spread is weighted double because fill-quality
// risk dominates on zero-day contracts with thin books.
type Scorer struct {
	maxVolume int64
}

// NewScorer builds a scorer over one quote batch. The batch's maximum volume
// anchors volume normalization; scores from different batches are not
// comparable.
func NewScorer(quotes []models.Quote) *Scorer {
	var max int64
	for _, q := range quotes {
		if q.Volume > max {
			max = q.Volume
		}
	}
	return &Scorer{maxVolume: max}
}

// Score returns a liquidity score in [0,1] and whether the quote is scorable
// at all. A quote with ask <= 0 is excluded, not scored as zero; a zero score
// would wrongly make it competitive against legitimately illiquid legs.
func (s *Scorer) Score(q models.Quote) (float64, bool) {
	if q.Ask <= 0 || q.Bid < 0 || q.Ask < q.Bid {
		return 0, false
	}

	spread := (q.Ask - q.Bid) / q.Ask
	if spread > 1 {
		spread = 1
	}
	spreadScore := 1 - spread

	var volumeScore float64
	if s.maxVolume > 0 && q.Volume > 0 {
		volumeScore = float64(q.Volume) / float64(s.maxVolume)
	}

	return (volumeScore + 2*spreadScore) / 3, true
}
