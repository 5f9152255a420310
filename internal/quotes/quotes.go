// Package quotes resolves the same-day option expiry and batch-fetches
// call/put quotes for a strike ladder.
package quotes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kdvalentine/spx-straddle-bot/internal/broker"
	"github.com/kdvalentine/spx-straddle-bot/internal/models"
)

// ErrNoValidExpiry is returned when no same-day expiry can be traded: the
// market is closed or the entry cutoff has passed.
var ErrNoValidExpiry = errors.New("no valid same-day expiry")

// Pair holds both legs of one candidate strike.
type Pair struct {
	Call models.Quote
	Put  models.Quote
}

// Batch fetches option quotes for candidate strikes.
type Batch struct {
	gw          broker.Gateway
	optionRoot  string
	entryCutoff string // "15:04" wall-clock in loc
	loc         *time.Location
	now         func() time.Time
	logger      *logrus.Logger
}

func NewBatch(gw broker.Gateway, optionRoot, entryCutoff string, loc *time.Location,
	logger *logrus.Logger) *Batch {
	return &Batch{
		gw:          gw,
		optionRoot:  optionRoot,
		entryCutoff: entryCutoff,
		loc:         loc,
		now:         time.Now,
		logger:      logger,
	}
}

// WithClock overrides the time source (tests).
func (b *Batch) WithClock(now func() time.Time) *Batch {
	b.now = now
	return b
}

// ResolveExpiry returns today's date as the expiry if the market is open and
// the entry cutoff has not passed; otherwise ErrNoValidExpiry. Zero-day
// contracts stop trading at the close, so tomorrow is never a substitute.
func (b *Batch) ResolveExpiry(ctx context.Context) (time.Time, error) {
	open, err := b.gw.IsMarketOpen(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("market clock: %w", err)
	}
	if !open {
		return time.Time{}, fmt.Errorf("%w: market closed", ErrNoValidExpiry)
	}

	now := b.now().In(b.loc)
	cutoff, err := time.ParseInLocation("15:04", b.entryCutoff, b.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid entry cutoff %q: %w", b.entryCutoff, err)
	}
	cutoffToday := time.Date(now.Year(), now.Month(), now.Day(),
		cutoff.Hour(), cutoff.Minute(), 0, 0, b.loc)
	if !now.Before(cutoffToday) {
		return time.Time{}, fmt.Errorf("%w: past entry cutoff %s", ErrNoValidExpiry, b.entryCutoff)
	}

	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, b.loc), nil
}

// Fetch returns call/put quote pairs for the candidate strikes, one batched
// request per leg type. Strikes with a missing or invalid leg are dropped
// rather than failing the whole batch.
func (b *Batch) Fetch(ctx context.Context, strikes []float64, expiry time.Time) (map[float64]Pair, error) {
	callSyms := make([]string, len(strikes))
	putSyms := make([]string, len(strikes))
	for i, strike := range strikes {
		callSyms[i] = models.OptionSymbol(b.optionRoot, expiry, models.LegCall, strike)
		putSyms[i] = models.OptionSymbol(b.optionRoot, expiry, models.LegPut, strike)
	}

	var callQuotes, putQuotes map[string]models.Quote
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		callQuotes, err = b.gw.GetQuotes(gctx, callSyms)
		if err != nil {
			return fmt.Errorf("call quotes: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		putQuotes, err = b.gw.GetQuotes(gctx, putSyms)
		if err != nil {
			return fmt.Errorf("put quotes: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[float64]Pair, len(strikes))
	for i, strike := range strikes {
		call, callOK := callQuotes[callSyms[i]]
		put, putOK := putQuotes[putSyms[i]]
		if !callOK || !putOK {
			b.logger.WithField("strike", strike).Debug("dropping strike with missing leg quote")
			continue
		}
		if call.Validate() != nil || put.Validate() != nil {
			b.logger.WithField("strike", strike).Debug("dropping strike with invalid leg quote")
			continue
		}
		out[strike] = Pair{Call: call, Put: put}
	}
	return out, nil
}
