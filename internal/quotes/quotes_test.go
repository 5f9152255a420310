package quotes

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdvalentine/spx-straddle-bot/internal/mock"
	"github.com/kdvalentine/spx-straddle-bot/internal/models"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newBatch(gw *mock.Gateway, at time.Time) *Batch {
	b := NewBatch(gw, "SPXW", "15:30", time.UTC, testLogger())
	return b.WithClock(func() time.Time { return at })
}

func TestResolveExpiry_SameDayBeforeCutoff(t *testing.T) {
	gw := mock.NewGateway()
	now := time.Date(2026, 8, 28, 10, 15, 0, 0, time.UTC)
	b := newBatch(gw, now)

	expiry, err := b.ResolveExpiry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC), expiry)
}

func TestResolveExpiry_PastCutoff(t *testing.T) {
	gw := mock.NewGateway()
	now := time.Date(2026, 8, 28, 15, 30, 0, 0, time.UTC)
	b := newBatch(gw, now)

	_, err := b.ResolveExpiry(context.Background())
	assert.ErrorIs(t, err, ErrNoValidExpiry)
}

func TestResolveExpiry_MarketClosed(t *testing.T) {
	gw := mock.NewGateway()
	gw.MarketOpen = false
	b := newBatch(gw, time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC))

	_, err := b.ResolveExpiry(context.Background())
	assert.ErrorIs(t, err, ErrNoValidExpiry)
}

func TestFetch_PairsBothLegs(t *testing.T) {
	gw := mock.NewGateway()
	expiry := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	for _, strike := range []float64{5875, 5900} {
		callSym := models.OptionSymbol("SPXW", expiry, models.LegCall, strike)
		putSym := models.OptionSymbol("SPXW", expiry, models.LegPut, strike)
		gw.SetQuote(callSym, 10.0, 10.5, 100)
		gw.SetQuote(putSym, 9.0, 9.5, 200)
	}
	b := newBatch(gw, time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC))

	pairs, err := b.Fetch(context.Background(), []float64{5875, 5900}, expiry)
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, 10.0, pairs[5900].Call.Bid)
	assert.Equal(t, 9.5, pairs[5900].Put.Ask)
}

func TestFetch_DropsStrikeWithMissingLeg(t *testing.T) {
	gw := mock.NewGateway()
	expiry := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)

	// 5900 has both legs; 5925 is missing its put.
	gw.SetQuote(models.OptionSymbol("SPXW", expiry, models.LegCall, 5900), 10.0, 10.5, 100)
	gw.SetQuote(models.OptionSymbol("SPXW", expiry, models.LegPut, 5900), 9.0, 9.5, 100)
	gw.SetQuote(models.OptionSymbol("SPXW", expiry, models.LegCall, 5925), 8.0, 8.5, 100)

	b := newBatch(gw, time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC))
	pairs, err := b.Fetch(context.Background(), []float64{5900, 5925}, expiry)
	require.NoError(t, err)

	assert.Len(t, pairs, 1)
	assert.Contains(t, pairs, 5900.0)
}

func TestFetch_DropsInvalidQuote(t *testing.T) {
	gw := mock.NewGateway()
	expiry := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)

	// Crossed market on the put: bid above ask.
	gw.SetQuote(models.OptionSymbol("SPXW", expiry, models.LegCall, 5900), 10.0, 10.5, 100)
	gw.SetQuote(models.OptionSymbol("SPXW", expiry, models.LegPut, 5900), 9.9, 9.5, 100)

	b := newBatch(gw, time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC))
	pairs, err := b.Fetch(context.Background(), []float64{5900}, expiry)
	require.NoError(t, err)
	assert.Empty(t, pairs)
}
