package exec

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdvalentine/spx-straddle-bot/internal/broker"
	"github.com/kdvalentine/spx-straddle-bot/internal/mock"
	"github.com/kdvalentine/spx-straddle-bot/internal/models"
	"github.com/kdvalentine/spx-straddle-bot/internal/pricer"
	"github.com/kdvalentine/spx-straddle-bot/internal/sizing"
)

const (
	callSym = "SPXW260828C05900000"
	putSym  = "SPXW260828P05900000"
)

// fakeClock advances on every Sleep so polling loops expire without waiting.
type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.now = f.now.Add(d)
	return nil
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newSelection() *models.StraddleSelection {
	return &models.StraddleSelection{
		Strike:     5900,
		CallSymbol: callSym,
		PutSymbol:  putSym,
		Call:       models.Quote{Symbol: callSym, Bid: 10.0, Ask: 10.2, Volume: 500},
		Put:        models.Quote{Symbol: putSym, Bid: 9.0, Ask: 9.2, Volume: 400},
	}
}

func newCoordinator(gw *mock.Gateway) *Coordinator {
	cfg := Config{
		OrderTimeout:  5 * time.Second,
		PollInterval:  time.Second,
		MaxRetries:    3,
		UnwindRetries: 2,
		OrderTag:      "test",
	}
	c := NewCoordinator(gw, pricer.New(0.01, 1.01), cfg, testLogger())
	return c.WithClock(&fakeClock{now: time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)})
}

func setupGateway() *mock.Gateway {
	gw := mock.NewGateway()
	gw.SetQuote(callSym, 10.0, 10.2, 500)
	gw.SetQuote(putSym, 9.0, 9.2, 400)
	return gw
}

func TestExecute_BothLegsFill(t *testing.T) {
	gw := setupGateway()
	c := newCoordinator(gw)

	res, err := c.Execute(context.Background(), newSelection(), 2)
	require.NoError(t, err)

	assert.Equal(t, models.StateBothFilled, res.State)
	assert.Equal(t, models.LegFilled, res.CallLeg.Status)
	assert.Equal(t, models.LegFilled, res.PutLeg.Status)
	assert.Equal(t, 2, res.CallLeg.FilledContracts)
	assert.Equal(t, 2, res.PutLeg.FilledContracts)

	// Total cost uses executed fill prices and the contract multiplier.
	want := res.CallLeg.FillPrice*2*100 + res.PutLeg.FillPrice*2*100
	assert.InDelta(t, want, res.TotalCost, 1e-9)

	// Call leg always goes first.
	require.GreaterOrEqual(t, len(gw.PlacedOrders), 2)
	assert.Equal(t, callSym, gw.PlacedOrders[0].Symbol)
	assert.Equal(t, putSym, gw.PlacedOrders[1].Symbol)
}

func TestExecute_CallRejectedAbortsWithoutPut(t *testing.T) {
	gw := setupGateway()
	gw.Script(callSym, broker.BuyToOpen, mock.OrderScript{Reject: true})
	c := newCoordinator(gw)

	res, err := c.Execute(context.Background(), newSelection(), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOrderRejected)
	assert.Equal(t, models.StateAborted, res.State)

	// Zero exposure: the put was never placed, nothing was sold.
	for _, o := range gw.PlacedOrders {
		assert.Equal(t, callSym, o.Symbol)
		assert.Equal(t, broker.BuyToOpen, o.Side)
	}
}

func TestExecute_CallTimeoutExhaustsRetries(t *testing.T) {
	gw := setupGateway()
	gw.Script(callSym, broker.BuyToOpen, mock.OrderScript{PollsToFill: 100000})
	c := newCoordinator(gw)

	res, err := c.Execute(context.Background(), newSelection(), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOrderTimeout)
	assert.Equal(t, models.StateAborted, res.State)
	assert.Equal(t, models.LegTimedOut, res.CallLeg.Status)

	// Every attempt's order was cancelled; the put never placed.
	assert.Len(t, gw.CancelledOrders, 4)
	for _, o := range gw.PlacedOrders {
		assert.Equal(t, callSym, o.Symbol)
	}
}

func TestExecute_RepricingRaisesLimit(t *testing.T) {
	gw := setupGateway()
	gw.Script(callSym, broker.BuyToOpen, mock.OrderScript{PollsToFill: 100000})
	c := newCoordinator(gw)

	_, err := c.Execute(context.Background(), newSelection(), 1)
	require.Error(t, err)

	require.GreaterOrEqual(t, len(gw.PlacedOrders), 2)
	for i := 1; i < len(gw.PlacedOrders); i++ {
		assert.GreaterOrEqual(t, gw.PlacedOrders[i].Limit, gw.PlacedOrders[i-1].Limit,
			"urgency must never lower the limit")
	}
}

func TestExecute_PutRejectedEveryRetryUnwindsCall(t *testing.T) {
	gw := setupGateway()
	gw.Script(putSym, broker.BuyToOpen, mock.OrderScript{Reject: true})
	c := newCoordinator(gw)

	res, err := c.Execute(context.Background(), newSelection(), 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOrderRejected)

	// Never a silent success, never a one-sided position left behind.
	assert.NotEqual(t, models.StateBothFilled, res.State)
	assert.Equal(t, models.StateAborted, res.State)
	assert.Equal(t, models.LegCancelled, res.CallLeg.Status)

	var sold int
	for _, o := range gw.PlacedOrders {
		if o.Side == broker.SellToClose {
			sold += o.Contracts
			assert.Equal(t, callSym, o.Symbol)
		}
	}
	assert.Equal(t, 2, sold, "the filled call contracts must be sold back")
}

func TestExecute_UnwindFailureFlagsRisk(t *testing.T) {
	gw := setupGateway()
	gw.Script(putSym, broker.BuyToOpen, mock.OrderScript{Reject: true})
	gw.Script(callSym, broker.SellToClose, mock.OrderScript{Reject: true})
	c := newCoordinator(gw)

	res, err := c.Execute(context.Background(), newSelection(), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnwoundPositionRisk)
	assert.NotEqual(t, models.StateBothFilled, res.State)
	assert.Equal(t, models.StateAborted, res.State)
	assert.Equal(t, "unwound_position_risk", res.Reason)
}

func TestExecute_UnconfirmedCancelNeverReplaces(t *testing.T) {
	gw := setupGateway()
	gw.Script(callSym, broker.BuyToOpen, mock.OrderScript{PollsToFill: 100000})
	gw.CancelErr = errors.New("cancel endpoint down")
	c := newCoordinator(gw)

	res, err := c.Execute(context.Background(), newSelection(), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOrderStateUnknown)
	assert.Equal(t, models.StateAborted, res.State)
	assert.Equal(t, "order_state_unknown", res.Reason)

	// The first order is still live for all we know. No replacement may be
	// stacked on top of it, and the put never goes out.
	assert.Len(t, gw.PlacedOrders, 1)
	assert.Equal(t, callSym, gw.PlacedOrders[0].Symbol)
	assert.Empty(t, gw.CancelledOrders)
}

func TestExecute_PutStatusUnknownSkipsUnwind(t *testing.T) {
	gw := setupGateway()
	gw.Script(putSym, broker.BuyToOpen, mock.OrderScript{StatusErr: errors.New("status endpoint down")})
	c := newCoordinator(gw)

	res, err := c.Execute(context.Background(), newSelection(), 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOrderStateUnknown)
	assert.Equal(t, models.StateAborted, res.State)
	assert.Equal(t, "order_state_unknown", res.Reason)

	// The put's cancel was attempted before surfacing the error.
	assert.Len(t, gw.CancelledOrders, 1)

	// The put may still fill; selling the call now could leave a naked put.
	for _, o := range gw.PlacedOrders {
		assert.NotEqual(t, broker.SellToClose, o.Side,
			"nothing may be sold while the put's state is unknown")
	}
}

func TestExecute_PutShortFillTrimFailureFlagsRisk(t *testing.T) {
	gw := setupGateway()
	gw.Script(putSym, broker.BuyToOpen, mock.OrderScript{PollsToFill: 100000, FillContracts: 1})
	gw.Script(callSym, broker.SellToClose, mock.OrderScript{Reject: true})
	c := newCoordinator(gw)

	res, err := c.Execute(context.Background(), newSelection(), 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnwoundPositionRisk)

	// Both legs did fill, but lopsided. The attempt must not end in the
	// success state.
	assert.NotEqual(t, models.StateBothFilled, res.State)
	assert.Equal(t, models.StateAborted, res.State)
	assert.Equal(t, "unwound_position_risk", res.Reason)
	assert.Equal(t, 1, res.PutLeg.FilledContracts)
}

func TestExecute_BuyingPowerDriftRecordsReason(t *testing.T) {
	gw := setupGateway()
	gw.Account.BuyingPower = 10
	c := newCoordinator(gw)

	res, err := c.Execute(context.Background(), newSelection(), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, sizing.ErrInsufficientBuyingPower)
	assert.Equal(t, models.StateAborted, res.State)
	assert.Equal(t, "insufficient_buying_power", res.Reason)
	assert.Empty(t, gw.PlacedOrders)
}

func TestExecute_CallShortFillSizesPutToMatch(t *testing.T) {
	gw := setupGateway()
	gw.Script(callSym, broker.BuyToOpen, mock.OrderScript{PollsToFill: 100000, FillContracts: 1})
	c := newCoordinator(gw)

	res, err := c.Execute(context.Background(), newSelection(), 3)
	require.NoError(t, err)

	assert.Equal(t, models.StateBothFilled, res.State)
	assert.Equal(t, models.LegPartiallyFilled, res.CallLeg.Status)
	assert.Equal(t, 1, res.CallLeg.FilledContracts)
	assert.Equal(t, 1, res.PutLeg.FilledContracts)

	// The put order was sized to the call's executed quantity.
	var putQty int
	for _, o := range gw.PlacedOrders {
		if o.Symbol == putSym {
			putQty = o.Contracts
		}
	}
	assert.Equal(t, 1, putQty)
}
