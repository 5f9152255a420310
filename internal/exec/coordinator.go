// Package exec drives two-leg straddle entry through a state machine: place
// the call, confirm its fill, place the put, and never end a cycle silently
// holding exactly one leg.
package exec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kdvalentine/spx-straddle-bot/internal/broker"
	"github.com/kdvalentine/spx-straddle-bot/internal/models"
	"github.com/kdvalentine/spx-straddle-bot/internal/pricer"
	"github.com/kdvalentine/spx-straddle-bot/internal/sizing"
)

var (
	// ErrOrderRejected is returned when the broker refuses a leg order.
	ErrOrderRejected = errors.New("order rejected by broker")
	// ErrOrderTimeout is returned when a leg could not be filled within the
	// retry budget.
	ErrOrderTimeout = errors.New("order unfilled after all retries")
	// ErrUnwoundPositionRisk flags a failed unwind: the account holds a
	// one-sided position and requires operator attention. No further
	// automated correction is attempted.
	ErrUnwoundPositionRisk = errors.New("unwind failed, account holds a one-sided position")
	// ErrOrderStateUnknown flags an order whose cancellation could not be
	// confirmed terminal. The broker may still be working it, so the
	// account's true exposure is unknown and requires operator attention.
	ErrOrderStateUnknown = errors.New("order state unconfirmed after cancel")
)

// reasonFor maps a terminal error to the reason code written to the trade
// record.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrOrderRejected):
		return "order_rejected"
	case errors.Is(err, ErrOrderTimeout):
		return "order_timeout"
	case errors.Is(err, ErrUnwoundPositionRisk):
		return "unwound_position_risk"
	case errors.Is(err, ErrOrderStateUnknown):
		return "order_state_unknown"
	case errors.Is(err, sizing.ErrInsufficientBuyingPower):
		return "insufficient_buying_power"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cycle_cancelled"
	default:
		return "execution_error"
	}
}

// Clock abstracts time for the polling loops so tests run without sleeping.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Config bounds the coordinator's polling and retry behavior.
type Config struct {
	OrderTimeout  time.Duration // per-attempt fill window
	PollInterval  time.Duration
	MaxRetries    int    // reprice attempts after the first placement
	UnwindRetries int    // sell-to-close attempts while unwinding
	OrderTag      string // broker-side tag for audit
}

// Result is the terminal outcome of one entry attempt. Legs carry the true
// executed quantities and average fill prices.
type Result struct {
	State     models.ExecState
	CallLeg   models.LegOrder
	PutLeg    models.LegOrder
	TotalCost float64
	Reason    string
}

// Coordinator executes one straddle entry. It is not re-entrant; a process
// runs at most one entry per cycle against an account.
type Coordinator struct {
	gw     broker.Gateway
	pricer *pricer.Pricer
	cfg    Config
	clock  Clock
	logger *logrus.Logger
}

func NewCoordinator(gw broker.Gateway, pr *pricer.Pricer, cfg Config, logger *logrus.Logger) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = 30 * time.Second
	}
	if cfg.UnwindRetries <= 0 {
		cfg.UnwindRetries = 3
	}
	return &Coordinator{gw: gw, pricer: pr, cfg: cfg, clock: realClock{}, logger: logger}
}

// WithClock overrides the time source (tests).
func (c *Coordinator) WithClock(clock Clock) *Coordinator {
	c.clock = clock
	return c
}

// Execute runs the full two-leg entry. The returned Result is always
// populated, including on error, so the caller can record what happened.
func (c *Coordinator) Execute(ctx context.Context, sel *models.StraddleSelection,
	contracts int) (*Result, error) {

	sm := models.NewExecStateMachine()
	res := &Result{State: sm.Current()}

	callLeg, err := c.fillLeg(ctx, sm, legPlan{
		side:      models.LegCall,
		symbol:    sel.CallSymbol,
		quote:     sel.Call,
		contracts: contracts,
		placed:    models.CondCallPlaced,
		replaced:  models.CondCallReplaced,
		filled:    models.CondCallFilled,
		rejected:  models.CondCallRejected,
		// A rejected call aborts immediately; nothing is at risk yet.
		retryRejects: false,
	})
	res.CallLeg = callLeg
	if err != nil {
		c.abort(sm, err)
		res.State = sm.Current()
		res.Reason = reasonFor(err)
		return res, err
	}

	// The put is sized to the call's executed quantity so a short call fill
	// cannot leave mismatched legs.
	putLeg, err := c.fillLeg(ctx, sm, legPlan{
		side:         models.LegPut,
		symbol:       sel.PutSymbol,
		quote:        sel.Put,
		contracts:    callLeg.FilledContracts,
		placed:       models.CondPutPlaced,
		replaced:     models.CondPutReplaced,
		filled:       models.CondPutFilled,
		rejected:     models.CondPutRejected,
		retryRejects: true,
	})
	res.PutLeg = putLeg
	if err != nil {
		if errors.Is(err, ErrOrderStateUnknown) {
			// The put may still be working at the broker. Selling the call
			// now could flip the account into the opposite one-sided
			// position, so nothing more is touched; the record flags the
			// unknown exposure for the operator.
			c.transition(sm, models.CondAbort)
			res.State = sm.Current()
			res.Reason = reasonFor(err)
			return res, err
		}
		unwindErr := c.unwindCall(ctx, sm, &res.CallLeg, res.CallLeg.FilledContracts)
		res.State = sm.Current()
		if unwindErr != nil {
			res.Reason = reasonFor(unwindErr)
			return res, unwindErr
		}
		res.Reason = reasonFor(err)
		return res, err
	}

	// A short put fill leaves excess call contracts. Trimming the excess
	// leaves a complete, smaller straddle, so the entry still succeeds.
	if putLeg.FilledContracts < callLeg.FilledContracts {
		excess := callLeg.FilledContracts - putLeg.FilledContracts
		if sellErr := c.sellCalls(ctx, &res.CallLeg, excess); sellErr != nil {
			// The position is lopsided; the attempt must not end in the
			// success state.
			c.transition(sm, models.CondUnwindCall)
			c.transition(sm, models.CondUnwindFailed)
			res.State = sm.Current()
			res.Reason = reasonFor(sellErr)
			return res, sellErr
		}
		res.CallLeg.FilledContracts = putLeg.FilledContracts
		res.Reason = "put_short_fill_trimmed"
		c.logger.WithFields(logrus.Fields{
			"matched": putLeg.FilledContracts, "trimmed": excess,
		}).Warn("put leg short-filled, excess calls sold")
	}

	res.State = sm.Current()
	res.TotalCost = res.CallLeg.Cost() + res.PutLeg.Cost()
	c.logger.WithFields(logrus.Fields{
		"contracts":  putLeg.FilledContracts,
		"call_fill":  res.CallLeg.FillPrice,
		"put_fill":   res.PutLeg.FillPrice,
		"total_cost": res.TotalCost,
	}).Info("straddle entry complete")
	return res, nil
}

type legPlan struct {
	side         models.LegSide
	symbol       string
	quote        models.Quote
	contracts    int
	placed       string
	replaced     string
	filled       string
	rejected     string
	retryRejects bool
}

// placedCond is the condition for a placement at the given attempt: the
// first placement enters the Placed state, later ones re-enter it from
// Repricing.
func (p legPlan) placedCond(attempt int) string {
	if attempt == 0 {
		return p.placed
	}
	return p.replaced
}

// fillLeg places one leg and polls it to a full fill, repricing with rising
// urgency on timeout. On success the returned leg carries the executed
// quantity and average price; a partial fill at the final timeout is
// accepted as a short fill.
func (c *Coordinator) fillLeg(ctx context.Context, sm *models.ExecStateMachine,
	plan legPlan) (models.LegOrder, error) {

	leg := models.LegOrder{
		Side:      plan.side,
		Symbol:    plan.symbol,
		Contracts: plan.contracts,
		Status:    models.LegPending,
	}
	quote := plan.quote
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return leg, err
		}

		// Fresh quote per attempt; a stale price defeats the urgency bump.
		if attempt > 0 {
			if q, err := c.refreshQuote(ctx, plan.symbol); err == nil {
				quote = q
			}
		}
		leg.LimitPrice = c.pricer.Limit(quote, attempt)

		if err := c.checkBuyingPower(ctx, leg.LimitPrice, plan.contracts); err != nil {
			return leg, err
		}

		orderID, err := c.gw.PlaceOrder(ctx, plan.symbol, broker.BuyToOpen,
			plan.contracts, leg.LimitPrice, c.cfg.OrderTag)
		if err != nil {
			leg.Status = models.LegRejected
			lastErr = fmt.Errorf("%w: %v", ErrOrderRejected, err)
			c.transition(sm, plan.placedCond(attempt))
			c.transition(sm, plan.rejected)
			if !plan.retryRejects || attempt >= c.cfg.MaxRetries {
				return leg, lastErr
			}
			c.transition(sm, models.CondRetry)
			continue
		}
		leg.OrderID = orderID
		c.transition(sm, plan.placedCond(attempt))

		c.logger.WithFields(logrus.Fields{
			"side":    plan.side,
			"symbol":  plan.symbol,
			"limit":   leg.LimitPrice,
			"qty":     plan.contracts,
			"attempt": attempt + 1,
			"order":   orderID,
		}).Info("leg order placed")

		state, err := c.pollOrder(ctx, orderID, plan.contracts)
		if err != nil {
			// A live order is outstanding; it must be cancelled and confirmed
			// before the error may surface. Detach from the cycle's context
			// when that context is already gone, the cancel still has to run.
			cctx := ctx
			if ctx.Err() != nil {
				var cancel context.CancelFunc
				cctx, cancel = context.WithTimeout(context.Background(), c.cfg.OrderTimeout)
				defer cancel()
			}
			final, cancelErr := c.cancelAndConfirm(cctx, orderID, plan.contracts)
			if cancelErr != nil {
				leg.Status = models.LegTimedOut
				if final != nil {
					leg.FilledContracts = final.FilledContracts
					leg.FillPrice = final.AvgFillPrice
				}
				return leg, cancelErr
			}
			if final.FilledContracts > 0 {
				// The fill raced the failure; keep what executed.
				leg.Status = models.LegFilled
				if final.FilledContracts < plan.contracts {
					leg.Status = models.LegPartiallyFilled
				}
				leg.FilledContracts = final.FilledContracts
				leg.FillPrice = final.AvgFillPrice
				c.transition(sm, plan.filled)
				return leg, nil
			}
			leg.Status = models.LegCancelled
			return leg, err
		}

		switch {
		case state.Rejected():
			leg.Status = models.LegRejected
			lastErr = fmt.Errorf("%w: %s %s status %s", ErrOrderRejected,
				plan.side, plan.symbol, state.Status)
			c.transition(sm, plan.rejected)
			if !plan.retryRejects {
				return leg, lastErr
			}
			if attempt < c.cfg.MaxRetries {
				c.transition(sm, models.CondRetry)
				continue
			}
			return leg, lastErr

		case state.Filled(plan.contracts):
			leg.Status = models.LegFilled
			leg.FilledContracts = state.FilledContracts
			leg.FillPrice = state.AvgFillPrice
			c.transition(sm, plan.filled)
			return leg, nil

		default:
			// Timed out. Cancel and read the terminal state; a fill can race
			// the cancel, so the post-cancel status is authoritative.
			final, cancelErr := c.cancelAndConfirm(ctx, orderID, plan.contracts)
			if cancelErr != nil {
				// The order may still be working. Never reprice on top of it.
				leg.Status = models.LegTimedOut
				if final != nil {
					leg.FilledContracts = final.FilledContracts
					leg.FillPrice = final.AvgFillPrice
				}
				return leg, cancelErr
			}
			if final.Filled(plan.contracts) {
				leg.Status = models.LegFilled
				leg.FilledContracts = final.FilledContracts
				leg.FillPrice = final.AvgFillPrice
				c.transition(sm, plan.filled)
				return leg, nil
			}
			if final.FilledContracts > 0 {
				// Short fill: keep what executed and stop retrying this leg.
				leg.Status = models.LegPartiallyFilled
				leg.FilledContracts = final.FilledContracts
				leg.FillPrice = final.AvgFillPrice
				c.transition(sm, plan.filled)
				return leg, nil
			}
			leg.Status = models.LegTimedOut
			lastErr = fmt.Errorf("%w: %s %s", ErrOrderTimeout, plan.side, plan.symbol)
			c.transition(sm, models.CondOrderTimeout)
			if attempt >= c.cfg.MaxRetries {
				return leg, lastErr
			}
			c.logger.WithFields(logrus.Fields{
				"side": plan.side, "attempt": attempt + 1,
			}).Warn("leg unfilled, repricing")
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("%w: %s %s", ErrOrderTimeout, plan.side, plan.symbol)
	}
	return leg, lastErr
}

// pollOrder polls the order until it is filled, terminal, or the per-attempt
// window expires. Returns the last observed state.
func (c *Coordinator) pollOrder(ctx context.Context, orderID string,
	contracts int) (*broker.OrderState, error) {

	deadline := c.clock.Now().Add(c.cfg.OrderTimeout)
	var last *broker.OrderState

	for {
		state, err := c.gw.OrderStatus(ctx, orderID)
		if err != nil {
			c.logger.WithError(err).Warn("order status poll failed")
		} else {
			last = state
			// Partial fills keep polling; they are evaluated at timeout.
			if state.Filled(contracts) || state.Rejected() {
				return state, nil
			}
		}

		if !c.clock.Now().Before(deadline) {
			break
		}
		if err := c.clock.Sleep(ctx, c.cfg.PollInterval); err != nil {
			return nil, err
		}
	}

	if last == nil {
		return nil, fmt.Errorf("no order status observed for %s within %s",
			orderID, c.cfg.OrderTimeout)
	}
	return last, nil
}

// cancelAndConfirm cancels an order and waits for its terminal state. The
// cancel is always awaited so a racing fill cannot slip past unobserved. If
// the order is never observed terminal the error wraps ErrOrderStateUnknown:
// the order may still be live at the broker, and the caller must stop, never
// place a replacement on top of it.
func (c *Coordinator) cancelAndConfirm(ctx context.Context, orderID string,
	contracts int) (*broker.OrderState, error) {

	if err := c.gw.CancelOrder(ctx, orderID); err != nil {
		c.logger.WithError(err).WithField("order", orderID).Warn("cancel request failed")
	}

	deadline := c.clock.Now().Add(c.cfg.OrderTimeout)
	var last *broker.OrderState
	for {
		state, err := c.gw.OrderStatus(ctx, orderID)
		if err == nil {
			last = state
			if state.Terminal() || state.Filled(contracts) {
				return state, nil
			}
		}
		if !c.clock.Now().Before(deadline) {
			break
		}
		if err := c.clock.Sleep(ctx, c.cfg.PollInterval); err != nil {
			// Interrupted before a terminal status was seen: same unknown
			// exposure as an expired confirm window.
			return last, fmt.Errorf("%w: confirm of %s interrupted: %v",
				ErrOrderStateUnknown, orderID, err)
		}
	}

	lastStatus := "unobserved"
	if last != nil {
		lastStatus = last.Status
	}
	c.logger.WithFields(logrus.Fields{
		"order": orderID, "last_status": lastStatus,
	}).Error("cancel never confirmed terminal")
	return last, fmt.Errorf("%w: %s last seen %s", ErrOrderStateUnknown, orderID, lastStatus)
}

// unwindCall disposes of filled call contracts after the put leg failed, and
// drives the state machine through the cancelling branch. Failure to flatten
// marks the account at risk.
func (c *Coordinator) unwindCall(ctx context.Context, sm *models.ExecStateMachine,
	callLeg *models.LegOrder, contracts int) error {

	c.transition(sm, models.CondUnwindCall)

	if contracts <= 0 || callLeg.FilledContracts <= 0 {
		// Nothing filled, the cancel in fillLeg already flattened us.
		c.transition(sm, models.CondCallUnwound)
		return nil
	}

	if err := c.sellCalls(ctx, callLeg, contracts); err != nil {
		c.transition(sm, models.CondUnwindFailed)
		return err
	}
	callLeg.Status = models.LegCancelled
	c.transition(sm, models.CondCallUnwound)
	return nil
}

// sellCalls sells filled call contracts to close, pricing at the bid and
// walking the limit down on retries to get out.
func (c *Coordinator) sellCalls(ctx context.Context, callLeg *models.LegOrder,
	contracts int) error {

	for attempt := 0; attempt < c.cfg.UnwindRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			break
		}

		quote := models.Quote{Symbol: callLeg.Symbol, Bid: callLeg.FillPrice, Ask: callLeg.FillPrice}
		if q, err := c.refreshQuote(ctx, callLeg.Symbol); err == nil {
			quote = q
		}
		limit := quote.Bid * (1 - float64(attempt)*0.05)
		if limit <= 0 {
			limit = 0.05
		}

		orderID, err := c.gw.PlaceOrder(ctx, callLeg.Symbol, broker.SellToClose,
			contracts, limit, c.cfg.OrderTag+"-unwind")
		if err != nil {
			c.logger.WithError(err).Warn("unwind placement failed")
			continue
		}

		state, err := c.pollOrder(ctx, orderID, contracts)
		if err == nil && state.Filled(contracts) {
			c.logger.WithFields(logrus.Fields{
				"symbol": callLeg.Symbol, "qty": contracts, "price": state.AvgFillPrice,
			}).Warn("call contracts sold to close")
			return nil
		}
		if err == nil && !state.Terminal() {
			if _, cErr := c.cancelAndConfirm(ctx, orderID, contracts); cErr != nil {
				c.logger.WithError(cErr).Warn("unwind cancel not confirmed")
			}
		}
	}

	c.logger.WithFields(logrus.Fields{
		"symbol": callLeg.Symbol, "qty": contracts,
	}).Error("UNWIND FAILED: account holds a one-sided call position")
	return fmt.Errorf("%w: %d contracts of %s", ErrUnwoundPositionRisk,
		contracts, callLeg.Symbol)
}

// checkBuyingPower re-reads buying power immediately before a placement.
// Buying power moves between decision and action, so the sized figure is
// never trusted across the cycle.
func (c *Coordinator) checkBuyingPower(ctx context.Context, limitPrice float64,
	contracts int) error {
	acct, err := c.gw.AccountSnapshot(ctx)
	if err != nil {
		// A snapshot failure is not a reason to skip the trade; the broker
		// enforces buying power on its side regardless.
		c.logger.WithError(err).Warn("buying power re-read failed")
		return nil
	}
	need := limitPrice * float64(contracts) * models.SharesPerContract
	if acct.BuyingPower < need {
		return fmt.Errorf("%w: buying power moved, need %.2f, have %.2f",
			sizing.ErrInsufficientBuyingPower, need, acct.BuyingPower)
	}
	return nil
}

func (c *Coordinator) refreshQuote(ctx context.Context, symbol string) (models.Quote, error) {
	qs, err := c.gw.GetQuotes(ctx, []string{symbol})
	if err != nil {
		return models.Quote{}, err
	}
	q, ok := qs[symbol]
	if !ok {
		return models.Quote{}, fmt.Errorf("no quote for %s", symbol)
	}
	if err := q.Validate(); err != nil {
		return models.Quote{}, err
	}
	return q, nil
}

func (c *Coordinator) abort(sm *models.ExecStateMachine, cause error) {
	switch {
	case errors.Is(cause, ErrOrderRejected):
		c.transition(sm, models.CondAbort)
	case errors.Is(cause, ErrOrderTimeout):
		c.transition(sm, models.CondRetriesExhausted)
	default:
		c.transition(sm, models.CondAbort)
	}
}

// transition applies a condition, logging rather than failing when the table
// does not allow it; the caller's control flow is the source of truth and a
// mismatch is a bug to surface, not a reason to strand an order.
func (c *Coordinator) transition(sm *models.ExecStateMachine, cond string) {
	if err := sm.Fire(cond); err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"state": sm.Current(), "condition": cond,
		}).Error("invalid state transition")
	}
}
