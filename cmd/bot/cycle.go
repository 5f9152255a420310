package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kdvalentine/spx-straddle-bot/internal/broker"
	"github.com/kdvalentine/spx-straddle-bot/internal/config"
	"github.com/kdvalentine/spx-straddle-bot/internal/exec"
	"github.com/kdvalentine/spx-straddle-bot/internal/models"
	"github.com/kdvalentine/spx-straddle-bot/internal/oracle"
	"github.com/kdvalentine/spx-straddle-bot/internal/quotes"
	"github.com/kdvalentine/spx-straddle-bot/internal/record"
	"github.com/kdvalentine/spx-straddle-bot/internal/selector"
	"github.com/kdvalentine/spx-straddle-bot/internal/sizing"
	"github.com/kdvalentine/spx-straddle-bot/internal/strikes"
)

// Cycle wires the pipeline for one straddle entry attempt:
// price -> strikes -> quotes -> selection -> sizing -> execution -> record.
type Cycle struct {
	cfg      *config.Config
	gw       broker.Gateway
	oracle   *oracle.Oracle
	batch    *quotes.Batch
	selector *selector.Selector
	sizer    *sizing.Sizer
	coord    *exec.Coordinator
	recorder record.Recorder
	logger   *logrus.Logger

	// checkOnly stops after selection and sizing without placing orders.
	checkOnly bool
}

// Run executes one complete trade attempt. Exactly one TradeRecord is
// written per invocation, whatever the outcome.
func (c *Cycle) Run(ctx context.Context) error {
	rec := &models.TradeRecord{
		ID:        record.NewID(),
		Timestamp: time.Now().UTC(),
		Status:    models.TradeAborted,
	}
	defer func() {
		if err := c.recorder.Record(ctx, rec); err != nil {
			// Recording failure must not change trade state.
			c.logger.WithError(err).Error("failed to persist trade record")
		}
	}()

	if c.cfg.Trade.RefuseOnExisting {
		if err := c.refuseOnExistingPosition(ctx); err != nil {
			rec.Reason = "existing_position"
			return err
		}
	}

	price, err := c.oracle.ResolvePrice(ctx)
	if err != nil {
		rec.Reason = "price_unavailable"
		return fmt.Errorf("resolving underlying price: %w", err)
	}
	rec.UnderlyingPrice = price

	expiry, err := c.batch.ResolveExpiry(ctx)
	if err != nil {
		rec.Reason = "no_valid_expiry"
		return fmt.Errorf("resolving expiry: %w", err)
	}
	rec.Expiry = expiry

	candidates := strikes.Candidates(price)
	pairs, err := c.batch.Fetch(ctx, candidates, expiry)
	if err != nil {
		rec.Reason = "quote_fetch_failed"
		return fmt.Errorf("fetching quotes: %w", err)
	}

	sel, err := c.selector.Select(pairs, price, c.cfg.Oracle.OptionRoot, expiry)
	if err != nil {
		rec.Reason = "no_valid_straddle"
		return fmt.Errorf("selecting straddle: %w", err)
	}
	rec.Strike = sel.Strike
	rec.CallSymbol = sel.CallSymbol
	rec.PutSymbol = sel.PutSymbol

	// Buying power is read immediately before sizing, never earlier.
	acct, err := c.gw.AccountSnapshot(ctx)
	if err != nil {
		rec.Reason = "account_unavailable"
		return fmt.Errorf("reading account: %w", err)
	}

	decision, err := c.sizer.Size(acct, sel.PremiumPerContract())
	if err != nil {
		rec.Reason = "insufficient_buying_power"
		return fmt.Errorf("sizing position: %w", err)
	}
	rec.Contracts = decision.Contracts

	if c.checkOnly {
		rec.Status = models.TradeAborted
		rec.Reason = "check_only"
		c.logger.WithFields(logrus.Fields{
			"strike":    sel.Strike,
			"contracts": decision.Contracts,
			"est_cost":  decision.TotalCost,
		}).Info("check-only run complete, no orders placed")
		return nil
	}

	result, execErr := c.coord.Execute(ctx, sel, decision.Contracts)
	rec.CallFillPrice = result.CallLeg.FillPrice
	rec.PutFillPrice = result.PutLeg.FillPrice
	rec.Contracts = result.PutLeg.FilledContracts
	rec.TotalCost = result.TotalCost
	rec.Reason = result.Reason

	switch {
	case execErr == nil:
		rec.Status = models.TradeFilled
		c.logger.WithFields(logrus.Fields{
			"strike":     sel.Strike,
			"contracts":  rec.Contracts,
			"total_cost": rec.TotalCost,
		}).Info("straddle entered")
		return nil
	case errors.Is(execErr, exec.ErrUnwoundPositionRisk):
		rec.Status = models.TradeAtRisk
		// The residual exposure is the call side that could not be unwound.
		rec.Contracts = result.CallLeg.FilledContracts
		rec.Notes = fmt.Sprintf("final state %s; operator attention required", result.State)
		return execErr
	case errors.Is(execErr, exec.ErrOrderStateUnknown):
		rec.Status = models.TradeAtRisk
		// An order's cancel was never confirmed terminal; it may still be
		// working at the broker. Exposure is unknown, not zero.
		rec.Contracts = result.CallLeg.FilledContracts
		rec.Notes = fmt.Sprintf("final state %s; order state unconfirmed, operator attention required", result.State)
		return execErr
	default:
		rec.Status = models.TradeAborted
		rec.Notes = fmt.Sprintf("final state %s", result.State)
		return execErr
	}
}

// refuseOnExistingPosition aborts the cycle when the account already holds
// option positions on the configured root.
func (c *Cycle) refuseOnExistingPosition(ctx context.Context) error {
	positions, err := c.gw.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("reading positions: %w", err)
	}
	for _, p := range positions {
		if strings.HasPrefix(p.Symbol, c.cfg.Oracle.OptionRoot) && p.Quantity != 0 {
			return fmt.Errorf("existing position %s (qty %.0f), refusing to stack entries",
				p.Symbol, p.Quantity)
		}
	}
	return nil
}
