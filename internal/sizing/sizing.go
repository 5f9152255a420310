// Package sizing converts account capital into a contract count for one
// straddle entry.
package sizing

import (
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/kdvalentine/spx-straddle-bot/internal/broker"
	"github.com/kdvalentine/spx-straddle-bot/internal/models"
)

// ErrInsufficientBuyingPower is returned when buying power cannot cover even
// a single contract. Rounding up to 1 anyway would exceed capital silently.
var ErrInsufficientBuyingPower = errors.New("buying power cannot cover one contract")

// Sizer applies a risk budget and a hard buying-power floor.
type Sizer struct {
	maxRiskPct float64
	costBuffer float64 // fraction added to estimated cost for slippage
	logger     *logrus.Logger
}

func New(maxRiskPct, costBuffer float64, logger *logrus.Logger) *Sizer {
	return &Sizer{maxRiskPct: maxRiskPct, costBuffer: costBuffer, logger: logger}
}

// Size returns the number of contracts to trade given the account snapshot
// and the estimated cost of one straddle contract (both legs, in dollars).
// At least one contract is always sized when buying power allows it; the
// trade is either affordable at one lot or skipped entirely.
func (s *Sizer) Size(acct *broker.Account, costPerContract float64) (*models.SizingDecision, error) {
	if costPerContract <= 0 {
		return nil, fmt.Errorf("invalid cost per contract %.2f", costPerContract)
	}

	buffered := costPerContract * (1 + s.costBuffer)
	riskBudget := acct.Equity * s.maxRiskPct
	riskContracts := int(math.Floor(riskBudget / buffered))
	bpContracts := int(math.Floor(acct.BuyingPower / buffered))

	if bpContracts < 1 {
		return nil, fmt.Errorf("%w: buying power %.2f, cost %.2f",
			ErrInsufficientBuyingPower, acct.BuyingPower, buffered)
	}

	contracts := riskContracts
	if bpContracts < contracts {
		contracts = bpContracts
	}
	if contracts < 1 {
		contracts = 1
	}

	decision := &models.SizingDecision{
		Contracts:       contracts,
		CostPerContract: buffered,
		TotalCost:       float64(contracts) * buffered,
		RiskBasis:       riskBudget,
	}
	s.logger.WithFields(logrus.Fields{
		"contracts":      decision.Contracts,
		"cost_per":       decision.CostPerContract,
		"total_cost":     decision.TotalCost,
		"risk_budget":    riskBudget,
		"risk_contracts": riskContracts,
		"bp_contracts":   bpContracts,
	}).Info("position sized")
	return decision, nil
}
