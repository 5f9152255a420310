// Package models provides data structures and state management for straddle trades.
package models

import (
	"fmt"
	"time"
)

// SharesPerContract is the standard US option contract multiplier.
const SharesPerContract = 100.0

// Quote is a validated bid/ask/volume snapshot for a single option contract.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Volume    int64     `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate rejects quotes that violate the bid/ask invariant. Invalid quotes
// are discarded, never clamped.
func (q *Quote) Validate() error {
	if q.Bid < 0 {
		return fmt.Errorf("quote %s: negative bid %.2f", q.Symbol, q.Bid)
	}
	if q.Ask < q.Bid {
		return fmt.Errorf("quote %s: ask %.2f below bid %.2f", q.Symbol, q.Ask, q.Bid)
	}
	return nil
}

// SpreadPct returns the quoted spread as a fraction of the ask (0.10 = 10%).
// Returns 1.0 when the ask is zero, the widest possible spread.
func (q *Quote) SpreadPct() float64 {
	if q.Ask <= 0 {
		return 1.0
	}
	return (q.Ask - q.Bid) / q.Ask
}

// Mid returns the bid/ask midpoint.
func (q *Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// Candidate is one strike in the search window with both leg quotes attached.
// Candidates exist only within a single trading cycle.
type Candidate struct {
	Strike          float64
	Call            Quote
	Put             Quote
	DistanceFromATM float64
	LiquidityScore  float64 // combined score of both legs, [0,2]
}

// StraddleSelection is the chosen strike and its leg contracts. Immutable once
// built; it is the unit handed to sizing and execution.
type StraddleSelection struct {
	Strike     float64
	Expiry     time.Time
	CallSymbol string
	PutSymbol  string
	Call       Quote
	Put        Quote
}

// PremiumPerContract is the estimated cost of one straddle at the midpoints,
// in dollars (per-share premium times the contract multiplier).
func (s *StraddleSelection) PremiumPerContract() float64 {
	return (s.Call.Mid() + s.Put.Mid()) * SharesPerContract
}

// SizingDecision is the position size derived from equity, risk fraction, and
// buying power. Derived once, never mutated.
type SizingDecision struct {
	Contracts       int
	CostPerContract float64 // estimated, dollars
	TotalCost       float64 // estimated, dollars
	RiskBasis       float64 // equity * max risk fraction, dollars
}

// LegSide identifies one side of the straddle.
type LegSide string

const (
	LegCall LegSide = "call"
	LegPut  LegSide = "put"
)

// LegStatus is the lifecycle status of one leg order.
type LegStatus string

const (
	LegPending         LegStatus = "pending"
	LegPartiallyFilled LegStatus = "partially_filled"
	LegFilled          LegStatus = "filled"
	LegCancelled       LegStatus = "cancelled"
	LegRejected        LegStatus = "rejected"
	LegTimedOut        LegStatus = "timed_out"
)

// Terminal reports whether the status is final for the order.
func (s LegStatus) Terminal() bool {
	switch s {
	case LegFilled, LegCancelled, LegRejected, LegTimedOut:
		return true
	default:
		return false
	}
}

// LegOrder tracks one leg for the lifetime of a trade attempt. It is owned
// exclusively by the execution coordinator and transitions only through it.
type LegOrder struct {
	Side            LegSide
	Symbol          string
	Contracts       int
	LimitPrice      float64
	OrderID         string
	Status          LegStatus
	FillPrice       float64 // true executed average price, not the limit
	FilledContracts int
}

// Cost returns the executed dollar cost of the leg.
func (l *LegOrder) Cost() float64 {
	return l.FillPrice * float64(l.FilledContracts) * SharesPerContract
}

// TradeStatus is the final status recorded for a cycle.
type TradeStatus string

const (
	TradeFilled  TradeStatus = "filled"
	TradeAborted TradeStatus = "aborted"
	// TradeAtRisk marks a cycle that ended with a one-sided position the bot
	// could not unwind. Requires operator attention.
	TradeAtRisk TradeStatus = "at_risk"
)

// TradeRecord is the write-once, append-only outcome of one trading cycle.
// A record is written for every cycle, success or abort.
type TradeRecord struct {
	ID              string      `json:"id"`
	Timestamp       time.Time   `json:"timestamp"`
	UnderlyingPrice float64     `json:"underlying_price"`
	Strike          float64     `json:"strike"`
	Expiry          time.Time   `json:"expiry"`
	CallSymbol      string      `json:"call_symbol"`
	PutSymbol       string      `json:"put_symbol"`
	CallFillPrice   float64     `json:"call_fill_price"`
	PutFillPrice    float64     `json:"put_fill_price"`
	Contracts       int         `json:"contracts"`
	TotalCost       float64     `json:"total_cost"`
	Status          TradeStatus `json:"status"`
	Reason          string      `json:"reason,omitempty"`
	Notes           string      `json:"notes,omitempty"`
}
