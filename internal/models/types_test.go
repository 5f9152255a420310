package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuoteValidate(t *testing.T) {
	assert.NoError(t, (&Quote{Bid: 9.5, Ask: 10}).Validate())
	assert.NoError(t, (&Quote{Bid: 0, Ask: 0}).Validate())
	assert.Error(t, (&Quote{Bid: -1, Ask: 10}).Validate())
	assert.Error(t, (&Quote{Bid: 10, Ask: 9}).Validate())
}

func TestQuoteSpreadPct(t *testing.T) {
	assert.InDelta(t, 0.05, (&Quote{Bid: 9.5, Ask: 10}).SpreadPct(), 1e-9)
	// Unquotable ask counts as maximally wide.
	assert.Equal(t, 1.0, (&Quote{Bid: 0, Ask: 0}).SpreadPct())
}

func TestOptionSymbolRoundTrip(t *testing.T) {
	expiry := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)

	callSym := OptionSymbol("SPXW", expiry, LegCall, 5900)
	assert.Equal(t, "SPXW260828C05900000", callSym)

	strike, side, err := ParseOptionSymbol(callSym)
	require.NoError(t, err)
	assert.Equal(t, 5900.0, strike)
	assert.Equal(t, LegCall, side)

	putSym := OptionSymbol("SPX", expiry, LegPut, 4372.5)
	strike, side, err = ParseOptionSymbol(putSym)
	require.NoError(t, err)
	assert.Equal(t, 4372.5, strike)
	assert.Equal(t, LegPut, side)
}

func TestOptionSymbol_FloatNoiseInStrike(t *testing.T) {
	expiry := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)

	// Float noise from upstream arithmetic must not shift the encoded strike.
	assert.Equal(t, "SPXW260828C05900000", OptionSymbol("SPXW", expiry, LegCall, 5900.0000001))
	assert.Equal(t, "SPXW260828C05900000", OptionSymbol("SPXW", expiry, LegCall, 5899.9999999))
	assert.Equal(t, "SPX260828P04372500", OptionSymbol("SPX", expiry, LegPut, 4372.4999999))
}

func TestParseOptionSymbol_Invalid(t *testing.T) {
	_, _, err := ParseOptionSymbol("SPX")
	assert.Error(t, err)
	_, _, err = ParseOptionSymbol("123456789012345678")
	assert.Error(t, err)
}

func TestLegOrderCost(t *testing.T) {
	leg := LegOrder{FillPrice: 12.5, FilledContracts: 3}
	assert.Equal(t, 12.5*3*100, leg.Cost())
}

func TestPremiumPerContract(t *testing.T) {
	sel := StraddleSelection{
		Call: Quote{Bid: 9.0, Ask: 10.0},
		Put:  Quote{Bid: 11.0, Ask: 12.0},
	}
	assert.InDelta(t, (9.5+11.5)*100, sel.PremiumPerContract(), 1e-9)
}
