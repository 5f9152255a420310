package models

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// OptionSymbol builds an OPRA-format option symbol:
// ROOT[YYMMDD][C/P][STRIKE*1000 padded to 8 digits], e.g. SPXW250829C05900000.
func OptionSymbol(root string, expiry time.Time, side LegSide, strike float64) string {
	cp := "C"
	if side == LegPut {
		cp = "P"
	}
	// Round before converting so float noise in the strike cannot land a
	// tick off after the *1000 scaling.
	return fmt.Sprintf("%s%s%s%08d", root, expiry.Format("060102"), cp, int64(math.Round(strike*1000)))
}

// ParseOptionSymbol extracts the strike and option type from an OPRA symbol.
// The root is variable-length, so it scans for the C/P marker after the
// six-digit expiry date.
func ParseOptionSymbol(symbol string) (strike float64, side LegSide, err error) {
	if len(symbol) < 15 {
		return 0, "", fmt.Errorf("option symbol too short: %s", symbol)
	}

	pos := -1
	for i := 6; i < len(symbol)-8; i++ {
		if symbol[i] == 'C' || symbol[i] == 'P' {
			pos = i
			break
		}
	}
	if pos < 0 {
		return 0, "", fmt.Errorf("no option type marker in symbol: %s", symbol)
	}

	strikeStr := symbol[pos+1 : pos+9]
	strikeInt, err := strconv.ParseInt(strikeStr, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid strike in symbol %s: %w", symbol, err)
	}

	side = LegCall
	if symbol[pos] == 'P' {
		side = LegPut
	}
	return float64(strikeInt) / 1000.0, side, nil
}
