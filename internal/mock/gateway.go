package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kdvalentine/spx-straddle-bot/internal/broker"
	"github.com/kdvalentine/spx-straddle-bot/internal/models"
)

// OrderScript describes how a placed order behaves over successive status
// polls. Fills are applied once PollsToFill status checks have happened.
type OrderScript struct {
	Reject        bool
	PollsToFill   int
	FillContracts int     // 0 means fill the full requested quantity
	FillPrice     float64 // 0 means fill at the limit price
	StatusErr     error   // every status poll for this order fails
}

type scriptedOrder struct {
	script    OrderScript
	symbol    string
	side      broker.OrderSide
	contracts int
	limit     float64
	polls     int
	cancelled bool
}

// Gateway is an in-memory broker used by tests. Order behavior is scripted
// per option symbol and side; everything else is plain settable state.
type Gateway struct {
	mu sync.Mutex

	UnderlyingPrice float64
	PriceErr        error
	Quotes          map[string]models.Quote
	QuotesErr       error
	MarketOpen      bool
	Account         broker.Account
	AccountErr      error
	Positions       []broker.PositionItem
	PlaceErr        error
	CancelErr       error

	scripts map[string]OrderScript
	orders  map[string]*scriptedOrder
	nextID  int

	PlacedOrders    []PlacedOrder
	CancelledOrders []string
}

// PlacedOrder records one PlaceOrder call for assertions.
type PlacedOrder struct {
	Symbol    string
	Side      broker.OrderSide
	Contracts int
	Limit     float64
	Tag       string
}

func NewGateway() *Gateway {
	return &Gateway{
		UnderlyingPrice: 5900.0,
		Quotes:          map[string]models.Quote{},
		MarketOpen:      true,
		Account:         broker.Account{Equity: 100000, BuyingPower: 50000},
		scripts:         map[string]OrderScript{},
		orders:          map[string]*scriptedOrder{},
	}
}

func scriptKey(symbol string, side broker.OrderSide) string {
	return symbol + "|" + string(side)
}

// Script installs the behavior for the next order on symbol+side. Unscripted
// orders fill immediately at their limit price.
func (g *Gateway) Script(symbol string, side broker.OrderSide, s OrderScript) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scripts[scriptKey(symbol, side)] = s
}

func (g *Gateway) GetUnderlyingPrice(_ context.Context, _ string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.PriceErr != nil {
		return 0, g.PriceErr
	}
	return g.UnderlyingPrice, nil
}

func (g *Gateway) GetQuotes(_ context.Context, symbols []string) (map[string]models.Quote, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.QuotesErr != nil {
		return nil, g.QuotesErr
	}
	out := make(map[string]models.Quote, len(symbols))
	for _, s := range symbols {
		if q, ok := g.Quotes[s]; ok {
			out[s] = q
		}
	}
	return out, nil
}

func (g *Gateway) IsMarketOpen(_ context.Context) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.MarketOpen, nil
}

func (g *Gateway) AccountSnapshot(_ context.Context) (*broker.Account, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.AccountErr != nil {
		return nil, g.AccountErr
	}
	acct := g.Account
	return &acct, nil
}

func (g *Gateway) GetPositions(_ context.Context) ([]broker.PositionItem, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]broker.PositionItem, len(g.Positions))
	copy(out, g.Positions)
	return out, nil
}

func (g *Gateway) PlaceOrder(_ context.Context, symbol string, side broker.OrderSide,
	contracts int, limitPrice float64, tag string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.PlaceErr != nil {
		return "", g.PlaceErr
	}
	g.PlacedOrders = append(g.PlacedOrders, PlacedOrder{
		Symbol: symbol, Side: side, Contracts: contracts, Limit: limitPrice, Tag: tag,
	})
	g.nextID++
	id := fmt.Sprintf("mock-%d", g.nextID)
	script := g.scripts[scriptKey(symbol, side)]
	g.orders[id] = &scriptedOrder{
		script:    script,
		symbol:    symbol,
		side:      side,
		contracts: contracts,
		limit:     limitPrice,
	}
	return id, nil
}

func (g *Gateway) OrderStatus(_ context.Context, orderID string) (*broker.OrderState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("unknown order %s", orderID)
	}
	if o.script.StatusErr != nil {
		return nil, o.script.StatusErr
	}
	state := &broker.OrderState{ID: orderID}
	switch {
	case o.cancelled:
		// Brokers report executed quantity on canceled orders too.
		state.Status = "canceled"
		if o.script.FillContracts > 0 && o.script.FillContracts < o.contracts {
			state.FilledContracts = o.script.FillContracts
			state.AvgFillPrice = o.script.FillPrice
			if state.AvgFillPrice == 0 {
				state.AvgFillPrice = o.limit
			}
		}
	case o.script.Reject:
		state.Status = "rejected"
	default:
		o.polls++
		if o.polls > o.script.PollsToFill {
			filled := o.script.FillContracts
			if filled == 0 {
				filled = o.contracts
			}
			price := o.script.FillPrice
			if price == 0 {
				price = o.limit
			}
			state.FilledContracts = filled
			state.AvgFillPrice = price
			if filled < o.contracts {
				state.Status = "partially_filled"
			} else {
				state.Status = "filled"
			}
		} else {
			state.Status = "open"
		}
	}
	return state, nil
}

func (g *Gateway) CancelOrder(_ context.Context, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.CancelErr != nil {
		return g.CancelErr
	}
	o, ok := g.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	o.cancelled = true
	g.CancelledOrders = append(g.CancelledOrders, orderID)
	return nil
}

// SetQuote installs a quote for an option symbol.
func (g *Gateway) SetQuote(symbol string, bid, ask float64, volume int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Quotes[symbol] = models.Quote{
		Symbol: symbol, Bid: bid, Ask: ask, Volume: volume, Timestamp: time.Now(),
	}
}

var _ broker.Gateway = (*Gateway)(nil)
