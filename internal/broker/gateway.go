// Package broker provides the brokerage gateway abstraction and clients used
// to quote and execute index option orders.
package broker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/kdvalentine/spx-straddle-bot/internal/models"
)

// OrderSide is the direction of a single-leg option order.
type OrderSide string

const (
	// BuyToOpen opens a long option position.
	BuyToOpen OrderSide = "buy_to_open"
	// SellToClose closes a long option position.
	SellToClose OrderSide = "sell_to_close"
)

// Account is a point-in-time snapshot of account equity and buying power.
// Buying power moves between decision and action, so callers re-read it
// rather than caching it across a cycle.
type Account struct {
	Equity      float64
	BuyingPower float64
}

// OrderState is the broker-reported state of a placed order.
type OrderState struct {
	ID              string
	Status          string // broker status string, lowercased
	FilledContracts int
	AvgFillPrice    float64
}

// Filled reports whether every contract of the order executed.
func (o *OrderState) Filled(contracts int) bool {
	return o.FilledContracts >= contracts && contracts > 0
}

// Rejected reports whether the broker refused the order.
func (o *OrderState) Rejected() bool {
	switch o.Status {
	case "rejected", "failed", "error":
		return true
	default:
		return false
	}
}

// Terminal reports whether the order can no longer change state.
func (o *OrderState) Terminal() bool {
	switch o.Status {
	case "filled", "canceled", "cancelled", "rejected", "expired", "failed", "error":
		return true
	default:
		return false
	}
}

// PositionItem is one open position reported by the broker.
type PositionItem struct {
	Symbol    string
	Quantity  float64
	CostBasis float64
}

// Gateway is the brokerage capability set the core consumes. Implementations
// must treat every method as a single round trip bounded by ctx.
type Gateway interface {
	// Market data
	GetUnderlyingPrice(ctx context.Context, symbol string) (float64, error)
	// GetQuotes batch-fetches quotes; symbols the broker cannot quote are
	// simply absent from the result rather than failing the call.
	GetQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error)
	IsMarketOpen(ctx context.Context) (bool, error)

	// Account
	AccountSnapshot(ctx context.Context) (*Account, error)
	GetPositions(ctx context.Context) ([]PositionItem, error)

	// Orders
	PlaceOrder(ctx context.Context, symbol string, side OrderSide, contracts int,
		limitPrice float64, tag string) (string, error)
	OrderStatus(ctx context.Context, orderID string) (*OrderState, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// IsTransientError reports whether an error looks like a retryable
// network/service failure rather than a permanent refusal.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 429 || apiErr.Status >= 500
	}
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"timeout", "connection refused", "connection reset",
		"temporary failure", "rate limit", "network", "dns", "tcp",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// CircuitBreakerGateway wraps a Gateway with circuit breaker protection so a
// failing brokerage endpoint cannot be hammered mid-cycle.
type CircuitBreakerGateway struct {
	gw      Gateway
	breaker *gobreaker.CircuitBreaker
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // max requests when half-open
	Interval     time.Duration // reset counts interval
	Timeout      time.Duration // open circuit duration
	MinRequests  uint32        // min requests before tripping
	FailureRatio float64       // failure ratio threshold
}

// NewCircuitBreakerGateway creates a CircuitBreakerGateway with defaults
// tuned for a short-lived trading cycle.
func NewCircuitBreakerGateway(gw Gateway, logger *logrus.Logger) *CircuitBreakerGateway {
	return NewCircuitBreakerGatewayWithSettings(gw, logger, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      15 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerGatewayWithSettings creates a CircuitBreakerGateway with
// custom settings.
func NewCircuitBreakerGatewayWithSettings(gw Gateway, logger *logrus.Logger,
	settings CircuitBreakerSettings) *CircuitBreakerGateway {
	gbSettings := gobreaker.Settings{
		Name:        "GatewayCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"breaker": name, "from": from.String(), "to": to.String(),
				}).Warn("circuit breaker state changed")
			}
		},
	}

	return &CircuitBreakerGateway{
		gw:      gw,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execBreaker is a generic helper for circuit breaker wrapper methods.
func execBreaker[T any](breaker *gobreaker.CircuitBreaker, gw Gateway,
	fn func(Gateway) (T, error)) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(gw) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// GetUnderlyingPrice wraps the underlying gateway call with the breaker.
func (c *CircuitBreakerGateway) GetUnderlyingPrice(ctx context.Context, symbol string) (float64, error) {
	return execBreaker(c.breaker, c.gw, func(g Gateway) (float64, error) {
		return g.GetUnderlyingPrice(ctx, symbol)
	})
}

// GetQuotes wraps the underlying gateway call with the breaker.
func (c *CircuitBreakerGateway) GetQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	return execBreaker(c.breaker, c.gw, func(g Gateway) (map[string]models.Quote, error) {
		return g.GetQuotes(ctx, symbols)
	})
}

// IsMarketOpen wraps the underlying gateway call with the breaker.
func (c *CircuitBreakerGateway) IsMarketOpen(ctx context.Context) (bool, error) {
	return execBreaker(c.breaker, c.gw, func(g Gateway) (bool, error) {
		return g.IsMarketOpen(ctx)
	})
}

// AccountSnapshot wraps the underlying gateway call with the breaker.
func (c *CircuitBreakerGateway) AccountSnapshot(ctx context.Context) (*Account, error) {
	return execBreaker(c.breaker, c.gw, func(g Gateway) (*Account, error) {
		return g.AccountSnapshot(ctx)
	})
}

// GetPositions wraps the underlying gateway call with the breaker.
func (c *CircuitBreakerGateway) GetPositions(ctx context.Context) ([]PositionItem, error) {
	return execBreaker(c.breaker, c.gw, func(g Gateway) ([]PositionItem, error) {
		return g.GetPositions(ctx)
	})
}

// PlaceOrder wraps the underlying gateway call with the breaker.
func (c *CircuitBreakerGateway) PlaceOrder(ctx context.Context, symbol string, side OrderSide,
	contracts int, limitPrice float64, tag string) (string, error) {
	return execBreaker(c.breaker, c.gw, func(g Gateway) (string, error) {
		return g.PlaceOrder(ctx, symbol, side, contracts, limitPrice, tag)
	})
}

// OrderStatus wraps the underlying gateway call with the breaker.
func (c *CircuitBreakerGateway) OrderStatus(ctx context.Context, orderID string) (*OrderState, error) {
	return execBreaker(c.breaker, c.gw, func(g Gateway) (*OrderState, error) {
		return g.OrderStatus(ctx, orderID)
	})
}

// CancelOrder wraps the underlying gateway call with the breaker.
func (c *CircuitBreakerGateway) CancelOrder(ctx context.Context, orderID string) error {
	_, err := execBreaker(c.breaker, c.gw, func(g Gateway) (struct{}, error) {
		return struct{}{}, g.CancelOrder(ctx, orderID)
	})
	return err
}

// Ensure CircuitBreakerGateway implements Gateway at compile time.
var _ Gateway = (*CircuitBreakerGateway)(nil)
