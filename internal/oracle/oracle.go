// Package oracle resolves a validated underlying index price from a primary
// and a backup source. A wrong price must halt the trading cycle, so there is
// no hardcoded fallback value anywhere in this package.
package oracle

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kdvalentine/spx-straddle-bot/internal/broker"
)

// ErrPriceUnavailable is returned when every source failed or every returned
// price fell outside the sane band.
var ErrPriceUnavailable = errors.New("underlying price unavailable from all sources")

// Source produces a spot price for an underlying symbol.
type Source interface {
	Name() string
	Price(ctx context.Context, symbol string) (float64, error)
}

// Config bounds retries per source and defines the sane price band.
type Config struct {
	Symbol         string
	MinSane        float64
	MaxSane        float64
	RetriesPerSrc  int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Oracle queries sources in order, retrying each with jittered backoff,
// until one returns an in-band price.
type Oracle struct {
	cfg     Config
	sources []Source
	logger  *logrus.Logger
}

// New creates an Oracle over the given sources, tried in order.
func New(cfg Config, logger *logrus.Logger, sources ...Source) *Oracle {
	if cfg.RetriesPerSrc <= 0 {
		cfg.RetriesPerSrc = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Oracle{cfg: cfg, sources: sources, logger: logger}
}

// ResolvePrice returns the first in-band price from the configured sources.
// Out-of-band values are treated the same as source errors: log, retry,
// then fall through to the next source.
func (o *Oracle) ResolvePrice(ctx context.Context) (float64, error) {
	var lastErr error

	for _, src := range o.sources {
		price, err := o.trySource(ctx, src)
		if err == nil {
			return price, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	if lastErr != nil {
		return 0, fmt.Errorf("%w: %v", ErrPriceUnavailable, lastErr)
	}
	return 0, ErrPriceUnavailable
}

func (o *Oracle) trySource(ctx context.Context, src Source) (float64, error) {
	var lastErr error
	backoff := o.cfg.InitialBackoff

	for attempt := 0; attempt < o.cfg.RetriesPerSrc; attempt++ {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		price, err := src.Price(ctx, o.cfg.Symbol)
		if err == nil {
			if price >= o.cfg.MinSane && price <= o.cfg.MaxSane {
				o.logger.WithFields(logrus.Fields{
					"source": src.Name(),
					"price":  price,
				}).Info("resolved underlying price")
				return price, nil
			}
			err = fmt.Errorf("price %.2f outside sane band [%.0f, %.0f]",
				price, o.cfg.MinSane, o.cfg.MaxSane)
		}

		lastErr = err
		o.logger.WithFields(logrus.Fields{
			"source":  src.Name(),
			"attempt": attempt + 1,
		}).WithError(err).Warn("price source attempt failed")

		if attempt < o.cfg.RetriesPerSrc-1 {
			select {
			case <-time.After(addJitter(backoff)):
				backoff = nextBackoff(backoff, o.cfg.MaxBackoff)
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
	}

	return 0, fmt.Errorf("source %s exhausted retries: %w", src.Name(), lastErr)
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * 1.5)
	if next > max {
		next = max
	}
	return next
}

// addJitter adds up to 25% random jitter so parallel deployments do not
// hammer a recovering source in lockstep.
func addJitter(d time.Duration) time.Duration {
	maxJitter := int64(d / 4)
	if maxJitter <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
	if err != nil {
		return d
	}
	return d + time.Duration(n.Int64())
}

// GatewaySource adapts the brokerage gateway as a price source.
type GatewaySource struct {
	gw broker.Gateway
}

func NewGatewaySource(gw broker.Gateway) *GatewaySource {
	return &GatewaySource{gw: gw}
}

func (s *GatewaySource) Name() string { return "broker" }

func (s *GatewaySource) Price(ctx context.Context, symbol string) (float64, error) {
	price, err := s.gw.GetUnderlyingPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if price <= 0 {
		return 0, fmt.Errorf("broker returned non-positive price %.2f for %s", price, symbol)
	}
	return price, nil
}
