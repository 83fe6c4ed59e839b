// Package oracle maintains a cached, markup-adjusted exchange rate between
// the fee token and the native gas currency.
//
// All rates live in a fixed-point space scaled by 1e26 (PriceDenominator).
// Arithmetic is integer-only; see the token-charge formula in the paymaster.
package oracle

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"
)

var (
	ErrPriceUnavailable = errors.New("oracle: price unavailable")
	ErrPriceTooStale    = errors.New("oracle: cached price too stale")
	ErrMarkupTooLow     = errors.New("oracle: price markup below 1.0")
)

// PriceDenominator is the fixed-point scale of the markup space: a markup of
// exactly 1e26 means "no markup".
var PriceDenominator = new(big.Int).Exp(big.NewInt(10), big.NewInt(26), nil)

// feedScale is the scale price feeds report in (1e8, chainlink convention).
var feedScale = big.NewInt(1e8)

// Feed is a single external price feed. Reads are pure and may fail.
type Feed interface {
	// LatestPrice returns the feed's current reading scaled by 1e8.
	LatestPrice(ctx context.Context) (*big.Int, error)
}

// Config wires the two feeds and the cache policy.
type Config struct {
	TokenFeed  Feed
	NativeFeed Feed

	// TokenReverse / NativeReverse invert the raw reading of the respective
	// feed before the rates are combined.
	TokenReverse  bool
	NativeReverse bool

	// TokenToNative flips the combined rate: the cache then stores
	// native-per-token instead of token-per-native.
	TokenToNative bool

	// PriceMarkup is a 1e26-scaled multiplier >= 1e26 applied on refresh.
	PriceMarkup *big.Int

	// UpdateThresholdBps suppresses cache writes when a refresh lands within
	// this many basis points of the stored price (the timestamp still
	// advances).
	UpdateThresholdBps uint64

	// CacheTTL gates opportunistic refreshes; PriceMaxAge gates settlement
	// reads. PriceMaxAge may be smaller than CacheTTL: a cache fresh enough
	// to skip a refresh can still be rejected for settlement.
	CacheTTL    time.Duration
	PriceMaxAge time.Duration
}

// Cache is the price oracle cache. Mutated only by explicit refresh.
type Cache struct {
	cfg Config

	mu         sync.Mutex
	price      *big.Int // markup-adjusted, 1e26 space
	lastUpdate int64

	nowFn func() int64
}

func NewCache(cfg Config) (*Cache, error) {
	if cfg.PriceMarkup == nil || cfg.PriceMarkup.Cmp(PriceDenominator) < 0 {
		return nil, ErrMarkupTooLow
	}
	return &Cache{
		cfg:   cfg,
		nowFn: func() int64 { return time.Now().Unix() },
	}, nil
}

// Price returns the cached rate, refreshing first when the cache is empty or
// older than the TTL.
func (c *Cache) Price(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.price != nil && c.nowFn()-c.lastUpdate < int64(c.cfg.CacheTTL/time.Second) {
		return new(big.Int).Set(c.price), nil
	}
	return c.refreshLocked(ctx)
}

// CachedPriceOrFail is the settlement gate: it never refreshes and rejects a
// cache older than PriceMaxAge.
func (c *Cache) CachedPriceOrFail() (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.price == nil {
		return nil, ErrPriceUnavailable
	}
	if c.nowFn()-c.lastUpdate > int64(c.cfg.PriceMaxAge/time.Second) {
		return nil, ErrPriceTooStale
	}
	return new(big.Int).Set(c.price), nil
}

// ForceRefresh re-reads both feeds regardless of the TTL.
func (c *Cache) ForceRefresh(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshLocked(ctx)
}

func (c *Cache) refreshLocked(ctx context.Context) (*big.Int, error) {
	tokenPrice, err := readFeed(ctx, c.cfg.TokenFeed, c.cfg.TokenReverse)
	if err != nil {
		return nil, err
	}
	nativePrice, err := readFeed(ctx, c.cfg.NativeFeed, c.cfg.NativeReverse)
	if err != nil {
		return nil, err
	}

	raw := new(big.Int)
	if c.cfg.TokenToNative {
		raw.Mul(nativePrice, PriceDenominator).Div(raw, tokenPrice)
	} else {
		raw.Mul(tokenPrice, PriceDenominator).Div(raw, nativePrice)
	}

	adjusted := new(big.Int).Mul(raw, c.cfg.PriceMarkup)
	adjusted.Div(adjusted, PriceDenominator)

	now := c.nowFn()
	if c.price != nil && withinThreshold(c.price, adjusted, c.cfg.UpdateThresholdBps) {
		c.lastUpdate = now
		return new(big.Int).Set(c.price), nil
	}
	c.price = adjusted
	c.lastUpdate = now
	return new(big.Int).Set(c.price), nil
}

func readFeed(ctx context.Context, f Feed, reverse bool) (*big.Int, error) {
	if f == nil {
		return nil, ErrPriceUnavailable
	}
	p, err := f.LatestPrice(ctx)
	if err != nil || p == nil || p.Sign() <= 0 {
		return nil, ErrPriceUnavailable
	}
	if reverse {
		// Invert within the feed's own 1e8 scale.
		inv := new(big.Int).Mul(feedScale, feedScale)
		return inv.Div(inv, p), nil
	}
	return new(big.Int).Set(p), nil
}

// withinThreshold reports whether next deviates from cur by fewer than
// thresholdBps basis points.
func withinThreshold(cur, next *big.Int, thresholdBps uint64) bool {
	if thresholdBps == 0 {
		return false
	}
	diff := new(big.Int).Sub(next, cur)
	diff.Abs(diff)
	// diff*10000 < cur*threshold
	lhs := new(big.Int).Mul(diff, big.NewInt(10000))
	rhs := new(big.Int).Mul(cur, new(big.Int).SetUint64(thresholdBps))
	return lhs.Cmp(rhs) < 0
}

// SetClock overrides the cache's time source.
func (c *Cache) SetClock(now func() int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nowFn = now
}
