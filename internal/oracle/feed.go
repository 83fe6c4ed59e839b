package oracle

import (
	"context"
	"math/big"
)

// StaticFeed reports a fixed 1e8-scaled price. It serves deployments that
// pin the rate through configuration instead of an external feed, and tests.
type StaticFeed struct {
	value *big.Int
}

func NewStaticFeed(value *big.Int) *StaticFeed {
	return &StaticFeed{value: new(big.Int).Set(value)}
}

func (f *StaticFeed) LatestPrice(ctx context.Context) (*big.Int, error) {
	if f.value == nil || f.value.Sign() <= 0 {
		return nil, ErrPriceUnavailable
	}
	return new(big.Int).Set(f.value), nil
}
