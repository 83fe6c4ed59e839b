package swap

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quarklabs/aa-entrypoint/internal/oracle"
	"github.com/quarklabs/aa-entrypoint/internal/paymaster"
)

// feeDenominator is the pool fee unit, hundredths of a bip (3000 = 0.30%).
const feeDenominator = 1_000_000

// OracleVenue fills swaps at the cached oracle rate minus the pool fee. It
// stands in for an external pool when settlement is ledger-internal: the
// input tokens are pulled from the payer into the pool address, so the payer
// must have approved the pool beforehand.
type OracleVenue struct {
	prices  *oracle.Cache
	poolFee uint32
	token   paymaster.Token
	pool    common.Address
	payer   common.Address
}

func NewOracleVenue(prices *oracle.Cache, poolFee uint32, token paymaster.Token, pool, payer common.Address) *OracleVenue {
	return &OracleVenue{
		prices:  prices,
		poolFee: poolFee,
		token:   token,
		pool:    pool,
		payer:   payer,
	}
}

func (v *OracleVenue) Quote(ctx context.Context, tokenIn *big.Int) (*big.Int, error) {
	price, err := v.prices.Price(ctx)
	if err != nil {
		return nil, err
	}
	out := new(big.Int).Mul(tokenIn, price)
	out.Div(out, oracle.PriceDenominator)
	out.Mul(out, big.NewInt(feeDenominator-int64(v.poolFee)))
	return out.Div(out, big.NewInt(feeDenominator)), nil
}

func (v *OracleVenue) Swap(ctx context.Context, tokenIn, minOut *big.Int) (*big.Int, error) {
	out, err := v.Quote(ctx, tokenIn)
	if err != nil {
		return nil, err
	}
	if out.Cmp(minOut) < 0 {
		return nil, ErrSlippageExceeded
	}
	if err := v.token.TransferFrom(v.payer, v.pool, tokenIn); err != nil {
		return nil, err
	}
	return out, nil
}
