// Package swap converts the paymaster's accumulated fee-token into the
// native gas currency when its entrypoint balance runs low. This is an
// out-of-band maintenance path: its failures are reported to the operator
// and never touch batch processing or the ledger.
package swap

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/quarklabs/aa-entrypoint/internal/ledger"
	"github.com/quarklabs/aa-entrypoint/internal/oracle"
	"github.com/quarklabs/aa-entrypoint/internal/paymaster"
)

var (
	ErrBelowMinimumSwap = errors.New("swap: amount below minimum")
	ErrSlippageExceeded = errors.New("swap: quoted output below slippage floor")
	ErrNothingToConvert = errors.New("swap: zero token balance")
)

const bpsDenominator = 10000

// Venue is the swap contract: quote and execute a fee-token → native swap.
type Venue interface {
	// Quote returns the native output the venue would currently give.
	Quote(ctx context.Context, tokenIn *big.Int) (*big.Int, error)

	// Swap executes, failing when the output would fall below minOut.
	Swap(ctx context.Context, tokenIn, minOut *big.Int) (*big.Int, error)
}

// Config mirrors the venue parameters: minimum convertible amount, pool fee
// tier, and slippage tolerance in basis points.
type Config struct {
	MinSwapAmount *big.Int
	PoolFee       uint32
	SlippageBps   uint64
}

// Engine is the liquidity top-up engine for one paymaster identity.
type Engine struct {
	cfg        Config
	self       common.Address
	minBalance *big.Int // entrypoint balance floor that triggers a top-up
	token      paymaster.Token
	prices     *oracle.Cache
	venue      Venue
	ledger     *ledger.SettlementLedger
	log        *zap.Logger
}

func NewEngine(cfg Config, self common.Address, minEntryPointBalance *big.Int, token paymaster.Token, prices *oracle.Cache, venue Venue, l *ledger.SettlementLedger, log *zap.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		self:       self,
		minBalance: minEntryPointBalance,
		token:      token,
		prices:     prices,
		venue:      venue,
		ledger:     l,
		log:        log,
	}
}

// TopUp converts the paymaster's fee-token balance into native currency and
// deposits it on the paymaster's ledger entry. A failure at any step leaves
// both the token balance and the ledger unchanged.
func (e *Engine) TopUp(ctx context.Context) error {
	if e.ledger.BalanceOf(e.self).Cmp(e.minBalance) >= 0 {
		return nil // balance healthy, nothing to do
	}

	tokens := e.token.BalanceOf(e.self)
	if tokens.Sign() == 0 {
		return ErrNothingToConvert
	}
	if tokens.Cmp(e.cfg.MinSwapAmount) < 0 {
		return ErrBelowMinimumSwap
	}

	price, err := e.prices.Price(ctx)
	if err != nil {
		return err
	}

	// Expected native output at the cached rate, then the slippage floor.
	expected := new(big.Int).Mul(tokens, price)
	expected.Div(expected, oracle.PriceDenominator)
	minOut := new(big.Int).Mul(expected, big.NewInt(bpsDenominator-int64(e.cfg.SlippageBps)))
	minOut.Div(minOut, big.NewInt(bpsDenominator))

	quoted, err := e.venue.Quote(ctx, tokens)
	if err != nil {
		return err
	}
	if quoted.Cmp(minOut) < 0 {
		return ErrSlippageExceeded
	}

	out, err := e.venue.Swap(ctx, tokens, minOut)
	if err != nil {
		return err
	}

	e.ledger.DepositTo(e.self, out)
	e.log.Info("liquidity top-up",
		zap.String("tokens_in", tokens.String()),
		zap.String("native_out", out.String()),
		zap.Uint32("pool_fee", e.cfg.PoolFee),
	)
	return nil
}
