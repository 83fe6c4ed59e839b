// Package paymaster implements a fee-token sponsor: it approves operations
// whose senders can cover the worst-case token charge, and settles the
// actual charge in postOp at an oracle-derived exchange rate.
package paymaster

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/quarklabs/aa-entrypoint/internal/entrypoint"
	"github.com/quarklabs/aa-entrypoint/internal/oracle"
	"github.com/quarklabs/aa-entrypoint/internal/userop"
)

// pmContextLen: 20-byte sender + 32-byte maxFeePerGas + 32-byte price.
const pmContextLen = common.AddressLength + 2*common.HashLength

// TokenPaymaster sponsors gas and charges the sender a fungible token.
type TokenPaymaster struct {
	self             common.Address
	token            Token
	prices           *oracle.Cache
	refundPostopCost uint64
	log              *zap.Logger
}

func NewTokenPaymaster(self common.Address, token Token, prices *oracle.Cache, refundPostopCost uint64, log *zap.Logger) *TokenPaymaster {
	return &TokenPaymaster{
		self:             self,
		token:            token,
		prices:           prices,
		refundPostopCost: refundPostopCost,
		log:              log,
	}
}

func (p *TokenPaymaster) Address() common.Address { return p.self }

func (p *TokenPaymaster) PostOpGas() uint64 { return p.refundPostopCost }

// ValidatePaymasterUserOp approves sponsorship when the sender's allowance
// and balance both cover the worst-case token charge. The returned context
// pins the exchange rate used at validation time so postOp settles at the
// same rate.
func (p *TokenPaymaster) ValidatePaymasterUserOp(ctx context.Context, env *entrypoint.CallEnv, op *userop.UserOperation, opHash common.Hash, maxCost *big.Int) ([]byte, entrypoint.Validation, error) {
	none := entrypoint.Validation{}

	price, err := p.opPrice(op)
	if err != nil {
		return nil, none, err
	}

	maxTokens := TokenCharge(maxCost, op.MaxFeePerGas, p.refundPostopCost, price)

	if err := env.Access.Touch(env.Gas, p.self, allowanceSlot(op.Sender)); err != nil {
		return nil, none, err
	}
	if p.token.Allowance(op.Sender, p.self).Cmp(maxTokens) < 0 {
		return nil, none, ErrInsufficientAllowance
	}
	if err := env.Access.Touch(env.Gas, p.self, balanceSlot(op.Sender)); err != nil {
		return nil, none, err
	}
	if p.token.BalanceOf(op.Sender).Cmp(maxTokens) < 0 {
		return nil, none, ErrInsufficientBalance
	}

	return packContext(op.Sender, op.MaxFeePerGas, price), none, nil
}

// PostOp charges the sender the actual token amount for the gas the
// operation consumed, plus the fixed postOp accounting share.
func (p *TokenPaymaster) PostOp(ctx context.Context, env *entrypoint.CallEnv, mode entrypoint.PostOpMode, pmContext []byte, actualGasCost *big.Int) error {
	sender, maxFee, price, err := unpackContext(pmContext)
	if err != nil {
		return err
	}
	if err := env.Gas.Consume(p.refundPostopCost); err != nil {
		return err
	}
	if err := env.Access.Touch(env.Gas, p.self, balanceSlot(sender)); err != nil {
		return err
	}

	charge := TokenCharge(actualGasCost, maxFee, p.refundPostopCost, price)
	if err := p.token.TransferFrom(sender, p.self, charge); err != nil {
		return fmt.Errorf("charge sender: %w", err)
	}
	p.log.Debug("postOp charged",
		zap.String("sender", sender.Hex()),
		zap.String("charge", charge.String()),
		zap.Uint8("mode", uint8(mode)),
	)
	return nil
}

// TokenCharge converts a native gas cost into the token amount owed:
// (actualGasCost + maxFeePerGas*refundPostopCost) * 1e26 / price.
func TokenCharge(actualGasCost, maxFeePerGas *big.Int, refundPostopCost uint64, price *big.Int) *big.Int {
	postOpShare := new(big.Int).Mul(maxFeePerGas, new(big.Int).SetUint64(refundPostopCost))
	total := new(big.Int).Add(actualGasCost, postOpShare)
	total.Mul(total, oracle.PriceDenominator)
	return total.Div(total, price)
}

// opPrice resolves the exchange rate for one operation: the caller-supplied
// override from paymasterAndData when present, the settlement-gated cache
// otherwise.
func (p *TokenPaymaster) opPrice(op *userop.UserOperation) (*big.Int, error) {
	override, err := op.PriceOverride()
	if err != nil {
		return nil, err
	}
	if override != nil && override.Sign() > 0 {
		return override, nil
	}
	return p.prices.CachedPriceOrFail()
}

func packContext(sender common.Address, maxFee, price *big.Int) []byte {
	buf := make([]byte, 0, pmContextLen)
	buf = append(buf, sender.Bytes()...)
	var word [common.HashLength]byte
	maxFee.FillBytes(word[:])
	buf = append(buf, word[:]...)
	price.FillBytes(word[:])
	buf = append(buf, word[:]...)
	return buf
}

func unpackContext(buf []byte) (sender common.Address, maxFee, price *big.Int, err error) {
	if len(buf) != pmContextLen {
		return common.Address{}, nil, nil, fmt.Errorf("paymaster: bad context length %d", len(buf))
	}
	sender = common.BytesToAddress(buf[:common.AddressLength])
	maxFee = new(big.Int).SetBytes(buf[common.AddressLength : common.AddressLength+common.HashLength])
	price = new(big.Int).SetBytes(buf[common.AddressLength+common.HashLength:])
	return sender, maxFee, price, nil
}

func balanceSlot(addr common.Address) common.Hash {
	return crypto.Keccak256Hash([]byte("balance"), addr.Bytes())
}

func allowanceSlot(addr common.Address) common.Hash {
	return crypto.Keccak256Hash([]byte("allowance"), addr.Bytes())
}
