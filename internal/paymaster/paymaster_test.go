package paymaster

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/quarklabs/aa-entrypoint/internal/entrypoint"
	"github.com/quarklabs/aa-entrypoint/internal/oracle"
	"github.com/quarklabs/aa-entrypoint/internal/userop"
)

var (
	pmAddr  = common.HexToAddress("0xC0FFEE0000000000000000000000000000000003")
	sender  = common.HexToAddress("0xA11CE00000000000000000000000000000000001")
	someone = common.HexToAddress("0xB0B0000000000000000000000000000000000002")
)

const refundPostopCost = uint64(40_000)

// testCache returns a primed cache at a rate of 2.0 (token $2, native $1).
func testCache(t *testing.T) (*oracle.Cache, *int64) {
	t.Helper()
	c, err := oracle.NewCache(oracle.Config{
		TokenFeed:   oracle.NewStaticFeed(big.NewInt(2_0000_0000)),
		NativeFeed:  oracle.NewStaticFeed(big.NewInt(1_0000_0000)),
		PriceMarkup: new(big.Int).Set(oracle.PriceDenominator),
		CacheTTL:    time.Minute,
		PriceMaxAge: time.Minute,
	})
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	now := int64(1_700_000_000)
	c.SetClock(func() int64 { return now })
	if _, err := c.ForceRefresh(context.Background()); err != nil {
		t.Fatalf("prime: %v", err)
	}
	return c, &now
}

func newEnv() *entrypoint.CallEnv {
	return &entrypoint.CallEnv{
		Gas:    entrypoint.NewMeter(100_000),
		Access: entrypoint.NewAccessTracker(),
	}
}

func sponsoredOp(override *big.Int) *userop.UserOperation {
	return &userop.UserOperation{
		Sender:               sender,
		Nonce:                big.NewInt(0),
		CallGasLimit:         100_000,
		VerificationGasLimit: 50_000,
		PreVerificationGas:   21_000,
		MaxFeePerGas:         big.NewInt(100),
		MaxPriorityFeePerGas: big.NewInt(10),
		PaymasterAndData:     userop.PackPaymasterData(pmAddr, override),
	}
}

// ── TokenCharge ───────────────────────────────────────────────────────────────

func TestTokenCharge(t *testing.T) {
	price := new(big.Int).Mul(oracle.PriceDenominator, big.NewInt(2)) // 2.0

	// (1_000_000 + 100*40_000) / 2 = 2_500_000 tokens.
	got := TokenCharge(big.NewInt(1_000_000), big.NewInt(100), refundPostopCost, price)
	if got.Cmp(big.NewInt(2_500_000)) != 0 {
		t.Errorf("charge: got %s want 2500000", got)
	}

	// At a rate of exactly 1.0 the token charge equals the native total.
	got = TokenCharge(big.NewInt(777), big.NewInt(0), 0, oracle.PriceDenominator)
	if got.Cmp(big.NewInt(777)) != 0 {
		t.Errorf("unit rate: got %s want 777", got)
	}

	// A higher price (more native per token) means fewer tokens owed.
	cheap := TokenCharge(big.NewInt(1_000_000), big.NewInt(100), refundPostopCost, price)
	expensive := TokenCharge(big.NewInt(1_000_000), big.NewInt(100), refundPostopCost,
		new(big.Int).Mul(oracle.PriceDenominator, big.NewInt(4)))
	if expensive.Cmp(cheap) >= 0 {
		t.Errorf("charge not monotonic in price: %s vs %s", expensive, cheap)
	}
}

// ── ValidatePaymasterUserOp ───────────────────────────────────────────────────

func TestValidate_AllowanceCheckedBeforeBalance(t *testing.T) {
	cache, _ := testCache(t)
	token := NewMemoryToken()
	pm := NewTokenPaymaster(pmAddr, token, cache, refundPostopCost, zap.NewNop())

	op := sponsoredOp(nil)
	maxCost := big.NewInt(1_000_000)

	// No allowance, no balance: the allowance failure must win.
	_, _, err := pm.ValidatePaymasterUserOp(context.Background(), newEnv(), op, common.Hash{}, maxCost)
	if !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected allowance failure first, got %v", err)
	}

	// Allowance granted, balance still short: now the balance failure.
	token.Approve(sender, pmAddr, big.NewInt(10_000_000))
	_, _, err = pm.ValidatePaymasterUserOp(context.Background(), newEnv(), op, common.Hash{}, maxCost)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected balance failure, got %v", err)
	}
}

func TestValidate_ApprovesAndPinsRate(t *testing.T) {
	cache, _ := testCache(t)
	token := NewMemoryToken()
	token.Mint(sender, big.NewInt(10_000_000))
	token.Approve(sender, pmAddr, big.NewInt(10_000_000))
	pm := NewTokenPaymaster(pmAddr, token, cache, refundPostopCost, zap.NewNop())

	op := sponsoredOp(nil)
	env := newEnv()
	pmCtx, _, err := pm.ValidatePaymasterUserOp(context.Background(), env, op, common.Hash{}, big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(pmCtx) == 0 {
		t.Fatal("no context returned")
	}
	// Two distinct slots were classified cold.
	if env.Access.ColdAccesses() != 2 {
		t.Errorf("cold accesses: got %d want 2", env.Access.ColdAccesses())
	}

	// PostOp settles at the pinned rate: (600_000 + 100*40_000) / 2.
	if err := pm.PostOp(context.Background(), newEnv(), entrypoint.PostOpSucceeded, pmCtx, big.NewInt(600_000)); err != nil {
		t.Fatalf("postOp: %v", err)
	}
	wantCharge := big.NewInt(2_300_000)
	if got := token.BalanceOf(pmAddr); got.Cmp(wantCharge) != 0 {
		t.Errorf("paymaster token balance: got %s want %s", got, wantCharge)
	}
	wantSender := big.NewInt(10_000_000 - 2_300_000)
	if got := token.BalanceOf(sender); got.Cmp(wantSender) != 0 {
		t.Errorf("sender token balance: got %s want %s", got, wantSender)
	}
}

func TestValidate_StaleCacheRejects(t *testing.T) {
	cache, now := testCache(t)
	token := NewMemoryToken()
	token.Mint(sender, big.NewInt(10_000_000))
	token.Approve(sender, pmAddr, big.NewInt(10_000_000))
	pm := NewTokenPaymaster(pmAddr, token, cache, refundPostopCost, zap.NewNop())

	*now += 61 // past PriceMaxAge

	_, _, err := pm.ValidatePaymasterUserOp(context.Background(), newEnv(), sponsoredOp(nil), common.Hash{}, big.NewInt(1_000_000))
	if !errors.Is(err, oracle.ErrPriceTooStale) {
		t.Fatalf("stale cache accepted: %v", err)
	}

	// A caller-supplied override bypasses the cache entirely.
	override := new(big.Int).Mul(oracle.PriceDenominator, big.NewInt(2))
	_, _, err = pm.ValidatePaymasterUserOp(context.Background(), newEnv(), sponsoredOp(override), common.Hash{}, big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("override rejected: %v", err)
	}
}

// ── PostOp ────────────────────────────────────────────────────────────────────

func TestPostOp_ConsumesItsGasShare(t *testing.T) {
	cache, _ := testCache(t)
	token := NewMemoryToken()
	token.Mint(sender, big.NewInt(10_000_000))
	token.Approve(sender, pmAddr, big.NewInt(10_000_000))
	pm := NewTokenPaymaster(pmAddr, token, cache, refundPostopCost, zap.NewNop())

	pmCtx, _, err := pm.ValidatePaymasterUserOp(context.Background(), newEnv(), sponsoredOp(nil), common.Hash{}, big.NewInt(1_000_000))
	if err != nil {
		t.Fatal(err)
	}

	tight := &entrypoint.CallEnv{
		Gas:    entrypoint.NewMeter(refundPostopCost - 1),
		Access: entrypoint.NewAccessTracker(),
	}
	if err := pm.PostOp(context.Background(), tight, entrypoint.PostOpSucceeded, pmCtx, big.NewInt(600_000)); !errors.Is(err, entrypoint.ErrOutOfGas) {
		t.Fatalf("underfunded postOp accepted: %v", err)
	}
	// Nothing was charged.
	if got := token.BalanceOf(pmAddr); got.Sign() != 0 {
		t.Errorf("charge despite OOG: %s", got)
	}
}

func TestPostOp_RejectsBadContext(t *testing.T) {
	cache, _ := testCache(t)
	pm := NewTokenPaymaster(pmAddr, NewMemoryToken(), cache, refundPostopCost, zap.NewNop())

	if err := pm.PostOp(context.Background(), newEnv(), entrypoint.PostOpSucceeded, []byte("garbage"), big.NewInt(1)); err == nil {
		t.Fatal("malformed context accepted")
	}
}

// ── MemoryToken ───────────────────────────────────────────────────────────────

func TestMemoryToken_TransferFrom(t *testing.T) {
	token := NewMemoryToken()
	token.Mint(sender, big.NewInt(100))
	token.Approve(sender, someone, big.NewInt(60))

	if err := token.TransferFrom(sender, someone, big.NewInt(50)); err != nil {
		t.Fatal(err)
	}
	if got := token.Allowance(sender, someone); got.Cmp(big.NewInt(10)) != 0 {
		t.Errorf("allowance: got %s want 10", got)
	}
	if got := token.BalanceOf(someone); got.Cmp(big.NewInt(50)) != 0 {
		t.Errorf("recipient: got %s want 50", got)
	}

	// Remaining allowance 10 but balance 50: allowance failure wins.
	if err := token.TransferFrom(sender, someone, big.NewInt(20)); !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected allowance failure, got %v", err)
	}
	// Fresh approval beyond the balance: now the balance failure.
	token.Approve(sender, someone, big.NewInt(1_000))
	if err := token.TransferFrom(sender, someone, big.NewInt(60)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected balance failure, got %v", err)
	}
}
