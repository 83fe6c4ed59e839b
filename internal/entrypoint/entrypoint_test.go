package entrypoint

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/quarklabs/aa-entrypoint/internal/ledger"
	"github.com/quarklabs/aa-entrypoint/internal/nonce"
	"github.com/quarklabs/aa-entrypoint/internal/userop"
)

var (
	epAddr      = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	senderA     = common.HexToAddress("0xA11CE00000000000000000000000000000000001")
	senderB     = common.HexToAddress("0xB0B0000000000000000000000000000000000002")
	sponsorAddr = common.HexToAddress("0xC0FFEE0000000000000000000000000000000003")
	beneficiary = common.HexToAddress("0xFEE0000000000000000000000000000000000004")
)

const testNow = int64(1_700_000_000)

// stubAccount burns a fixed amount of gas per phase and answers with the
// configured verdict.
type stubAccount struct {
	verdict     Validation
	validateErr error
	validateGas uint64
	execGas     uint64
	execErr     error
}

func (a *stubAccount) ValidateUserOp(ctx context.Context, env *CallEnv, op *userop.UserOperation, opHash common.Hash) (Validation, error) {
	if err := env.Gas.Consume(a.validateGas); err != nil {
		return Validation{}, err
	}
	return a.verdict, a.validateErr
}

func (a *stubAccount) Execute(ctx context.Context, env *CallEnv, callData []byte) ([]byte, error) {
	if err := env.Gas.Consume(a.execGas); err != nil {
		return nil, err
	}
	return nil, a.execErr
}

type stubPaymaster struct {
	verdict     Validation
	rejectErr   error
	validateGas uint64
	postOpErr   error
	postOpGas   uint64

	gotContext []byte
	gotCost    *big.Int
}

func (p *stubPaymaster) ValidatePaymasterUserOp(ctx context.Context, env *CallEnv, op *userop.UserOperation, opHash common.Hash, maxCost *big.Int) ([]byte, Validation, error) {
	if err := env.Gas.Consume(p.validateGas); err != nil {
		return nil, Validation{}, err
	}
	if p.rejectErr != nil {
		return nil, Validation{}, p.rejectErr
	}
	return []byte("pm-ctx"), p.verdict, nil
}

func (p *stubPaymaster) PostOp(ctx context.Context, env *CallEnv, mode PostOpMode, pmContext []byte, actualGasCost *big.Int) error {
	p.gotContext = pmContext
	p.gotCost = actualGasCost
	return p.postOpErr
}

func (p *stubPaymaster) PostOpGas() uint64 { return p.postOpGas }

type fixture struct {
	ep     *EntryPoint
	led    *ledger.SettlementLedger
	nonces *nonce.Registry
	dir    *Directory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	led := ledger.NewSettlementLedger()
	nonces := nonce.NewRegistry()
	dir := NewDirectory()
	ep := New(epAddr, big.NewInt(1), led, nonces, dir, zap.NewNop())
	ep.SetClock(func() int64 { return testNow })
	return &fixture{ep: ep, led: led, nonces: nonces, dir: dir}
}

func newOp(sender common.Address, seq uint64) *userop.UserOperation {
	return &userop.UserOperation{
		Sender:               sender,
		Nonce:                userop.EncodeNonce(big.NewInt(0), seq),
		CallGasLimit:         100_000,
		VerificationGasLimit: 50_000,
		PreVerificationGas:   21_000,
		MaxFeePerGas:         big.NewInt(100),
		MaxPriorityFeePerGas: big.NewInt(10),
	}
}

var baseFee = big.NewInt(50) // effective price: min(100, 50+10) = 60

func failedOp(t *testing.T, err error) *FailedOpError {
	t.Helper()
	var fo *FailedOpError
	if !errors.As(err, &fo) {
		t.Fatalf("expected FailedOpError, got %v", err)
	}
	return fo
}

// ── Self-funded settlement ────────────────────────────────────────────────────

func TestHandleOps_SelfFunded(t *testing.T) {
	f := newFixture(t)
	f.dir.RegisterAccount(senderA, &stubAccount{validateGas: 5_000, execGas: 30_000})

	initial := big.NewInt(20_000_000)
	f.led.DepositTo(senderA, initial)

	op := newOp(senderA, 0)
	res, err := f.ep.HandleOps(context.Background(), []*userop.UserOperation{op}, beneficiary, baseFee)
	if err != nil {
		t.Fatalf("HandleOps: %v", err)
	}
	if len(res.Events) != 1 {
		t.Fatalf("events: got %d want 1", len(res.Events))
	}

	ev := res.Events[0]
	if !ev.Success {
		t.Error("expected success")
	}
	wantGas := uint64(21_000 + 5_000 + 30_000)
	if ev.ActualGasUsed != wantGas {
		t.Errorf("gas used: got %d want %d", ev.ActualGasUsed, wantGas)
	}
	wantCost := new(big.Int).Mul(new(big.Int).SetUint64(wantGas), big.NewInt(60))
	if ev.ActualGasCost.Cmp(wantCost) != 0 {
		t.Errorf("gas cost: got %s want %s", ev.ActualGasCost, wantCost)
	}
	if ev.OpHash != op.Hash(epAddr, big.NewInt(1)) {
		t.Error("event hash mismatch")
	}
	if ev.Paymaster != (common.Address{}) {
		t.Error("self-funded op reported a paymaster")
	}

	// Beneficiary earns exactly the cost; the sender keeps the rest.
	if got := f.led.BalanceOf(beneficiary); got.Cmp(wantCost) != 0 {
		t.Errorf("beneficiary: got %s want %s", got, wantCost)
	}
	wantSender := new(big.Int).Sub(initial, wantCost)
	if got := f.led.BalanceOf(senderA); got.Cmp(wantSender) != 0 {
		t.Errorf("sender: got %s want %s", got, wantSender)
	}

	// Nonce lane advanced by exactly one.
	if got := f.ep.GetNonce(senderA, big.NewInt(0)); got.Cmp(userop.EncodeNonce(big.NewInt(0), 1)) != 0 {
		t.Errorf("nonce: got %s", got)
	}
}

func TestHandleOps_ZeroBeneficiary(t *testing.T) {
	f := newFixture(t)
	_, err := f.ep.HandleOps(context.Background(), nil, common.Address{}, baseFee)
	if !errors.Is(err, ErrZeroBeneficiary) {
		t.Fatalf("expected ErrZeroBeneficiary, got %v", err)
	}
}

// ── Validation-phase aborts ───────────────────────────────────────────────────

func TestHandleOps_UnknownAccount(t *testing.T) {
	f := newFixture(t)
	_, err := f.ep.HandleOps(context.Background(), []*userop.UserOperation{newOp(senderA, 0)}, beneficiary, baseFee)
	fo := failedOp(t, err)
	if fo.Reason != ReasonAccountNotDeployed {
		t.Errorf("reason: got %q", fo.Reason)
	}
}

func TestHandleOps_InvalidNonce(t *testing.T) {
	f := newFixture(t)
	f.dir.RegisterAccount(senderA, &stubAccount{})
	f.led.DepositTo(senderA, big.NewInt(100_000_000))

	_, err := f.ep.HandleOps(context.Background(), []*userop.UserOperation{newOp(senderA, 5)}, beneficiary, baseFee)
	fo := failedOp(t, err)
	if fo.Reason != ReasonInvalidNonce {
		t.Errorf("reason: got %q", fo.Reason)
	}
}

func TestHandleOps_InsufficientPrefund(t *testing.T) {
	f := newFixture(t)
	f.dir.RegisterAccount(senderA, &stubAccount{})
	// Deposit one wei short of the required prefund.
	short := new(big.Int).Sub(newOp(senderA, 0).RequiredPrefund(), big.NewInt(1))
	f.led.DepositTo(senderA, short)

	_, err := f.ep.HandleOps(context.Background(), []*userop.UserOperation{newOp(senderA, 0)}, beneficiary, baseFee)
	fo := failedOp(t, err)
	if fo.Reason != ReasonPrefundNotPaid {
		t.Errorf("reason: got %q", fo.Reason)
	}
	// The failed debit must not touch the balance.
	if got := f.led.BalanceOf(senderA); got.Cmp(short) != 0 {
		t.Errorf("balance mutated: %s", got)
	}
}

func TestHandleOps_AccountValidationReverts(t *testing.T) {
	f := newFixture(t)
	f.dir.RegisterAccount(senderA, &stubAccount{validateErr: errors.New("bad signature")})
	f.led.DepositTo(senderA, big.NewInt(100_000_000))

	_, err := f.ep.HandleOps(context.Background(), []*userop.UserOperation{newOp(senderA, 0)}, beneficiary, baseFee)
	fo := failedOp(t, err)
	if fo.Reason != ReasonAccountReverted {
		t.Errorf("reason: got %q", fo.Reason)
	}
}

func TestHandleOps_AccountWindow(t *testing.T) {
	f := newFixture(t)
	f.led.DepositTo(senderA, big.NewInt(100_000_000))

	cases := map[string]Validation{
		"expired": {ValidUntil: testNow - 1},
		"not due": {ValidAfter: testNow + 1},
	}
	for name, verdict := range cases {
		f.dir.RegisterAccount(senderA, &stubAccount{verdict: verdict})
		_, err := f.ep.HandleOps(context.Background(), []*userop.UserOperation{newOp(senderA, 0)}, beneficiary, baseFee)
		fo := failedOp(t, err)
		if fo.Reason != ReasonAccountWindow {
			t.Errorf("%s: reason %q", name, fo.Reason)
		}
	}
}

func TestHandleOps_BadFees(t *testing.T) {
	f := newFixture(t)
	f.dir.RegisterAccount(senderA, &stubAccount{})

	op := newOp(senderA, 0)
	op.MaxPriorityFeePerGas = big.NewInt(200) // above maxFee

	_, err := f.ep.HandleOps(context.Background(), []*userop.UserOperation{op}, beneficiary, baseFee)
	fo := failedOp(t, err)
	if fo.Reason != ReasonGasValuesInvalid {
		t.Errorf("reason: got %q", fo.Reason)
	}
}

// ── Batch-abort atomicity ─────────────────────────────────────────────────────

func TestHandleOps_AbortRollsBackEarlierOps(t *testing.T) {
	f := newFixture(t)
	f.dir.RegisterAccount(senderA, &stubAccount{})
	f.dir.RegisterAccount(senderB, &stubAccount{})

	initial := big.NewInt(100_000_000)
	f.led.DepositTo(senderA, initial)
	f.led.DepositTo(senderB, initial)

	ops := []*userop.UserOperation{
		newOp(senderA, 0), // valid
		newOp(senderB, 7), // invalid nonce, aborts the batch
	}
	_, err := f.ep.HandleOps(context.Background(), ops, beneficiary, baseFee)
	fo := failedOp(t, err)
	if fo.Index != 1 || fo.Reason != ReasonInvalidNonce {
		t.Fatalf("got FailedOp(%d, %q)", fo.Index, fo.Reason)
	}

	// Op 0's nonce consumption and prefund debit must both be undone.
	if got := f.led.BalanceOf(senderA); got.Cmp(initial) != 0 {
		t.Errorf("sender A balance not restored: %s", got)
	}
	if got := f.ep.GetNonce(senderA, big.NewInt(0)); got.Sign() != 0 {
		t.Errorf("sender A nonce not restored: %s", got)
	}
	if got := f.led.BalanceOf(beneficiary); got.Sign() != 0 {
		t.Errorf("beneficiary credited on abort: %s", got)
	}
}

// ── Sponsored settlement ──────────────────────────────────────────────────────

func sponsoredOp(sender common.Address, seq uint64) *userop.UserOperation {
	op := newOp(sender, seq)
	op.PaymasterAndData = userop.PackPaymasterData(sponsorAddr, nil)
	return op
}

func TestHandleOps_Sponsored(t *testing.T) {
	f := newFixture(t)
	f.dir.RegisterAccount(senderA, &stubAccount{validateGas: 5_000, execGas: 30_000})
	pm := &stubPaymaster{validateGas: 4_000, postOpGas: 40_000}
	f.dir.RegisterPaymaster(sponsorAddr, pm)

	initial := big.NewInt(30_000_000)
	f.led.DepositTo(sponsorAddr, initial)

	op := sponsoredOp(senderA, 0)
	res, err := f.ep.HandleOps(context.Background(), []*userop.UserOperation{op}, beneficiary, baseFee)
	if err != nil {
		t.Fatalf("HandleOps: %v", err)
	}

	ev := res.Events[0]
	if !ev.Success {
		t.Error("expected success")
	}
	if ev.Paymaster != sponsorAddr {
		t.Errorf("event paymaster: %s", ev.Paymaster)
	}
	wantGas := uint64(21_000 + 5_000 + 4_000 + 30_000)
	if ev.ActualGasUsed != wantGas {
		t.Errorf("gas used: got %d want %d", ev.ActualGasUsed, wantGas)
	}
	wantCost := new(big.Int).Mul(new(big.Int).SetUint64(wantGas), big.NewInt(60))
	if pm.gotCost == nil || pm.gotCost.Cmp(wantCost) != 0 {
		t.Errorf("postOp cost: got %v want %s", pm.gotCost, wantCost)
	}
	if !bytes.Equal(pm.gotContext, []byte("pm-ctx")) {
		t.Errorf("postOp context: %q", pm.gotContext)
	}

	// The paymaster keeps the postOp share; the beneficiary gets the rest.
	retained := new(big.Int).Mul(big.NewInt(40_000), big.NewInt(60))
	wantBeneficiary := new(big.Int).Sub(wantCost, retained)
	if got := f.led.BalanceOf(beneficiary); got.Cmp(wantBeneficiary) != 0 {
		t.Errorf("beneficiary: got %s want %s", got, wantBeneficiary)
	}
	wantSponsor := new(big.Int).Sub(initial, wantBeneficiary)
	if got := f.led.BalanceOf(sponsorAddr); got.Cmp(wantSponsor) != 0 {
		t.Errorf("sponsor: got %s want %s", got, wantSponsor)
	}
	// The sender's own deposit is never touched when sponsored.
	if got := f.led.BalanceOf(senderA); got.Sign() != 0 {
		t.Errorf("sender debited despite sponsorship: %s", got)
	}
}

func TestHandleOps_UnknownPaymaster(t *testing.T) {
	f := newFixture(t)
	f.dir.RegisterAccount(senderA, &stubAccount{})

	_, err := f.ep.HandleOps(context.Background(), []*userop.UserOperation{sponsoredOp(senderA, 0)}, beneficiary, baseFee)
	fo := failedOp(t, err)
	if fo.Reason != ReasonPaymasterNotDeployed {
		t.Errorf("reason: got %q", fo.Reason)
	}
}

func TestHandleOps_PaymasterDepositLow(t *testing.T) {
	f := newFixture(t)
	f.dir.RegisterAccount(senderA, &stubAccount{})
	f.dir.RegisterPaymaster(sponsorAddr, &stubPaymaster{})
	// The sender's own deposit must not substitute for the sponsor's.
	f.led.DepositTo(senderA, big.NewInt(100_000_000))

	_, err := f.ep.HandleOps(context.Background(), []*userop.UserOperation{sponsoredOp(senderA, 0)}, beneficiary, baseFee)
	fo := failedOp(t, err)
	if fo.Reason != ReasonPaymasterDepositLow {
		t.Errorf("reason: got %q", fo.Reason)
	}
}

func TestHandleOps_PaymasterRejectsVerbatim(t *testing.T) {
	f := newFixture(t)
	f.dir.RegisterAccount(senderA, &stubAccount{})
	f.dir.RegisterPaymaster(sponsorAddr, &stubPaymaster{
		rejectErr: Revert([]byte("ERC20: insufficient allowance")),
	})
	f.led.DepositTo(sponsorAddr, big.NewInt(100_000_000))

	_, err := f.ep.HandleOps(context.Background(), []*userop.UserOperation{sponsoredOp(senderA, 0)}, beneficiary, baseFee)
	fo := failedOp(t, err)
	want := "AA33 reverted: ERC20: insufficient allowance"
	if fo.Reason != want {
		t.Errorf("reason: got %q want %q", fo.Reason, want)
	}
	// The rejected op's prefund must be returned to the sponsor.
	if got := f.led.BalanceOf(sponsorAddr); got.Cmp(big.NewInt(100_000_000)) != 0 {
		t.Errorf("sponsor balance not restored: %s", got)
	}
}

func TestHandleOps_PaymasterWindow(t *testing.T) {
	f := newFixture(t)
	f.dir.RegisterAccount(senderA, &stubAccount{})
	f.dir.RegisterPaymaster(sponsorAddr, &stubPaymaster{verdict: Validation{ValidUntil: testNow - 1}})
	f.led.DepositTo(sponsorAddr, big.NewInt(100_000_000))

	_, err := f.ep.HandleOps(context.Background(), []*userop.UserOperation{sponsoredOp(senderA, 0)}, beneficiary, baseFee)
	fo := failedOp(t, err)
	if fo.Reason != ReasonPaymasterWindow {
		t.Errorf("reason: got %q", fo.Reason)
	}
}

// ── Execution-phase tolerance ─────────────────────────────────────────────────

func TestHandleOps_ExecutionRevertIsTolerated(t *testing.T) {
	f := newFixture(t)
	longPayload := bytes.Repeat([]byte("x"), RevertReasonMaxLen+500)
	f.dir.RegisterAccount(senderA, &stubAccount{execErr: Revert(longPayload)})
	f.dir.RegisterAccount(senderB, &stubAccount{})

	f.led.DepositTo(senderA, big.NewInt(100_000_000))
	f.led.DepositTo(senderB, big.NewInt(100_000_000))

	ops := []*userop.UserOperation{newOp(senderA, 0), newOp(senderB, 0)}
	res, err := f.ep.HandleOps(context.Background(), ops, beneficiary, baseFee)
	if err != nil {
		t.Fatalf("execution revert aborted the batch: %v", err)
	}

	if res.Events[0].Success {
		t.Error("reverted op reported success")
	}
	if !res.Events[1].Success {
		t.Error("sibling op dragged down")
	}
	if len(res.Reverts) != 1 {
		t.Fatalf("reverts: got %d want 1", len(res.Reverts))
	}
	if len(res.Reverts[0].Reason) != RevertReasonMaxLen {
		t.Errorf("revert payload: got %d bytes want %d", len(res.Reverts[0].Reason), RevertReasonMaxLen)
	}

	// A reverted op still pays for the gas it burned.
	if res.Events[0].ActualGasCost.Sign() == 0 {
		t.Error("reverted op paid nothing")
	}
	// And its nonce stays consumed.
	if got := f.ep.GetNonce(senderA, big.NewInt(0)); got.Cmp(userop.EncodeNonce(big.NewInt(0), 1)) != 0 {
		t.Errorf("reverted op's nonce rolled back: %s", got)
	}
}

func TestHandleOps_PostOpFailureMarksOpFailed(t *testing.T) {
	f := newFixture(t)
	f.dir.RegisterAccount(senderA, &stubAccount{})
	f.dir.RegisterPaymaster(sponsorAddr, &stubPaymaster{postOpErr: errors.New("charge failed")})
	f.led.DepositTo(sponsorAddr, big.NewInt(100_000_000))

	res, err := f.ep.HandleOps(context.Background(), []*userop.UserOperation{sponsoredOp(senderA, 0)}, beneficiary, baseFee)
	if err != nil {
		t.Fatalf("postOp failure aborted the batch: %v", err)
	}
	if res.Events[0].Success {
		t.Error("op with failed postOp reported success")
	}
}

// ── Observer ──────────────────────────────────────────────────────────────────

type countingObserver struct {
	ops, settled, aborted int
	collected             float64
}

func (o *countingObserver) IncOpProcessed(bool) { o.ops++ }
func (o *countingObserver) IncBatchHandled(aborted bool) {
	if aborted {
		o.aborted++
	} else {
		o.settled++
	}
}
func (o *countingObserver) AddGasCollected(wei float64) { o.collected += wei }

func TestHandleOps_Observer(t *testing.T) {
	f := newFixture(t)
	obs := &countingObserver{}
	f.ep.SetObserver(obs)

	f.dir.RegisterAccount(senderA, &stubAccount{})
	f.led.DepositTo(senderA, big.NewInt(100_000_000))

	if _, err := f.ep.HandleOps(context.Background(), []*userop.UserOperation{newOp(senderA, 0)}, beneficiary, baseFee); err != nil {
		t.Fatal(err)
	}
	if obs.settled != 1 || obs.ops != 1 || obs.collected == 0 {
		t.Errorf("after settle: %+v", obs)
	}

	f.ep.HandleOps(context.Background(), []*userop.UserOperation{newOp(senderA, 9)}, beneficiary, baseFee) //nolint:errcheck
	if obs.aborted != 1 {
		t.Errorf("after abort: %+v", obs)
	}
}
