// Package entrypoint implements the batch validation/execution/settlement
// state machine: per-operation nonce reservation, gas-bounded account and
// paymaster validation, execution with tolerated reverts, and prefund
// reconciliation against the settlement ledger.
package entrypoint

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/quarklabs/aa-entrypoint/internal/ledger"
	"github.com/quarklabs/aa-entrypoint/internal/nonce"
	"github.com/quarklabs/aa-entrypoint/internal/userop"
)

var ErrZeroBeneficiary = errors.New("entrypoint: beneficiary is zero address")

// CallEnv is handed to every account/paymaster call: a gas meter bounding
// the call and the operation's access tracker.
type CallEnv struct {
	Gas    *Meter
	Access *AccessTracker
}

// Validation is an approval verdict, optionally bounded to a time window
// (unix seconds, zero means unbounded).
type Validation struct {
	ValidAfter int64
	ValidUntil int64
}

// Account is the sender-side capability interface. Implementations own
// their signature scheme; the entrypoint only interprets approve/reject.
type Account interface {
	ValidateUserOp(ctx context.Context, env *CallEnv, op *userop.UserOperation, opHash common.Hash) (Validation, error)
	Execute(ctx context.Context, env *CallEnv, callData []byte) ([]byte, error)
}

// PostOpMode tells a paymaster how the sponsored call ended.
type PostOpMode uint8

const (
	PostOpSucceeded PostOpMode = iota
	PostOpReverted
)

// Paymaster sponsors an operation's gas in exchange for later compensation.
type Paymaster interface {
	// ValidatePaymasterUserOp approves or rejects sponsorship for maxCost.
	// On approval it returns opaque context data for PostOp.
	ValidatePaymasterUserOp(ctx context.Context, env *CallEnv, op *userop.UserOperation, opHash common.Hash, maxCost *big.Int) ([]byte, Validation, error)

	// PostOp is invoked after execution with the actual gas cost.
	PostOp(ctx context.Context, env *CallEnv, mode PostOpMode, pmContext []byte, actualGasCost *big.Int) error

	// PostOpGas is the fixed gas share retained from the beneficiary payout
	// to cover the paymaster's accounting overhead.
	PostOpGas() uint64
}

// Directory resolves account and paymaster identities to implementations.
type Directory struct {
	accounts   map[common.Address]Account
	paymasters map[common.Address]Paymaster
}

func NewDirectory() *Directory {
	return &Directory{
		accounts:   make(map[common.Address]Account),
		paymasters: make(map[common.Address]Paymaster),
	}
}

func (d *Directory) RegisterAccount(addr common.Address, a Account)     { d.accounts[addr] = a }
func (d *Directory) RegisterPaymaster(addr common.Address, p Paymaster) { d.paymasters[addr] = p }

func (d *Directory) Account(addr common.Address) (Account, bool) {
	a, ok := d.accounts[addr]
	return a, ok
}

func (d *Directory) Paymaster(addr common.Address) (Paymaster, bool) {
	p, ok := d.paymasters[addr]
	return p, ok
}

// BatchObserver receives settlement outcomes for instrumentation. All
// methods must be cheap; they run on the batch path.
type BatchObserver interface {
	IncOpProcessed(success bool)
	IncBatchHandled(aborted bool)
	AddGasCollected(wei float64)
}

// EntryPoint owns the settlement ledger and the nonce registry and processes
// operation batches.
type EntryPoint struct {
	self    common.Address
	chainID *big.Int
	ledger  *ledger.SettlementLedger
	nonces  *nonce.Registry
	dir     *Directory
	log     *zap.Logger
	obs     BatchObserver

	nowFn func() int64
}

func New(self common.Address, chainID *big.Int, l *ledger.SettlementLedger, n *nonce.Registry, dir *Directory, log *zap.Logger) *EntryPoint {
	return &EntryPoint{
		self:    self,
		chainID: chainID,
		ledger:  l,
		nonces:  n,
		dir:     dir,
		log:     log,
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// Ledger exposes the deposit/stake ledger this entrypoint settles against.
func (e *EntryPoint) Ledger() *ledger.SettlementLedger { return e.ledger }

// SetObserver installs an instrumentation sink. Nil disables it.
func (e *EntryPoint) SetObserver(obs BatchObserver) { e.obs = obs }

// GetNonce returns (key<<64)|sequence for an account lane.
func (e *EntryPoint) GetNonce(account common.Address, key *big.Int) *big.Int {
	return e.nonces.Peek(account, key)
}

// IncrementNonce lets an account jump one of its own lanes forward.
func (e *EntryPoint) IncrementNonce(caller common.Address, key *big.Int, delta uint64) error {
	return e.nonces.ManualIncrement(caller, caller, key, delta)
}

// opFrame carries one validated operation between the two phases.
type opFrame struct {
	index         int
	op            *userop.UserOperation
	opHash        common.Hash
	account       Account
	pm            Paymaster
	pmAddr        common.Address
	payer         common.Address
	prefund       *big.Int
	pmContext     []byte
	access        *AccessTracker
	validationGas uint64
	gasPrice      *big.Int
}

// HandleOps validates every operation, then executes and settles each one.
// Validation-class failures abort the whole batch with FailedOpError after
// rolling back any nonce/ledger effects; execution failures are tolerated
// per operation. The beneficiary is credited the net gas proceeds.
func (e *EntryPoint) HandleOps(ctx context.Context, ops []*userop.UserOperation, beneficiary common.Address, baseFee *big.Int) (*BatchResult, error) {
	if beneficiary == (common.Address{}) {
		return nil, ErrZeroBeneficiary
	}

	var undo []func()
	abort := func(idx int, reason string) error {
		for j := len(undo) - 1; j >= 0; j-- {
			undo[j]()
		}
		if e.obs != nil {
			e.obs.IncBatchHandled(true)
		}
		return &FailedOpError{Index: idx, Reason: reason}
	}

	frames := make([]*opFrame, 0, len(ops))
	for i, op := range ops {
		frame, reason := e.validateOp(ctx, i, op, baseFee, &undo)
		if reason != "" {
			return nil, abort(i, reason)
		}
		frames = append(frames, frame)
	}

	res := &BatchResult{Collected: new(big.Int)}
	for _, f := range frames {
		e.executeOp(ctx, f, res)
	}

	e.ledger.Credit(beneficiary, res.Collected)
	if e.obs != nil {
		e.obs.IncBatchHandled(false)
		for _, ev := range res.Events {
			e.obs.IncOpProcessed(ev.Success)
		}
		collected, _ := new(big.Float).SetInt(res.Collected).Float64()
		e.obs.AddGasCollected(collected)
	}
	e.log.Info("batch settled",
		zap.Int("ops", len(ops)),
		zap.String("beneficiary", beneficiary.Hex()),
		zap.String("collected", res.Collected.String()),
	)
	return res, nil
}

// validateOp runs the validation stage for one operation. Every state
// mutation (nonce consumption, prefund debit) happens before account or
// paymaster code is invoked, and each mutation registers its rollback.
// Returns an empty reason on success.
func (e *EntryPoint) validateOp(ctx context.Context, i int, op *userop.UserOperation, baseFee *big.Int, undo *[]func()) (*opFrame, string) {
	if err := op.CheckFees(); err != nil {
		return nil, ReasonGasValuesInvalid
	}

	account, ok := e.dir.Account(op.Sender)
	if !ok {
		return nil, ReasonAccountNotDeployed
	}

	var (
		pm     Paymaster
		pmAddr common.Address
	)
	if op.HasPaymaster() {
		addr, err := op.Paymaster()
		if err != nil {
			return nil, ReasonPaymasterNotDeployed
		}
		pm, ok = e.dir.Paymaster(addr)
		if !ok {
			return nil, ReasonPaymasterNotDeployed
		}
		pmAddr = addr
	}

	key, seq := op.NonceKey(), op.NonceSeq()
	if _, err := e.nonces.ValidateAndConsume(op.Sender, key, seq); err != nil {
		return nil, ReasonInvalidNonce
	}
	*undo = append(*undo, func() { e.nonces.Rollback(op.Sender, key, seq) })

	prefund := op.RequiredPrefund()
	payer := op.Sender
	if pm != nil {
		payer = pmAddr
	}
	if err := e.ledger.Debit(payer, prefund); err != nil {
		if pm != nil {
			return nil, ReasonPaymasterDepositLow
		}
		return nil, ReasonPrefundNotPaid
	}
	*undo = append(*undo, func() { e.ledger.Credit(payer, prefund) })

	opHash := op.Hash(e.self, e.chainID)
	access := NewAccessTracker()

	vMeter := NewMeter(op.VerificationGasLimit)
	verdict, err := account.ValidateUserOp(ctx, &CallEnv{Gas: vMeter, Access: access}, op, opHash)
	if err != nil {
		return nil, ReasonAccountReverted
	}
	if !e.windowOK(verdict) {
		return nil, ReasonAccountWindow
	}

	frame := &opFrame{
		index:         i,
		op:            op,
		opHash:        opHash,
		account:       account,
		pm:            pm,
		pmAddr:        pmAddr,
		payer:         payer,
		prefund:       prefund,
		access:        access,
		validationGas: vMeter.Used(),
		gasPrice:      op.EffectiveGasPrice(baseFee),
	}

	if pm != nil {
		pmMeter := NewMeter(op.VerificationGasLimit)
		pmContext, pmVerdict, err := pm.ValidatePaymasterUserOp(ctx, &CallEnv{Gas: pmMeter, Access: access}, op, opHash, prefund)
		if err != nil {
			return nil, ReasonPaymasterRejected + revertReason(err)
		}
		if !e.windowOK(pmVerdict) {
			return nil, ReasonPaymasterWindow
		}
		frame.pmContext = pmContext
		frame.validationGas += pmMeter.Used()
	}

	return frame, ""
}

// executeOp runs the execution stage and settles one operation. Execution
// inherits the operation's validation-phase access tracker, so cold/warm
// classification cannot diverge between the two phases.
func (e *EntryPoint) executeOp(ctx context.Context, f *opFrame, res *BatchResult) {
	execMeter := NewMeter(f.op.CallGasLimit)
	_, err := f.account.Execute(ctx, &CallEnv{Gas: execMeter, Access: f.access}, f.op.CallData)
	success := err == nil
	if err != nil {
		reason := TruncateRevertReason(revertPayload(err))
		res.Reverts = append(res.Reverts, RevertReasonEvent{
			OpHash: f.opHash,
			Sender: f.op.Sender,
			Nonce:  f.op.Nonce,
			Reason: reason,
		})
		e.log.Warn("user operation reverted",
			zap.Int("index", f.index),
			zap.String("op_hash", f.opHash.Hex()),
			zap.Int("reason_len", len(reason)),
		)
	}

	gasUsed := f.op.PreVerificationGas + f.validationGas + execMeter.Used()
	actualGasCost := new(big.Int).Mul(new(big.Int).SetUint64(gasUsed), f.gasPrice)

	if f.pm != nil {
		mode := PostOpSucceeded
		if !success {
			mode = PostOpReverted
		}
		postMeter := NewMeter(f.op.VerificationGasLimit)
		if err := f.pm.PostOp(ctx, &CallEnv{Gas: postMeter, Access: f.access}, mode, f.pmContext, actualGasCost); err != nil {
			success = false
			e.log.Error("paymaster postOp failed",
				zap.Int("index", f.index),
				zap.String("paymaster", f.pmAddr.Hex()),
				zap.Error(err),
			)
		}
	}

	// Reconcile: unused prefund returns to the payer; the beneficiary earns
	// the actual cost, minus the postOp share retained on the paymaster's
	// deposit when sponsored.
	e.ledger.Credit(f.payer, new(big.Int).Sub(f.prefund, actualGasCost))
	collected := new(big.Int).Set(actualGasCost)
	if f.pm != nil {
		retained := new(big.Int).Mul(new(big.Int).SetUint64(f.pm.PostOpGas()), f.gasPrice)
		if retained.Cmp(collected) > 0 {
			retained.Set(collected)
		}
		collected.Sub(collected, retained)
		e.ledger.Credit(f.payer, retained)
	}
	res.Collected.Add(res.Collected, collected)

	res.Events = append(res.Events, UserOperationEvent{
		OpHash:        f.opHash,
		Sender:        f.op.Sender,
		Paymaster:     f.pmAddr,
		Nonce:         f.op.Nonce,
		Success:       success,
		ActualGasCost: actualGasCost,
		ActualGasUsed: gasUsed,
	})
}

func (e *EntryPoint) windowOK(v Validation) bool {
	now := e.nowFn()
	if v.ValidAfter != 0 && now < v.ValidAfter {
		return false
	}
	if v.ValidUntil != 0 && now > v.ValidUntil {
		return false
	}
	return true
}

// SetClock overrides the entrypoint's time source (validity windows).
func (e *EntryPoint) SetClock(now func() int64) { e.nowFn = now }

// revertPayload extracts the raw payload from a RevertError, or falls back
// to the error text.
func revertPayload(err error) []byte {
	var rev *RevertError
	if errors.As(err, &rev) {
		return rev.Payload
	}
	return []byte(err.Error())
}

// revertReason renders a rejection reason verbatim for FailedOp messages.
func revertReason(err error) string {
	var rev *RevertError
	if errors.As(err, &rev) {
		return string(rev.Payload)
	}
	return err.Error()
}
