// Package ledger holds each participant's spendable deposit and locked
// stake. All mutations are atomic: a failed operation leaves no partial
// state, so the ledger can never go negative.
package ledger

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientDeposit  = errors.New("ledger: insufficient deposit")
	ErrNoStake              = errors.New("ledger: no stake specified")
	ErrNoUnstakeDelay       = errors.New("ledger: must specify unstake delay")
	ErrNotStaked            = errors.New("ledger: not staked")
	ErrStakeNotWithdrawable = errors.New("ledger: stake withdrawal is not due")
)

// DepositInfo is the per-identity ledger entry.
//
// Invariants: Stake > 0 implies Staked unless an unlock is pending
// (WithdrawTime > 0 implies Staked == false, mid-cooldown).
type DepositInfo struct {
	Deposit         *big.Int `json:"deposit"`
	Stake           *big.Int `json:"stake"`
	Staked          bool     `json:"staked"`
	UnstakeDelaySec uint64   `json:"unstake_delay_sec"`
	WithdrawTime    int64    `json:"withdraw_time"`
}

// SettlementLedger is the sole piece of shared mutable state in the core.
// The mutex exists for the daemon's sake (API reads, top-up deposits); a
// batch owns the ledger logically for its whole run.
type SettlementLedger struct {
	mu       sync.Mutex
	accounts map[common.Address]*DepositInfo

	// nowFn is swapped in tests to drive the unstake cooldown.
	nowFn func() int64
}

func NewSettlementLedger() *SettlementLedger {
	return &SettlementLedger{
		accounts: make(map[common.Address]*DepositInfo),
		nowFn:    func() int64 { return time.Now().Unix() },
	}
}

func (l *SettlementLedger) entry(id common.Address) *DepositInfo {
	info, ok := l.accounts[id]
	if !ok {
		info = &DepositInfo{Deposit: new(big.Int), Stake: new(big.Int)}
		l.accounts[id] = info
	}
	return info
}

// DepositTo credits an identity's spendable deposit unconditionally.
func (l *SettlementLedger) DepositTo(id common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	info := l.entry(id)
	info.Deposit = new(big.Int).Add(info.Deposit, amount)
}

// WithdrawTo moves deposit out of the ledger to an external destination.
// The destination transfer itself is outside this core; the ledger only
// guarantees the debit is precise.
func (l *SettlementLedger) WithdrawTo(id, to common.Address, amount *big.Int) error {
	return l.Debit(id, amount)
}

// Debit reduces an identity's deposit, failing without mutation if the
// balance cannot cover it.
func (l *SettlementLedger) Debit(id common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	info := l.entry(id)
	if info.Deposit.Cmp(amount) < 0 {
		return ErrInsufficientDeposit
	}
	info.Deposit = new(big.Int).Sub(info.Deposit, amount)
	return nil
}

// Credit increases an identity's deposit.
func (l *SettlementLedger) Credit(id common.Address, amount *big.Int) {
	l.DepositTo(id, amount)
}

// AddStake merges amount into the identity's locked stake and clears any
// pending unlock.
func (l *SettlementLedger) AddStake(id common.Address, amount *big.Int, unstakeDelaySec uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amount == nil || amount.Sign() == 0 {
		return ErrNoStake
	}
	info := l.entry(id)
	if unstakeDelaySec == 0 && info.Stake.Sign() == 0 {
		return ErrNoUnstakeDelay
	}
	info.Stake = new(big.Int).Add(info.Stake, amount)
	info.Staked = true
	if unstakeDelaySec != 0 {
		info.UnstakeDelaySec = unstakeDelaySec
	}
	info.WithdrawTime = 0
	return nil
}

// UnlockStake starts the withdrawal cooldown.
func (l *SettlementLedger) UnlockStake(id common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	info := l.entry(id)
	if !info.Staked {
		return ErrNotStaked
	}
	info.Staked = false
	info.WithdrawTime = l.nowFn() + int64(info.UnstakeDelaySec)
	return nil
}

// WithdrawStake zeroes the stake once the cooldown has elapsed. The returned
// amount is what moves to the destination.
func (l *SettlementLedger) WithdrawStake(id, to common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	info := l.entry(id)
	if info.WithdrawTime == 0 || l.nowFn() < info.WithdrawTime {
		return nil, ErrStakeNotWithdrawable
	}
	amount := info.Stake
	info.Stake = new(big.Int)
	info.WithdrawTime = 0
	info.UnstakeDelaySec = 0
	return amount, nil
}

// BalanceOf returns the identity's spendable deposit.
func (l *SettlementLedger) BalanceOf(id common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.entry(id).Deposit)
}

// GetDepositInfo returns a copy of the identity's ledger entry.
func (l *SettlementLedger) GetDepositInfo(id common.Address) DepositInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	info := l.entry(id)
	return DepositInfo{
		Deposit:         new(big.Int).Set(info.Deposit),
		Stake:           new(big.Int).Set(info.Stake),
		Staked:          info.Staked,
		UnstakeDelaySec: info.UnstakeDelaySec,
		WithdrawTime:    info.WithdrawTime,
	}
}

// SetClock overrides the ledger's time source.
func (l *SettlementLedger) SetClock(now func() int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nowFn = now
}
