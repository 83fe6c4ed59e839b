// Package nonce tracks per-account, per-key monotonic sequence counters.
// Keys are independent lanes: consuming one lane's sequence never affects
// another.
package nonce

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quarklabs/aa-entrypoint/internal/userop"
)

var (
	ErrInvalidNonce    = errors.New("nonce: invalid account nonce")
	ErrNotAccountOwner = errors.New("nonce: caller is not the account")
)

type laneID struct {
	account common.Address
	key     common.Hash // 192-bit key, left-padded
}

// Registry is the two-dimensional nonce ledger.
type Registry struct {
	mu    sync.Mutex
	lanes map[laneID]uint64
}

func NewRegistry() *Registry {
	return &Registry{lanes: make(map[laneID]uint64)}
}

func lane(account common.Address, key *big.Int) laneID {
	id := laneID{account: account}
	if key != nil {
		key.FillBytes(id.key[:])
	}
	return id
}

// ValidateAndConsume accepts proposedSeq only if it equals the lane's current
// sequence, then advances the lane by exactly 1. Returns the prior value.
func (r *Registry) ValidateAndConsume(account common.Address, key *big.Int, proposedSeq uint64) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := lane(account, key)
	cur := r.lanes[id]
	if proposedSeq != cur {
		return 0, ErrInvalidNonce
	}
	r.lanes[id] = cur + 1
	return cur, nil
}

// Peek returns (key<<64)|sequence without mutating the lane.
func (r *Registry) Peek(account common.Address, key *big.Int) *big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return userop.EncodeNonce(key, r.lanes[lane(account, key)])
}

// Rollback returns a lane to an earlier sequence. Used by the batch
// processor when a later operation aborts the batch after this lane was
// already consumed.
func (r *Registry) Rollback(account common.Address, key *big.Int, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lanes[lane(account, key)] = seq
}

// ManualIncrement advances a lane by delta, enabling gap-skipping. Only the
// account itself may do this; subsequent validations must present the new
// sequence exactly.
func (r *Registry) ManualIncrement(caller, account common.Address, key *big.Int, delta uint64) error {
	if caller != account {
		return ErrNotAccountOwner
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id := lane(account, key)
	r.lanes[id] += delta
	return nil
}
