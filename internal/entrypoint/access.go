package entrypoint

import "github.com/ethereum/go-ethereum/common"

// Storage access costs. An operation must not be able to tell whether it is
// being validated or executed from the cost of touching a slot, so both
// phases of one operation share a single tracker: a slot warmed during
// validation stays warm during execution.
const (
	ColdAccessGas uint64 = 2100
	WarmAccessGas uint64 = 100
)

type slotKey struct {
	addr common.Address
	slot common.Hash
}

// AccessTracker classifies storage touches as cold or warm for one
// operation across both phases.
type AccessTracker struct {
	warm map[slotKey]struct{}
	cold uint64
}

func NewAccessTracker() *AccessTracker {
	return &AccessTracker{warm: make(map[slotKey]struct{})}
}

// Touch records an access and charges the meter the cold or warm rate.
// The first touch of a slot is cold; every later touch, in either phase,
// is warm.
func (t *AccessTracker) Touch(m *Meter, addr common.Address, slot common.Hash) error {
	k := slotKey{addr: addr, slot: slot}
	if _, ok := t.warm[k]; ok {
		return m.Consume(WarmAccessGas)
	}
	t.warm[k] = struct{}{}
	t.cold++
	return m.Consume(ColdAccessGas)
}

// IsWarm reports whether a slot has been touched already.
func (t *AccessTracker) IsWarm(addr common.Address, slot common.Hash) bool {
	_, ok := t.warm[slotKey{addr: addr, slot: slot}]
	return ok
}

// ColdAccesses returns how many distinct slots have been touched.
func (t *AccessTracker) ColdAccesses() uint64 { return t.cold }
