package entrypoint

import "errors"

// ErrOutOfGas is returned by a Meter when a call exceeds its allotment.
var ErrOutOfGas = errors.New("entrypoint: out of gas")

// Meter bounds one external call. Blocking does not exist in this model:
// a call either completes, exhausts its meter, or reverts.
type Meter struct {
	limit uint64
	used  uint64
}

func NewMeter(limit uint64) *Meter {
	return &Meter{limit: limit}
}

// Consume charges amount against the meter.
func (m *Meter) Consume(amount uint64) error {
	if m.used+amount > m.limit {
		m.used = m.limit
		return ErrOutOfGas
	}
	m.used += amount
	return nil
}

func (m *Meter) Used() uint64 { return m.used }

func (m *Meter) Remaining() uint64 { return m.limit - m.used }
