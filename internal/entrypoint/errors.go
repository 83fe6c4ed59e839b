package entrypoint

import "fmt"

// Batch-aborting failure reasons. These mirror the ERC-4337 EntryPoint
// error codes so operators can triage them with standard tooling.
const (
	ReasonAccountNotDeployed   = "AA20 account not deployed"
	ReasonPrefundNotPaid       = "AA21 didn't pay prefund"
	ReasonAccountWindow        = "AA22 expired or not due"
	ReasonAccountReverted      = "AA23 reverted (or OOG)"
	ReasonInvalidNonce         = "AA25 invalid account nonce"
	ReasonPaymasterNotDeployed = "AA30 paymaster not deployed"
	ReasonPaymasterDepositLow  = "AA31 paymaster deposit too low"
	ReasonPaymasterWindow      = "AA32 paymaster expired or not due"
	ReasonPaymasterRejected    = "AA33 reverted: " // + verbatim sponsor reason
	ReasonGasValuesInvalid     = "AA94 gas values overflow"
)

// FailedOpError aborts the whole batch: the offending operation index and a
// human-readable reason. Validation-class failures must never reach
// execution, so any earlier ledger/nonce effects are rolled back before this
// error surfaces.
type FailedOpError struct {
	Index  int
	Reason string
}

func (e *FailedOpError) Error() string {
	return fmt.Sprintf("FailedOp(%d, %q)", e.Index, e.Reason)
}

// RevertError carries the raw revert payload from an account or paymaster
// call. Execution-phase reverts are tolerated per operation; their payload
// is captured and length-capped.
type RevertError struct {
	Payload []byte
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("reverted: %s", e.Payload)
}

// Revert builds a RevertError from a payload.
func Revert(payload []byte) error {
	return &RevertError{Payload: payload}
}
