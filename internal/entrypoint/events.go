package entrypoint

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// RevertReasonMaxLen caps a captured revert payload. The cap is a hard
// contract: payloads longer than this are stored at exactly this length,
// shorter ones unchanged.
const RevertReasonMaxLen = 2048

// UserOperationEvent is emitted once per settled operation.
type UserOperationEvent struct {
	OpHash        common.Hash    `json:"op_hash"`
	Sender        common.Address `json:"sender"`
	Paymaster     common.Address `json:"paymaster"` // zero when self-funded
	Nonce         *big.Int       `json:"nonce"`
	Success       bool           `json:"success"`
	ActualGasCost *big.Int       `json:"actual_gas_cost"`
	ActualGasUsed uint64         `json:"actual_gas_used"`
}

// RevertReasonEvent is emitted for a failed-but-tolerated execution, with
// the truncated payload.
type RevertReasonEvent struct {
	OpHash common.Hash    `json:"op_hash"`
	Sender common.Address `json:"sender"`
	Nonce  *big.Int       `json:"nonce"`
	Reason []byte         `json:"reason"`
}

// BatchResult collects everything a settled batch produced.
type BatchResult struct {
	Events    []UserOperationEvent
	Reverts   []RevertReasonEvent
	Collected *big.Int // net amount credited to the beneficiary
}

// TruncateRevertReason enforces RevertReasonMaxLen. Idempotent.
func TruncateRevertReason(payload []byte) []byte {
	if len(payload) <= RevertReasonMaxLen {
		return payload
	}
	return payload[:RevertReasonMaxLen]
}
