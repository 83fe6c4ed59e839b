// Package userop defines the UserOperation wire object and the arithmetic
// helpers the entrypoint needs: operation hashing, the two-dimensional nonce
// codec, paymasterAndData parsing, and worst-case prefund math.
package userop

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Nonce layout: the 256-bit nonce splits into a 192-bit key (independent
// lane) and a 64-bit sequence within that lane.
const (
	NonceSeqBits = 64
	NonceKeyBits = 192
)

// verificationGasMultiplier is how many times the verification gas limit is
// reserved in the prefund ceiling when a paymaster is involved (account
// validation + paymaster validation + postOp).
const verificationGasMultiplier = 3

var (
	ErrNoPaymaster           = errors.New("userop: no paymaster data")
	ErrMalformedPaymaster    = errors.New("userop: malformed paymaster data")
	ErrMalformedFeeFields    = errors.New("userop: missing fee fields")
	ErrPriorityFeeExceedsMax = errors.New("userop: priority fee above max fee")
)

// UserOperation is a pre-signed abstract operation. Immutable once
// constructed; its identity is Hash.
type UserOperation struct {
	Sender               common.Address `json:"sender"`
	Nonce                *big.Int       `json:"nonce"`
	InitCode             []byte         `json:"init_code"`
	CallData             []byte         `json:"call_data"`
	CallGasLimit         uint64         `json:"call_gas_limit"`
	VerificationGasLimit uint64         `json:"verification_gas_limit"`
	PreVerificationGas   uint64         `json:"pre_verification_gas"`
	MaxFeePerGas         *big.Int       `json:"max_fee_per_gas"`
	MaxPriorityFeePerGas *big.Int       `json:"max_priority_fee_per_gas"`
	PaymasterAndData     []byte         `json:"paymaster_and_data"`
	Signature            []byte         `json:"signature"`
}

// CheckFees validates the static fee fields.
func (op *UserOperation) CheckFees() error {
	if op.MaxFeePerGas == nil || op.MaxPriorityFeePerGas == nil {
		return ErrMalformedFeeFields
	}
	if op.MaxPriorityFeePerGas.Cmp(op.MaxFeePerGas) > 0 {
		return ErrPriorityFeeExceedsMax
	}
	return nil
}

// Hash computes the operation identity: keccak over the packed fields, the
// entrypoint identity, and the chain id.
func (op *UserOperation) Hash(entryPoint common.Address, chainID *big.Int) common.Hash {
	var buf []byte
	buf = append(buf, op.Sender.Bytes()...)
	buf = appendBigAs32(buf, op.Nonce)
	buf = append(buf, crypto.Keccak256(op.InitCode)...)
	buf = append(buf, crypto.Keccak256(op.CallData)...)
	buf = appendUint64As32(buf, op.CallGasLimit)
	buf = appendUint64As32(buf, op.VerificationGasLimit)
	buf = appendUint64As32(buf, op.PreVerificationGas)
	buf = appendBigAs32(buf, op.MaxFeePerGas)
	buf = appendBigAs32(buf, op.MaxPriorityFeePerGas)
	buf = append(buf, crypto.Keccak256(op.PaymasterAndData)...)

	inner := crypto.Keccak256(buf)

	var outer []byte
	outer = append(outer, inner...)
	outer = append(outer, entryPoint.Bytes()...)
	outer = appendBigAs32(outer, chainID)
	return common.BytesToHash(crypto.Keccak256(outer))
}

// NonceKey returns the upper 192 bits of the nonce.
func (op *UserOperation) NonceKey() *big.Int {
	if op.Nonce == nil {
		return new(big.Int)
	}
	return new(big.Int).Rsh(op.Nonce, NonceSeqBits)
}

// NonceSeq returns the lower 64 bits of the nonce.
func (op *UserOperation) NonceSeq() uint64 {
	if op.Nonce == nil {
		return 0
	}
	return new(big.Int).And(op.Nonce, new(big.Int).SetUint64(^uint64(0))).Uint64()
}

// EncodeNonce packs a key and sequence into a 256-bit nonce.
func EncodeNonce(key *big.Int, seq uint64) *big.Int {
	n := new(big.Int)
	if key != nil {
		n.Lsh(key, NonceSeqBits)
	}
	return n.Or(n, new(big.Int).SetUint64(seq))
}

// HasPaymaster reports whether paymasterAndData names a sponsor.
func (op *UserOperation) HasPaymaster() bool {
	return len(op.PaymasterAndData) >= common.AddressLength
}

// Paymaster returns the sponsor identity from paymasterAndData.
func (op *UserOperation) Paymaster() (common.Address, error) {
	if len(op.PaymasterAndData) == 0 {
		return common.Address{}, ErrNoPaymaster
	}
	if len(op.PaymasterAndData) < common.AddressLength {
		return common.Address{}, ErrMalformedPaymaster
	}
	return common.BytesToAddress(op.PaymasterAndData[:common.AddressLength]), nil
}

// PriceOverride returns the caller-supplied exchange rate appended after the
// sponsor identity, or nil when the cached price should be used. The override
// is a 32-byte big-endian integer in the same 1e26 markup space as the cache.
func (op *UserOperation) PriceOverride() (*big.Int, error) {
	extra := len(op.PaymasterAndData) - common.AddressLength
	switch {
	case extra <= 0:
		return nil, nil
	case extra == common.HashLength:
		return new(big.Int).SetBytes(op.PaymasterAndData[common.AddressLength:]), nil
	default:
		return nil, ErrMalformedPaymaster
	}
}

// PackPaymasterData encodes a sponsor identity with an optional price
// override into paymasterAndData form.
func PackPaymasterData(paymaster common.Address, priceOverride *big.Int) []byte {
	data := make([]byte, common.AddressLength, common.AddressLength+common.HashLength)
	copy(data, paymaster.Bytes())
	if priceOverride != nil {
		var word [common.HashLength]byte
		priceOverride.FillBytes(word[:])
		data = append(data, word[:]...)
	}
	return data
}

// MaxGas returns the worst-case gas the operation may consume. With a
// paymaster the verification limit is reserved three times over: account
// validation, paymaster validation, and postOp.
func (op *UserOperation) MaxGas() uint64 {
	mul := uint64(1)
	if op.HasPaymaster() {
		mul = verificationGasMultiplier
	}
	return op.PreVerificationGas + mul*op.VerificationGasLimit + op.CallGasLimit
}

// RequiredPrefund is the ceiling the payer must cover before execution:
// worst-case gas priced at maxFeePerGas.
func (op *UserOperation) RequiredPrefund() *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(op.MaxGas()), op.MaxFeePerGas)
}

// EffectiveGasPrice returns min(maxFeePerGas, baseFee+maxPriorityFeePerGas).
func (op *UserOperation) EffectiveGasPrice(baseFee *big.Int) *big.Int {
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	effective := new(big.Int).Add(baseFee, op.MaxPriorityFeePerGas)
	if effective.Cmp(op.MaxFeePerGas) > 0 {
		effective.Set(op.MaxFeePerGas)
	}
	return effective
}

func appendUint64As32(buf []byte, v uint64) []byte {
	var word [32]byte
	new(big.Int).SetUint64(v).FillBytes(word[:])
	return append(buf, word[:]...)
}

func appendBigAs32(buf []byte, v *big.Int) []byte {
	var word [32]byte
	if v != nil {
		v.FillBytes(word[:])
	}
	return append(buf, word[:]...)
}
