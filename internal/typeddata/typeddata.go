// Package typeddata wraps go-ethereum's EIP-712 typed-data implementation,
// keeping both the raw JSON (for logging/debugging) and the parsed
// structure (for digest computation).
package typeddata

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// TypedData is an EIP-712 typed-data payload.
type TypedData struct {
	raw   json.RawMessage
	inner apitypes.TypedData
}

// Parse decodes a raw EIP-712 JSON object, retaining it for logging.
//
// apitypes.TypedDataDomain.ChainId is a math.HexOrDecimal256, so a domain
// chainId may arrive as a JSON number, a decimal string, or a 0x-prefixed
// hex string without any extra handling here.
func Parse(raw json.RawMessage) (*TypedData, error) {
	var inner apitypes.TypedData
	if err := json.Unmarshal(raw, &inner); err != nil {
		return nil, fmt.Errorf("typed data: %w", err)
	}
	return &TypedData{raw: raw, inner: inner}, nil
}

// Raw returns the original JSON, unmodified, for logging/debugging.
func (t *TypedData) Raw() json.RawMessage {
	return t.raw
}

// ChainID returns the domain's chain id, or nil if the domain omitted it.
func (t *TypedData) ChainID() *big.Int {
	if t.inner.Domain.ChainId == nil {
		return nil
	}
	return (*big.Int)(t.inner.Domain.ChainId)
}

// SigningHash computes the EIP-712 digest:
// keccak256("\x19\x01" || domainSeparator || hashStruct(message)).
func (t *TypedData) SigningHash() (common.Hash, error) {
	domainSeparator, err := t.inner.HashStruct("EIP712Domain", t.inner.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("hashing domain: %w", err)
	}
	messageHash, err := t.inner.HashStruct(t.inner.PrimaryType, t.inner.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("hashing message: %w", err)
	}

	raw := make([]byte, 0, 2+len(domainSeparator)+len(messageHash))
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, messageHash...)
	return crypto.Keccak256Hash(raw), nil
}

// MarshalJSON re-serializes the retained raw JSON unchanged.
func (t *TypedData) MarshalJSON() ([]byte, error) {
	return t.raw, nil
}
