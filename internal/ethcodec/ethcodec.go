// Package ethcodec implements the Ethereum JSON-RPC wire conventions used
// throughout the proxy: 0x-prefixed quantities with no leading zeros,
// fixed- and variable-width hex byte strings, and EIP-55 checksummed
// addresses. It is a thin wrapper around go-ethereum's hexutil package
// rather than a hand-rolled codec — hexutil already implements exactly
// these semantics and the module already depends on go-ethereum for
// transaction types and signing.
package ethcodec

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Quantity is a 0x-prefixed, no-leading-zero (except "0x0") hex-encoded
// unsigned integer, as used for every chain-visible numeric field.
type Quantity struct {
	Value *big.Int
}

// NewQuantity wraps an integer as a Quantity.
func NewQuantity(v *big.Int) Quantity {
	return Quantity{Value: v}
}

// QuantityFromUint64 wraps a uint64 as a Quantity.
func QuantityFromUint64(v uint64) Quantity {
	return Quantity{Value: new(big.Int).SetUint64(v)}
}

func (q Quantity) MarshalJSON() ([]byte, error) {
	v := q.Value
	if v == nil {
		v = big.NewInt(0)
	}
	return json.Marshal((*hexutil.Big)(v))
}

func (q *Quantity) UnmarshalJSON(data []byte) error {
	var hb hexutil.Big
	if err := (&hb).UnmarshalJSON(data); err != nil {
		return fmt.Errorf("quantity: %w", err)
	}
	q.Value = (*big.Int)(&hb)
	return nil
}

// Bytes is a variable-length 0x-prefixed hex byte string.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hexutil.Bytes(b))
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	var hb hexutil.Bytes
	if err := (&hb).UnmarshalJSON(data); err != nil {
		return fmt.Errorf("bytes: %w", err)
	}
	*b = Bytes(hb)
	return nil
}

// Bytes32 is an exact 32-byte 0x-prefixed hex string, the width of a
// storage slot or a digest.
type Bytes32 [32]byte

func (b Bytes32) MarshalJSON() ([]byte, error) {
	return json.Marshal(hexutil.Encode(b[:]))
}

func (b *Bytes32) UnmarshalJSON(data []byte) error {
	var hb hexutil.Bytes
	if err := (&hb).UnmarshalJSON(data); err != nil {
		return fmt.Errorf("bytes32: %w", err)
	}
	if len(hb) != 32 {
		return fmt.Errorf("bytes32: expected 32 bytes, got %d", len(hb))
	}
	copy(b[:], hb)
	return nil
}

// ParseAddress parses a 20-byte Ethereum address, accepted case-
// insensitively regardless of whether it carries an EIP-55 checksum.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// ChecksumAddress renders an address using EIP-55 mixed-case checksum
// encoding.
func ChecksumAddress(addr common.Address) string {
	return addr.Hex()
}

// Addresses serializes a list of addresses as EIP-55 checksummed hex
// strings, the result shape of eth_accounts.
type Addresses []common.Address

func (a Addresses) MarshalJSON() ([]byte, error) {
	out := make([]string, len(a))
	for i, addr := range a {
		out[i] = ChecksumAddress(addr)
	}
	return json.Marshal(out)
}
