// Package message computes the Ethereum "personal sign" digest used by
// eth_sign: the keccak256 hash of the message prefixed with
// "\x19Ethereum Signed Message:\n" and its length.
package message

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SigningHash returns the digest eth_sign signs over.
func SigningHash(data []byte) common.Hash {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(data))
	return crypto.Keccak256Hash([]byte(prefix), data)
}
