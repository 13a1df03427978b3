// Package signer implements the three stacked signing capabilities the
// proxy exposes over JSON-RPC: a message signer, a transaction signer, and
// a typed-data signer, each backed by an HD wallet, wrapped in a logging
// decorator and optionally in a validation decorator.
package signer

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/hdnode/signproxy/internal/txrequest"
	"github.com/hdnode/signproxy/internal/typeddata"
)

// Signature is a raw 65-byte ECDSA signature (R || S || V, V in {0,1}), the
// format both crypto.Sign produces and types.Transaction.WithSignature
// expects.
type Signature [65]byte

// Hex renders the signature as a 0x-prefixed hex string.
func (s Signature) Hex() string {
	return hexutil.Encode(s[:])
}

// UnknownSignerError is returned when a request names an account this
// signer has no key for.
type UnknownSignerError struct {
	Account common.Address
}

func (e *UnknownSignerError) Error() string {
	return fmt.Sprintf("unknown account %s", e.Account.Hex())
}

// Signing is implemented by the Wallet and each decorator that wraps it.
type Signing interface {
	// Accounts returns every address this signer can sign for.
	Accounts() []common.Address

	// SignMessage signs the personal-sign digest of data for account.
	SignMessage(ctx context.Context, account common.Address, data []byte) (Signature, error)

	// SignTransaction signs the signing hash of an already-filled
	// transaction for account.
	SignTransaction(ctx context.Context, account common.Address, tx *txrequest.Transaction) (Signature, error)

	// SignTypedData signs the EIP-712 digest of data for account.
	SignTypedData(ctx context.Context, account common.Address, data *typeddata.TypedData) (Signature, error)
}
