// Package txrequest implements the partial transaction request accepted by
// eth_sendTransaction/eth_signTransaction, its batched filling algorithm,
// and the resulting typed, signable transaction.
package txrequest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/hdnode/signproxy/internal/ethcodec"
	"github.com/hdnode/signproxy/internal/ethrpc"
	"github.com/hdnode/signproxy/internal/rpcerr"
)

// TransactionRequest is the partial transaction supplied by the client for
// eth_sendTransaction/eth_signTransaction.
type TransactionRequest struct {
	From                 common.Address
	To                   *common.Address
	Gas                  *uint64
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	Value                *big.Int
	Data                 []byte
	Nonce                *uint64
	AccessList           types.AccessList
	ChainID              *big.Int

	// txType is accepted (real clients routinely send "type") but never
	// consulted: the transaction type is inferred from which fee and
	// access-list fields are present.
	txType *uint64
}

type wireTransactionRequest struct {
	From                 string              `json:"from,omitempty"`
	To                   *string             `json:"to"`
	Gas                  *ethcodec.Quantity  `json:"gas,omitempty"`
	GasPrice             *ethcodec.Quantity  `json:"gasPrice,omitempty"`
	MaxFeePerGas         *ethcodec.Quantity  `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *ethcodec.Quantity  `json:"maxPriorityFeePerGas,omitempty"`
	Value                *ethcodec.Quantity  `json:"value,omitempty"`
	Data                 *ethcodec.Bytes     `json:"data,omitempty"`
	Nonce                *ethcodec.Quantity  `json:"nonce,omitempty"`
	AccessList           types.AccessList    `json:"accessList,omitempty"`
	ChainID              *ethcodec.Quantity  `json:"chainId,omitempty"`
	Type                 *ethcodec.Quantity  `json:"type,omitempty"`
}

// UnmarshalJSON rejects unknown fields.
func (r *TransactionRequest) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var w wireTransactionRequest
	if err := dec.Decode(&w); err != nil {
		return fmt.Errorf("transaction request: %w", err)
	}
	if w.From == "" {
		return fmt.Errorf("transaction request: missing from")
	}

	from, err := ethcodec.ParseAddress(w.From)
	if err != nil {
		return fmt.Errorf("transaction request: from: %w", err)
	}
	r.From = from

	if w.To != nil {
		to, err := ethcodec.ParseAddress(*w.To)
		if err != nil {
			return fmt.Errorf("transaction request: to: %w", err)
		}
		r.To = &to
	}
	if w.Gas != nil {
		g := w.Gas.Value.Uint64()
		r.Gas = &g
	}
	if w.GasPrice != nil {
		r.GasPrice = w.GasPrice.Value
	}
	if w.MaxFeePerGas != nil {
		r.MaxFeePerGas = w.MaxFeePerGas.Value
	}
	if w.MaxPriorityFeePerGas != nil {
		r.MaxPriorityFeePerGas = w.MaxPriorityFeePerGas.Value
	}
	if w.Value != nil {
		r.Value = w.Value.Value
	} else {
		r.Value = big.NewInt(0)
	}
	if w.Data != nil {
		r.Data = []byte(*w.Data)
	} else {
		r.Data = []byte{}
	}
	if w.Nonce != nil {
		n := w.Nonce.Value.Uint64()
		r.Nonce = &n
	}
	r.AccessList = w.AccessList
	if w.ChainID != nil {
		r.ChainID = w.ChainID.Value
	}
	if w.Type != nil {
		t := w.Type.Value.Uint64()
		r.txType = &t
	}
	return nil
}

// MarshalJSON serializes the request in the shape used for the
// eth_estimateGas call and transaction debug logging. "from" is omitted:
// it isn't needed once the request is routed to a specific account.
func (r *TransactionRequest) MarshalJSON() ([]byte, error) {
	w := wireTransactionRequest{}
	if r.To != nil {
		s := ethcodec.ChecksumAddress(*r.To)
		w.To = &s
	}
	if r.Gas != nil {
		q := ethcodec.QuantityFromUint64(*r.Gas)
		w.Gas = &q
	}
	if r.GasPrice != nil {
		q := ethcodec.NewQuantity(r.GasPrice)
		w.GasPrice = &q
	}
	if r.MaxFeePerGas != nil {
		q := ethcodec.NewQuantity(r.MaxFeePerGas)
		w.MaxFeePerGas = &q
	}
	if r.MaxPriorityFeePerGas != nil {
		q := ethcodec.NewQuantity(r.MaxPriorityFeePerGas)
		w.MaxPriorityFeePerGas = &q
	}
	value := r.Value
	if value == nil {
		value = big.NewInt(0)
	}
	valueQ := ethcodec.NewQuantity(value)
	w.Value = &valueQ
	data := ethcodec.Bytes(r.Data)
	w.Data = &data
	if r.Nonce != nil {
		q := ethcodec.QuantityFromUint64(*r.Nonce)
		w.Nonce = &q
	}
	if len(r.AccessList) > 0 {
		w.AccessList = r.AccessList
	}
	if r.ChainID != nil {
		q := ethcodec.NewQuantity(r.ChainID)
		w.ChainID = &q
	}
	return json.Marshal(w)
}

// Fill computes every unspecified field of the transaction request with a
// single batched upstream round trip, and returns the account to sign with
// plus the fully specified Transaction.
func (r *TransactionRequest) Fill(ctx context.Context, eth *ethrpc.Eth) (common.Address, *Transaction, error) {
	account := r.From

	batch := eth.Batch()
	chainIDHandle := batch.ChainID()
	nonceHandle := batch.GetTransactionCount(account, ethrpc.BlockLatest)

	var gasHandle *ethrpc.Handle[uint64]
	if r.Gas == nil {
		txJSON, err := json.Marshal(r)
		if err != nil {
			return common.Address{}, nil, rpcerr.WrapInternal(err, "marshaling transaction for gas estimate")
		}
		gasHandle = batch.EstimateGas(txJSON, ethrpc.BlockPending)
	}

	hasGasPrice := r.GasPrice != nil
	hasMaxFee := r.MaxFeePerGas != nil
	hasPriority := r.MaxPriorityFeePerGas != nil

	if hasGasPrice && (hasMaxFee || hasPriority) {
		return common.Address{}, nil, rpcerr.ClientFaultf("specified both gas price and London gas parameters")
	}

	var gasPriceHandle, baseFeeHandle, priorityHandle *ethrpc.Handle[*big.Int]
	switch {
	case !hasGasPrice && !hasMaxFee && !hasPriority:
		gasPriceHandle = batch.GasPrice()
		baseFeeHandle = batch.BaseFee()
		priorityHandle = batch.MaxPriorityFeePerGas()
	case hasPriority && !hasMaxFee:
		baseFeeHandle = batch.BaseFee()
	case hasMaxFee && !hasPriority:
		priorityHandle = batch.MaxPriorityFeePerGas()
	}

	if err := batch.Execute(ctx); err != nil {
		return common.Address{}, nil, rpcerr.WrapInternal(err, "executing transaction fill batch")
	}

	chainID, err := chainIDHandle.Get()
	if err != nil {
		return common.Address{}, nil, rpcerr.WrapInternal(err, "fetching chain id")
	}
	if r.ChainID != nil && r.ChainID.Cmp(chainID) != 0 {
		return common.Address{}, nil, rpcerr.ClientFaultf("chain ID used for signing does not match node")
	}
	r.ChainID = chainID

	nonce, err := nonceHandle.Get()
	if err != nil {
		return common.Address{}, nil, rpcerr.WrapInternal(err, "fetching nonce")
	}
	if r.Nonce != nil && *r.Nonce != nonce {
		return common.Address{}, nil, rpcerr.ClientFaultf("only signing transactions for current nonce (%#x) permitted", nonce)
	}
	r.Nonce = &nonce

	if gasHandle != nil {
		gas, err := gasHandle.Get()
		if err != nil {
			return common.Address{}, nil, rpcerr.WrapInternal(err, "estimating gas")
		}
		r.Gas = &gas
	}

	switch {
	case gasPriceHandle != nil && baseFeeHandle != nil && priorityHandle != nil:
		// Prefer EIP-1559 gas pricing, falling back to legacy if either
		// London fetch failed.
		baseFee, baseErr := baseFeeHandle.Get()
		priority, priErr := priorityHandle.Get()
		if baseErr == nil && priErr == nil {
			r.MaxPriorityFeePerGas = priority
			r.MaxFeePerGas = new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), priority)
		} else {
			gasPrice, err := gasPriceHandle.Get()
			if err != nil {
				return common.Address{}, nil, rpcerr.WrapInternal(err, "fetching gas price")
			}
			r.GasPrice = gasPrice
		}
	default:
		if priorityHandle != nil {
			priority, err := priorityHandle.Get()
			if err != nil {
				return common.Address{}, nil, rpcerr.WrapInternal(err, "fetching priority fee")
			}
			r.MaxPriorityFeePerGas = priority
		}
		if baseFeeHandle != nil {
			baseFee, err := baseFeeHandle.Get()
			if err != nil {
				return common.Address{}, nil, rpcerr.WrapInternal(err, "fetching base fee")
			}
			r.MaxFeePerGas = new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), r.MaxPriorityFeePerGas)
		}
	}

	tx, err := NewTransaction(r)
	if err != nil {
		return common.Address{}, nil, rpcerr.WrapInternal(err, "building transaction")
	}
	return account, tx, nil
}

// Transaction is a fully specified Legacy, EIP-2930, or EIP-1559
// transaction, ready to be hashed and signed.
type Transaction struct {
	args  *TransactionRequest
	inner *types.Transaction
}

// NewTransaction builds a typed transaction from a fully specified
// request, selecting the type from field presence: maxFeePerGas ->
// EIP-1559; else a non-empty accessList -> EIP-2930; else legacy.
func NewTransaction(r *TransactionRequest) (*Transaction, error) {
	if r.Gas == nil || r.Nonce == nil || r.ChainID == nil {
		return nil, fmt.Errorf("incomplete transaction request")
	}
	value := r.Value
	if value == nil {
		value = big.NewInt(0)
	}

	var txdata types.TxData
	switch {
	case r.MaxFeePerGas != nil:
		txdata = &types.DynamicFeeTx{
			ChainID:    r.ChainID,
			Nonce:      *r.Nonce,
			GasTipCap:  r.MaxPriorityFeePerGas,
			GasFeeCap:  r.MaxFeePerGas,
			Gas:        *r.Gas,
			To:         r.To,
			Value:      value,
			Data:       r.Data,
			AccessList: r.AccessList,
		}
	case len(r.AccessList) > 0:
		txdata = &types.AccessListTx{
			ChainID:    r.ChainID,
			Nonce:      *r.Nonce,
			GasPrice:   r.GasPrice,
			Gas:        *r.Gas,
			To:         r.To,
			Value:      value,
			Data:       r.Data,
			AccessList: r.AccessList,
		}
	default:
		txdata = &types.LegacyTx{
			Nonce:    *r.Nonce,
			GasPrice: r.GasPrice,
			Gas:      *r.Gas,
			To:       r.To,
			Value:    value,
			Data:     r.Data,
		}
	}

	return &Transaction{args: r, inner: types.NewTx(txdata)}, nil
}

func (t *Transaction) signer() types.Signer {
	return types.NewLondonSigner(t.args.ChainID)
}

// SigningHash returns the digest to sign, selecting the correct EIP-155,
// EIP-2930, or EIP-1559 signing hash for the transaction's type.
func (t *Transaction) SigningHash() common.Hash {
	return t.signer().Hash(t.inner)
}

// Encode attaches a signature to the transaction and returns its RLP
// encoding, type-byte prefixed for EIP-2930/1559 transactions and bare for
// legacy, per EIP-2718.
func (t *Transaction) Encode(sig [65]byte) ([]byte, error) {
	signed, err := t.inner.WithSignature(t.signer(), sig[:])
	if err != nil {
		return nil, fmt.Errorf("attaching signature: %w", err)
	}
	return signed.MarshalBinary()
}

// MarshalJSON renders the same fields as the request that produced this
// transaction, the shape logged by the LogRecorder decorator.
func (t *Transaction) MarshalJSON() ([]byte, error) {
	return t.args.MarshalJSON()
}
