// Package ethrpc implements the typed Ethereum JSON-RPC client (Eth) used
// by both the node's local handlers and the transaction filler: a single
// immediate call path and a batched path that accumulates calls and issues
// them as one upstream round trip.
package ethrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hdnode/signproxy/internal/ethcodec"
	"github.com/hdnode/signproxy/internal/jsonrpc"
)

// Block selectors accepted by Ethereum JSON-RPC methods.
const (
	BlockLatest  = "latest"
	BlockPending = "pending"
)

// Eth is a typed Ethereum JSON-RPC client.
type Eth struct {
	client *jsonrpc.Client

	mu      sync.Mutex
	chainID *big.Int // lazily populated, immutable once set
}

// New wraps a jsonrpc.Client as a typed Ethereum client.
func New(client *jsonrpc.Client) *Eth {
	return &Eth{client: client}
}

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("ethrpc: unexpected marshal failure: %v", err))
	}
	return b
}

func decodeQuantity(data json.RawMessage) (*big.Int, error) {
	var q ethcodec.Quantity
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, err
	}
	return q.Value, nil
}

// call issues a single immediate (non-batched) RPC call.
func (e *Eth) call(ctx context.Context, method string, params ...json.RawMessage) (json.RawMessage, error) {
	resp, err := e.client.Call(ctx, method, params...)
	if err != nil {
		return nil, fmt.Errorf("%s: transport error: %w", method, err)
	}
	if resp.Err != nil {
		return nil, fmt.Errorf("%s: upstream error %d: %s", method, resp.Err.Code, resp.Err.Message)
	}
	return resp.Result, nil
}

// ChainID returns the upstream chain id, memoized for the lifetime of the
// process. Concurrent first calls may each perform the upstream fetch —
// the cache is a single last-writer-wins slot, not a singleflight — but
// the stored value is immutable once set.
func (e *Eth) ChainID(ctx context.Context) (*big.Int, error) {
	e.mu.Lock()
	cached := e.chainID
	e.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	result, err := e.call(ctx, "eth_chainId")
	if err != nil {
		return nil, err
	}
	id, err := decodeQuantity(result)
	if err != nil {
		return nil, fmt.Errorf("eth_chainId: %w", err)
	}

	e.mu.Lock()
	e.chainID = id
	e.mu.Unlock()
	return id, nil
}

// future is a one-shot result cell resolved by Batch.Execute.
type future[T any] struct {
	val T
	err error
}

// Handle is returned by every batched call; Get blocks until Execute has
// run (it never blocks before that, since it's only ever called after).
type Handle[T any] struct {
	ch chan future[T]
}

// Get returns the resolved value. Must only be called after the owning
// Batch's Execute has returned.
func (h *Handle[T]) Get() (T, error) {
	r := <-h.ch
	return r.val, r.err
}

func newHandle[T any]() *Handle[T] {
	return &Handle[T]{ch: make(chan future[T], 1)}
}

type queuedCall struct {
	req    jsonrpc.Request
	settle func(jsonrpc.Response, error)
}

// Batch accumulates calls and issues them together in a single HTTP round
// trip when Execute is called. Each call returns a Handle that resolves
// only once Execute runs.
type Batch struct {
	eth   *Eth
	queue []queuedCall
}

// Batch starts a new batch of calls against this client.
func (e *Eth) Batch() *Batch {
	return &Batch{eth: e}
}

func addCall[T any](b *Batch, method string, decode func(json.RawMessage) (T, error), params ...json.RawMessage) *Handle[T] {
	handle := newHandle[T]()
	req := jsonrpc.Request{
		Method: method,
		Params: jsonrpc.ArrayParams(params...),
		ID:     b.eth.client.NextID(),
	}
	b.queue = append(b.queue, queuedCall{
		req: req,
		settle: func(resp jsonrpc.Response, transportErr error) {
			var r future[T]
			switch {
			case transportErr != nil:
				r.err = fmt.Errorf("%s: transport error: %w", method, transportErr)
			case resp.Err != nil:
				r.err = fmt.Errorf("%s: upstream error %d: %s", method, resp.Err.Code, resp.Err.Message)
			default:
				v, err := decode(resp.Result)
				if err != nil {
					r.err = fmt.Errorf("%s: %w", method, err)
				} else {
					r.val = v
				}
			}
			handle.ch <- r
		},
	})
	return handle
}

func decodeUint64Quantity(data json.RawMessage) (uint64, error) {
	v, err := decodeQuantity(data)
	if err != nil {
		return 0, err
	}
	return v.Uint64(), nil
}

// ChainID enqueues an eth_chainId call.
func (b *Batch) ChainID() *Handle[*big.Int] {
	return addCall(b, "eth_chainId", decodeQuantity)
}

// GetTransactionCount enqueues an eth_getTransactionCount call, used for
// the account's next nonce.
func (b *Batch) GetTransactionCount(account common.Address, block string) *Handle[uint64] {
	return addCall(b, "eth_getTransactionCount", decodeUint64Quantity, mustJSON(account.Hex()), mustJSON(block))
}

// EstimateGas enqueues an eth_estimateGas call. txParams is the caller's
// already-serialized partial transaction object.
func (b *Batch) EstimateGas(txParams json.RawMessage, block string) *Handle[uint64] {
	return addCall(b, "eth_estimateGas", decodeUint64Quantity, txParams, mustJSON(block))
}

// GasPrice enqueues an eth_gasPrice call, the legacy gas pricing estimate.
func (b *Batch) GasPrice() *Handle[*big.Int] {
	return addCall(b, "eth_gasPrice", decodeQuantity)
}

// MaxPriorityFeePerGas enqueues an eth_maxPriorityFeePerGas call.
func (b *Batch) MaxPriorityFeePerGas() *Handle[*big.Int] {
	return addCall(b, "eth_maxPriorityFeePerGas", decodeQuantity)
}

type feeHistoryResult struct {
	BaseFeePerGas []ethcodec.Quantity `json:"baseFeePerGas"`
}

// BaseFee enqueues an eth_feeHistory(1, latest, []) call and resolves to
// the base fee of the next (not-yet-mined) block, i.e. the second entry of
// the returned baseFeePerGas array.
func (b *Batch) BaseFee() *Handle[*big.Int] {
	decode := func(data json.RawMessage) (*big.Int, error) {
		var fh feeHistoryResult
		if err := json.Unmarshal(data, &fh); err != nil {
			return nil, err
		}
		if len(fh.BaseFeePerGas) < 2 {
			return nil, fmt.Errorf("fee history: expected at least 2 baseFeePerGas entries, got %d", len(fh.BaseFeePerGas))
		}
		return fh.BaseFeePerGas[1].Value, nil
	}
	return addCall(b, "eth_feeHistory", decode,
		mustJSON(ethcodec.QuantityFromUint64(1)), mustJSON(BlockLatest), mustJSON([]float64{}))
}

// Execute issues every queued call as a single upstream batch request and
// resolves every Handle returned so far. A Batch must not be reused after
// Execute is called.
func (b *Batch) Execute(ctx context.Context) error {
	if len(b.queue) == 0 {
		return nil
	}

	reqs := make([]jsonrpc.Request, len(b.queue))
	for i, q := range b.queue {
		reqs[i] = q.req
	}

	responses, err := b.eth.client.ExecuteMany(ctx, reqs)
	if err != nil {
		for _, q := range b.queue {
			q.settle(jsonrpc.Response{}, err)
		}
		return fmt.Errorf("batch execute: %w", err)
	}

	for i, q := range b.queue {
		q.settle(responses[i], nil)
	}
	return nil
}
